// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	}
}

// FormatETA returns the expected time to finish the remaining steps at the given step duration,
// e.g. "3 hours from now".
func FormatETA(now time.Time, remainingSteps int, stepDuration time.Duration) string {
	return humanize.RelTime(now, now.Add(time.Duration(remainingSteps)*stepDuration), "from now", "ago")
}
