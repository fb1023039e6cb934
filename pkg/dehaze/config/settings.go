// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of the "-set" flag.
// The settings are a list separated by ";": e.g.: "initial_learning_rate=0.01;log_every=100".
//
// All the parameters must be one of the names in Constants.Params. The type of the constant
// defines how the value is parsed. For integer types, "_" is removed: it allows one to enter large
// numbers using it as a separator, like in Go. E.g.: 1_000_000 = 1000000. Durations use the
// time.ParseDuration format.
//
// A setting like "file:settings.txt" reads the settings from a file, with new-lines working as ";",
// and lines starting with "#" ignored.
//
// It returns the names of the parameters set, in the order they were set.
func ParseSettings(c *Constants, settings string) (paramsSet []string, err error) {
	params := c.Params()
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params map[string]any, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		var filePath string
		filePath, err = fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(params, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	name, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	ptr, found := params[name]
	if !found {
		err = errors.Errorf("can't set parameter %q: unknown parameter, valid parameters are %s",
			name, strings.Join(sortedNames(params), ", "))
		return
	}
	switch v := ptr.(type) {
	case *int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *float64:
		err = json.Unmarshal([]byte(valueStr), v)
	case *bool:
		err = json.Unmarshal([]byte(valueStr), v)
	case *string:
		*v = valueStr
	case *time.Duration:
		var d time.Duration
		d, err = time.ParseDuration(valueStr)
		if err == nil {
			*v = d
		}
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q", ptr, name)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q", valueStr, name)
		return
	}
	newParamsSet = append(newParamsSet, name)
	return
}

func sortedNames(params map[string]any) []string {
	return slices.Sorted(maps.Keys(params))
}

// SettingsUsage returns the usage of the "-set" flag, listing the parameters and their current values.
func SettingsUsage(c *Constants) string {
	params := c.Params()
	parts := []string{
		`Set training constants. It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, name := range sortedNames(params) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", name, deref(params[name])))
	}
	return strings.Join(parts, "\n")
}

// SprintSettings pretty-prints the values of the constants whose names are in paramsSet (all if nil).
func SprintSettings(c *Constants, paramsSet []string) string {
	params := c.Params()
	names := paramsSet
	if names == nil {
		names = sortedNames(params)
	} else {
		names = slices.Clone(names)
		slices.Sort(names)
		names = slices.Compact(names)
	}
	var parts []string
	for _, name := range names {
		value := deref(params[name])
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, value, value))
	}
	return strings.Join(parts, "\n")
}

func deref(ptr any) any {
	switch v := ptr.(type) {
	case *int:
		return *v
	case *float64:
		return *v
	case *bool:
		return *v
	case *string:
		return *v
	case *time.Duration:
		return *v
	}
	return ptr
}
