// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dehaze_checkpoints reports on the checkpoints of one or more dehaze_train training directories, and can
// edit them or export their inference weights.
//
// Example:
//
//	dehaze_checkpoints -summary -params -metrics ~/work/dehaze/run1 ~/work/dehaze/run2
//	dehaze_checkpoints -vars -scope=ema/ ~/work/dehaze/run1
//	dehaze_checkpoints -delete_vars=adam/ ~/work/dehaze/run1
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "model",
		`Variables considered by -summary, -vars and -perturb: "model" for the model parameters, "all", `+
			`or a prefix of the variable names, e.g. "ema/" or "adam/m1/".`)
	flagCheckpoint = flag.String("checkpoint", "", "Base name of the checkpoint to use, the latest if empty.")
	flagSummary    = flag.Bool("summary", false, "Display a summary of the checkpoints: step, and number and size of the variables in -scope.")
	flagParams     = flag.Bool("params", false, "Lists the values saved with the checkpoints.")
	flagVars       = flag.Bool("vars", false, "Lists the variables in -scope, with some statistics.")
	flagGlossary   = flag.Bool("glossary", true, "Whether to list a glossary of the statistics of -vars.")

	flagMetrics      = flag.Bool("metrics", false, "Lists the training metrics recorded in the summaries directory.")
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression selecting the metrics listed by -metrics.")
	flagMetricsEvery = flag.Int("metrics_every", 1, "List only one in every n rows of -metrics.")
	flagPlot         = flag.String("plot", "", "File where to plot the loss of all training directories, e.g. loss.png.")

	flagDeleteVars = flag.String("delete_vars", "", "Comma-separated prefixes of variables to delete, saving a new checkpoint. "+
		`E.g. "adam/" deletes the optimizer moments.`)
	flagPerturb = flag.Float64("perturb", 0, "Perturbs the variables in -scope by <x>: multiplies the values by 1+RandomUniform(-x, x), "+
		"saving a new checkpoint.")
	flagSeed      = flag.Uint64("seed", 0, "Seed of -perturb.")
	flagExport    = flag.String("export", "", "File where to export the inference weights (moving averages of the parameters).")
	flagExportRaw = flag.Bool("export_raw", false, "Export the parameters themselves instead of their moving averages.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	dirs := flag.Args()
	if len(dirs) == 0 {
		klog.Errorf("Missing training directory to read from. See 'dehaze_checkpoints -help'")
		os.Exit(1)
	}
	editing := *flagDeleteVars != "" || *flagPerturb != 0 || *flagExport != ""
	if editing && len(dirs) > 1 {
		klog.Errorf("-delete_vars, -perturb and -export take only one training directory.")
		os.Exit(1)
	}

	runs := must.M1(LoadRuns(dirs, *flagCheckpoint))
	if *flagDeleteVars != "" {
		deleted := must.M1(DeleteVars(runs[0], strings.Split(*flagDeleteVars, ",")...))
		fmt.Printf("%d variables deleted, new checkpoint %q saved.\n", deleted, runs[0].Checkpoint)
	}
	if *flagPerturb != 0 {
		perturbed := must.M1(PerturbVars(runs[0], *flagScope, *flagPerturb, *flagSeed))
		fmt.Printf("%d variables perturbed, new checkpoint %q saved.\n", perturbed, runs[0].Checkpoint)
	}
	if *flagExport != "" {
		exported := must.M1(Export(runs[0], *flagExport, *flagExportRaw))
		fmt.Printf("%d variables of %q exported to %s.\n", exported, runs[0].Checkpoint, *flagExport)
	}

	if *flagSummary {
		fmt.Println(Summary(runs, *flagScope))
	}
	if *flagParams {
		fmt.Println(Params(runs))
	}
	if *flagVars {
		for _, r := range runs {
			fmt.Println(Variables(r, *flagScope, *flagGlossary))
		}
	}
	if *flagMetrics || *flagPlot != "" {
		records := must.M1(LoadMetrics(runs))
		if *flagMetrics {
			metrics := must.M1(SelectMetrics(*flagMetricsNames))
			fmt.Println(Metrics(runs, records, metrics, *flagMetricsEvery))
		}
		if *flagPlot != "" {
			if must.M1(PlotLoss(runs, records, *flagPlot)) {
				fmt.Printf("Loss plotted to %s\n", *flagPlot)
			} else {
				klog.Warningf("No losses to plot")
			}
		}
	}
}
