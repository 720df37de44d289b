// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "numericbible",
		Short: "Quality and resilience engine for narrative metric streams",
		Long: `NumericBible scores per-scene feature vectors into bounded quality
scores, mines the scored series for changepoints and outliers, and
extracts versioned genre rules. Every stage writes an append-only
audit log.`,
	}

	configPath string
	genreFlag  string

	scoreCmd = &cobra.Command{
		Use:   "score [vectors.jsonl]",
		Short: "Score scene feature vectors into quality scores",
		Long: `Reads feature vectors from a JSONL file (one FeatureVector per line,
grouped by work in scene order), scores every scene, and writes the
flattened scene records to stdout as JSONL.`,
		Args: cobra.ExactArgs(1),
		Run:  runScoreCommand,
	}

	mineCmd = &cobra.Command{
		Use:   "mine [vectors.jsonl]",
		Short: "Score vectors, then mine changepoints and outliers",
		Args:  cobra.ExactArgs(1),
		Run:   runMineCommand,
	}

	rulesCmd = &cobra.Command{
		Use:   "rules [vectors.jsonl]",
		Short: "Run the full pipeline and print extracted genre rules",
		Args:  cobra.ExactArgs(1),
		Run:   runRulesCommand,
	}

	eventsSince int64
	eventsCmd   = &cobra.Command{
		Use:   "events",
		Short: "Replay the persistent audit log",
		Long: `Reads the badger-backed event log at the configured storage path and
prints every event from the given position as JSONL.`,
		Args: cobra.NoArgs,
		Run:  runEventsCommand,
	}

	backendsCmd = &cobra.Command{
		Use:   "backends",
		Short: "List configured inference backends",
		Args:  cobra.NoArgs,
		Run:   runBackendsCommand,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the engine config YAML")
	rootCmd.PersistentFlags().StringVar(&genreFlag, "genre", "", "override the configured genre")

	eventsCmd.Flags().Int64Var(&eventsSince, "since", 0, "replay events with position greater than this")

	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(mineCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(backendsCmd)
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
