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
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func runBackendsCommand(cmd *cobra.Command, args []string) {
	eng, err := buildEngine()
	if err != nil {
		exitf("setup: %v", err)
	}
	defer eng.close()

	if len(eng.cfg.Backends) == 0 {
		fmt.Println("No backends configured; the engine runs fully deterministic.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tMODEL\tNOMINAL LATENCY\tCAPABILITIES")
	for _, b := range eng.cfg.Backends {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.Kind, b.Model, b.NominalLatency, strings.Join(b.Capabilities, ","))
	}
	w.Flush()
}
