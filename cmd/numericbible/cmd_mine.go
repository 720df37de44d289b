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
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func runMineCommand(cmd *cobra.Command, args []string) {
	eng, err := buildEngine()
	if err != nil {
		exitf("setup: %v", err)
	}
	defer eng.close()

	works, err := readWorks(args[0])
	if err != nil {
		exitf("read vectors: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), runDuration)
	defer cancel()

	results, err := eng.pipeline.Run(ctx, works)
	if err != nil {
		exitf("run: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, res := range results {
		if res.Report == nil {
			eng.logger.Warn("mining blocked", "work_id", res.WorkID, "failed_scenes", res.Failed)
			continue
		}
		if err := enc.Encode(res.Report); err != nil {
			exitf("encode report %s: %v", res.WorkID, err)
		}
	}
}
