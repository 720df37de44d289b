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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/NumericBible/services/engine/pipeline"
)

func runScoreCommand(cmd *cobra.Command, args []string) {
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

	for _, res := range results {
		if err := pipeline.ExportScenes(os.Stdout, res.Series); err != nil {
			exitf("export %s: %v", res.WorkID, err)
		}
		if res.Failed > 0 {
			eng.logger.Warn("work finished with unscored scenes",
				"work_id", res.WorkID,
				"scored", res.Scored,
				"failed", res.Failed,
			)
		}
	}
}
