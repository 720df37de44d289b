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

func runEventsCommand(cmd *cobra.Command, args []string) {
	eng, err := buildEngine()
	if err != nil {
		exitf("setup: %v", err)
	}
	defer eng.close()

	if eng.cfg.Storage.Path == "" {
		exitf("events: no storage path configured; set storage.path or NUMERICBIBLE_STORAGE_PATH")
	}

	ctx := context.Background()
	events, err := eng.log.ReadFrom(ctx, uint64(eventsSince))
	if err != nil {
		exitf("read events: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			exitf("encode event %d: %v", ev.Position, err)
		}
	}
}
