// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/AleutianAI/NumericBible/services/engine/narrative"
	"github.com/AleutianAI/NumericBible/services/engine/rules"
	"github.com/AleutianAI/NumericBible/services/engine/score"
	"github.com/AleutianAI/NumericBible/services/engine/series"
	"github.com/AleutianAI/NumericBible/services/engine/vector"
)

// SceneRecord is the flattened per-scene dataset row.
//
// The field layout is the dataset contract consumed downstream; renaming
// or reordering fields is a breaking change.
type SceneRecord struct {
	WorkID       string             `json:"work_id"`
	ChapterID    string             `json:"chapter_id,omitempty"`
	SceneID      string             `json:"scene_id"`
	Offsets      vector.Offsets     `json:"offsets"`
	Vector       map[string]float64 `json:"vector"`
	DTARatio     float64            `json:"dta_ratio"`
	MarkovState  narrative.State    `json:"markov_state"`
	QualityScore *float64           `json:"quality_score"`
	Anomalies    []score.Tag        `json:"anomalies"`
	Provenance   *score.Provenance  `json:"provenance,omitempty"`
}

// sceneRecord flattens one series entry.
func sceneRecord(e series.Entry) SceneRecord {
	vec := make(map[string]float64, len(vector.Factors))
	for _, f := range vector.Factors {
		vec[string(f)] = e.Vector.FactorValue(f)
	}

	rec := SceneRecord{
		WorkID:      e.Vector.WorkID,
		ChapterID:   e.Vector.ChapterID,
		SceneID:     e.Vector.SceneID,
		Offsets:     e.Vector.Offsets,
		Vector:      vec,
		DTARatio:    e.Vector.DTARatio,
		MarkovState: e.State,
		Anomalies:   []score.Tag{},
	}
	if e.Score != nil {
		s := e.Score.Score
		rec.QualityScore = &s
		rec.Anomalies = e.Score.Anomalies
		prov := e.Score.Provenance
		rec.Provenance = &prov
	}
	return rec
}

// ExportScenes writes one work's series as JSONL, one SceneRecord per
// line in scene order. Unscored scenes export with a null quality score
// so the dataset keeps its positional integrity.
func ExportScenes(w io.Writer, s *series.Series) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range s.Snapshot() {
		if err := enc.Encode(sceneRecord(e)); err != nil {
			return fmt.Errorf("export scene %s: %w", e.Vector.SceneID, err)
		}
	}
	return bw.Flush()
}

// ExportRules writes the extracted rules as JSONL export records.
func ExportRules(w io.Writer, extracted []*rules.GenreRule) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range extracted {
		if err := enc.Encode(r.Export()); err != nil {
			return fmt.Errorf("export rule %s: %w", r.ID, err)
		}
	}
	return bw.Flush()
}
