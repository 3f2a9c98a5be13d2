package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ClassifyResult is the response of the classification endpoint. Two wire
// shapes exist: the current one carries a ready-to-render message plus an
// optional link and escalation flag; the legacy one carries raw category and
// intent scores that the client summarizes itself.
type ClassifyResult struct {
	Message     string
	Link        string
	AdminIssued bool

	Legacy         bool
	Category       string
	CategoryScores map[string]float64
	Intent         string
	IntentScores   map[string]float64
}

type wireClassify struct {
	Message     *string            `json:"message"`
	Link        *string            `json:"link"`
	AdminIssued *bool              `json:"adminIssued"`
	Category    string             `json:"category"`
	CatScores   map[string]float64 `json:"categoryScores"`
	CatScores2  map[string]float64 `json:"catScores"`
	Intent      string             `json:"intent"`
	IntScores   map[string]float64 `json:"intentScores"`
}

// ParseClassifyResult decodes either wire shape. The new shape is recognized
// the way the storefront client does: a string message plus the presence of
// either the adminIssued or the link key.
func ParseClassifyResult(raw []byte) (ClassifyResult, error) {
	var w wireClassify
	if err := json.Unmarshal(raw, &w); err != nil {
		return ClassifyResult{}, fmt.Errorf("decode classify response: %w", err)
	}

	if w.Message != nil && (w.AdminIssued != nil || w.Link != nil) {
		res := ClassifyResult{Message: *w.Message}
		if w.AdminIssued != nil {
			res.AdminIssued = *w.AdminIssued
		}
		// A link never accompanies an escalation; the chat takes over.
		if w.Link != nil && !res.AdminIssued {
			res.Link = *w.Link
		}
		return res, nil
	}

	scores := w.CatScores
	if scores == nil {
		scores = w.CatScores2
	}
	return ClassifyResult{
		Legacy:         true,
		Category:       w.Category,
		CategoryScores: scores,
		Intent:         w.Intent,
		IntentScores:   w.IntScores,
	}, nil
}

// Summary renders the legacy shape the way the original client did: category
// and intent each followed by their top three scores.
func (r ClassifyResult) Summary() string {
	if !r.Legacy {
		return r.Message
	}
	cat := r.Category
	if cat == "" {
		cat = "?"
	}
	intent := r.Intent
	if intent == "" {
		intent = "?"
	}
	return fmt.Sprintf("Category: %s\nTop: %s\n\nIntent: %s\nTop: %s",
		cat, topScores(r.CategoryScores, 3), intent, topScores(r.IntentScores, 3))
}

func topScores(scores map[string]float64, n int) string {
	type kv struct {
		k string
		v float64
	}
	entries := make([]kv, 0, len(scores))
	for k, v := range scores {
		entries = append(entries, kv{k, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].v != entries[j].v {
			return entries[i].v > entries[j].v
		}
		return entries[i].k < entries[j].k
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s %.1f%%", e.k, e.v*100))
	}
	return strings.Join(parts, ", ")
}
