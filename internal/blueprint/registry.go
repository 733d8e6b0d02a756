// Package blueprint holds the fixed automation pipeline. The table is
// compiled in and versioned with the code; nodes are not user-authored.
package blueprint

import (
	"sort"

	"github.com/djlord-it/opsflow/internal/domain"
)

// Codes of the built-in automation nodes.
const (
	CodeDropboxSync       = "dropbox-sync"
	CodeCaptionGeneration = "caption-generation"
	CodeContentReview     = "content-review"
	CodePostScheduling    = "post-scheduling"
	CodeInstagramPublish  = "instagram-publish"
	CodeTikTokPublish     = "tiktok-publish"
	CodePerformanceReport = "performance-report"
	CodeClientInsights    = "client-insights"
)

var registry = []domain.Blueprint{
	{
		Code:     CodeDropboxSync,
		Name:     "Dropbox ingestion",
		Kind:     domain.NodeKindSourceSync,
		Sequence: 1,
	},
	{
		Code:             CodeCaptionGeneration,
		Name:             "Caption generation",
		Dependencies:     []string{CodeDropboxSync},
		Kind:             domain.NodeKindWebhook,
		EndpointTemplate: "webhook/caption-generation",
		Sequence:         2,
	},
	{
		Code:             CodeContentReview,
		Name:             "Content review",
		Dependencies:     []string{CodeCaptionGeneration},
		Kind:             domain.NodeKindWebhook,
		EndpointTemplate: "webhook/content-review",
		Sequence:         3,
	},
	{
		Code:             CodePostScheduling,
		Name:             "Post scheduling",
		Dependencies:     []string{CodeContentReview},
		Kind:             domain.NodeKindWebhook,
		EndpointTemplate: "webhook/post-scheduling",
		Sequence:         4,
	},
	{
		Code:             CodeInstagramPublish,
		Name:             "Instagram publishing",
		Dependencies:     []string{CodePostScheduling},
		Kind:             domain.NodeKindWebhook,
		EndpointTemplate: "webhook/instagram-publish",
		Sequence:         5,
	},
	{
		Code:             CodeTikTokPublish,
		Name:             "TikTok publishing",
		Dependencies:     []string{CodePostScheduling},
		Kind:             domain.NodeKindWebhook,
		EndpointTemplate: "webhook/tiktok-publish",
		Sequence:         6,
	},
	{
		Code:             CodePerformanceReport,
		Name:             "Performance report",
		Dependencies:     []string{CodeInstagramPublish, CodeTikTokPublish},
		Kind:             domain.NodeKindWebhook,
		EndpointTemplate: "webhook/performance-report",
		Sequence:         7,
	},
	{
		Code:             CodeClientInsights,
		Name:             "Client insights",
		Kind:             domain.NodeKindWebhook,
		EndpointTemplate: "webhook/client-insights",
		Sequence:         8,
	},
}

// All returns a copy of the registry ordered by sequence.
func All() []domain.Blueprint {
	out := make([]domain.Blueprint, len(registry))
	for i, b := range registry {
		b.Dependencies = append([]string(nil), b.Dependencies...)
		out[i] = b
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Lookup returns the blueprint for code.
func Lookup(code string) (domain.Blueprint, bool) {
	for _, b := range registry {
		if b.Code == code {
			b.Dependencies = append([]string(nil), b.Dependencies...)
			return b, true
		}
	}
	return domain.Blueprint{}, false
}

// Codes returns every registered code in sequence order.
func Codes() []string {
	all := All()
	codes := make([]string, len(all))
	for i, b := range all {
		codes[i] = b.Code
	}
	return codes
}

// Table is a lookup view over an arbitrary blueprint set. The engine works
// against a Table so tests can supply their own pipelines.
type Table struct {
	ordered []domain.Blueprint
	byCode  map[string]domain.Blueprint
}

// NewTable indexes blueprints by code. Later duplicates replace earlier ones.
func NewTable(blueprints []domain.Blueprint) *Table {
	t := &Table{byCode: make(map[string]domain.Blueprint, len(blueprints))}
	for _, b := range blueprints {
		if _, dup := t.byCode[b.Code]; !dup {
			t.ordered = append(t.ordered, b)
		} else {
			for i := range t.ordered {
				if t.ordered[i].Code == b.Code {
					t.ordered[i] = b
				}
			}
		}
		t.byCode[b.Code] = b
	}
	sort.SliceStable(t.ordered, func(i, j int) bool { return t.ordered[i].Sequence < t.ordered[j].Sequence })
	return t
}

// Default returns a Table over the built-in registry.
func Default() *Table {
	return NewTable(All())
}

func (t *Table) Lookup(code string) (domain.Blueprint, bool) {
	b, ok := t.byCode[code]
	return b, ok
}

// All returns blueprints in sequence order. The slice must not be modified.
func (t *Table) All() []domain.Blueprint {
	return t.ordered
}
