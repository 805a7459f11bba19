// Package scan classifies tabs from a Firefox session file without a
// running browser and formats the proposed grouping as a dry run.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/moezakura/ai-tab-sorter/internal/content"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// ClassifyFunc produces a classification for page content, or nil when
// classification is not possible.
type ClassifyFunc func(ctx context.Context, c types.PageContent) *types.ClassificationResult

// Move is one proposed tab placement.
type Move struct {
	Tab        types.SessionTab
	Category   string
	Confidence float64
}

// Result is the outcome of scanning a session.
type Result struct {
	Moves          []Move
	AlreadyGrouped int
	Skipped        int // non-HTTP or excluded tabs
	Failed         int // classification returned nothing
}

// Options tunes a scan run.
type Options struct {
	// Fetch the page and extract readable content instead of
	// classifying on URL and title alone.
	Fetch bool

	// Limit stops after classifying this many tabs; 0 means no limit.
	Limit int
}

// Run classifies every ungrouped tab in the session.
func Run(ctx context.Context, sess *types.SessionData, classify ClassifyFunc, opts Options) *Result {
	r := &Result{}

	for _, tab := range sess.Tabs {
		if opts.Limit > 0 && len(r.Moves) >= opts.Limit {
			break
		}
		if tab.GroupName != "" {
			r.AlreadyGrouped++
			continue
		}
		if !content.Fetchable(tab.URL) {
			r.Skipped++
			continue
		}

		page := types.PageContent{URL: tab.URL, Title: tab.Title, Content: tab.Title}
		if opts.Fetch {
			fetched, err := content.FetchReadable(ctx, tab.URL)
			if err != nil {
				slog.Debug("fetch failed, classifying on title", "url", tab.URL, "error", err)
			} else {
				page = fetched
			}
		}

		result := classify(ctx, page)
		if result == nil {
			r.Failed++
			continue
		}
		r.Moves = append(r.Moves, Move{Tab: tab, Category: result.Category, Confidence: result.Confidence})
	}

	return r
}

// FormatDryRun returns a human-readable summary of the proposed
// grouping, one section per category in the configured order.
func FormatDryRun(r *Result, categories []types.GroupCategory) string {
	byCategory := make(map[string][]Move)
	for _, m := range r.Moves {
		byCategory[m.Category] = append(byCategory[m.Category], m)
	}

	var b strings.Builder
	names := make([]string, 0, len(categories))
	seen := make(map[string]bool)
	for _, cat := range categories {
		names = append(names, cat.Name)
		seen[cat.Name] = true
	}
	// Categories the model produced outside the configured set go last.
	for _, m := range r.Moves {
		if !seen[m.Category] {
			names = append(names, m.Category)
			seen[m.Category] = true
		}
	}

	for _, name := range names {
		moves := byCategory[name]
		if len(moves) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("\n%s (%d):\n", name, len(moves)))
		for _, m := range moves {
			title := m.Tab.Title
			if title == "" {
				title = m.Tab.URL
			}
			b.WriteString(fmt.Sprintf("  - %s (%.0f%%)\n", title, m.Confidence*100))
		}
	}

	if r.AlreadyGrouped > 0 {
		b.WriteString(fmt.Sprintf("\nAlready grouped: %d tabs\n", r.AlreadyGrouped))
	}
	if r.Skipped > 0 {
		b.WriteString(fmt.Sprintf("Skipped: %d non-HTTP tabs\n", r.Skipped))
	}
	if r.Failed > 0 {
		b.WriteString(fmt.Sprintf("Unclassified: %d tabs\n", r.Failed))
	}

	return b.String()
}
