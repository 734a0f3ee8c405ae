package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mepsopti/sprout-mcp/internal/db"
)

// RegisterBuiltins wires the built-in task kinds onto a loop. Additional kinds
// are registered by the embedding process.
func RegisterBuiltins(l *Loop, store *db.DB) {
	l.Register("review_summary", func(ctx context.Context, params map[string]any) (string, error) {
		return ReviewSummary(store)
	})
	l.Register("export_chunks", func(ctx context.Context, params map[string]any) (string, error) {
		return exportChunks(store, params)
	})
	l.Register("get_stats", func(ctx context.Context, params map[string]any) (string, error) {
		return statsDump(store, params)
	})
}

// ReviewSummary renders the queued chunks grouped by task type, with id,
// confidence and up to three sources per chunk. The tool surface exposes the
// same report on demand.
func ReviewSummary(store *db.DB) (string, error) {
	chunks, err := store.ReviewQueue(db.ReviewQueueFilter{Limit: 500})
	if err != nil {
		return "", fmt.Errorf("loading review queue: %w", err)
	}
	if len(chunks) == 0 {
		return "No chunks pending review.", nil
	}

	byType := map[string][]db.Chunk{}
	for _, c := range chunks {
		byType[c.Provenance.TaskType] = append(byType[c.Provenance.TaskType], c)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	b.WriteString("## Review Summary\n\n")
	var seedCount, wateredCount int
	for _, c := range chunks {
		switch c.Provenance.Confidence {
		case db.ConfidenceSeed:
			seedCount++
		case db.ConfidenceWatered:
			wateredCount++
		}
	}
	fmt.Fprintf(&b, "**%d chunks**: %d seed, %d watered\n\n", len(chunks), seedCount, wateredCount)

	for _, taskType := range types {
		group := byType[taskType]
		fmt.Fprintf(&b, "### %s (%d chunks)\n", taskType, len(group))
		for _, c := range group {
			sources := "no sources"
			if len(c.Provenance.Sources) > 0 {
				n := len(c.Provenance.Sources)
				if n > 3 {
					n = 3
				}
				sources = strings.Join(c.Provenance.Sources[:n], " | ")
			}
			fmt.Fprintf(&b, "- `%s` **%s**.%s [%s] — %s\n",
				db.ShortID(c.ID), c.NodeID, c.Field, c.Provenance.Confidence, sources)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func exportChunks(store *db.DB, params map[string]any) (string, error) {
	project, _ := params["project"].(string)
	minConf, _ := params["min_confidence"].(string)
	if minConf == "" {
		minConf = string(db.ConfidenceWatered)
	}
	exported, err := store.ExportChunks(project, minConf)
	if err != nil {
		return "", fmt.Errorf("exporting chunks: %w", err)
	}
	out, err := json.MarshalIndent(exported, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func statsDump(store *db.DB, params map[string]any) (string, error) {
	project, _ := params["project"].(string)
	stats, err := store.ChunkStats(project)
	if err != nil {
		return "", fmt.Errorf("loading stats: %w", err)
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
