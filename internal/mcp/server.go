// Package mcp registers the sprout tools on an MCP server. The tool layer is
// thin plumbing: it decodes JSON-shaped arguments, calls the ledger, routing
// table and task store, and renders results as text. All invariants live below
// it.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mepsopti/sprout-mcp/internal/db"
	"github.com/mepsopti/sprout-mcp/internal/router"
	"github.com/mepsopti/sprout-mcp/internal/scheduler"
)

// NewServer creates an MCPServer with all sprout tools registered.
func NewServer(database *db.DB, table *router.Table) *server.MCPServer {
	srv := server.NewMCPServer(
		"sprout",
		"0.1.0",
		server.WithToolCapabilities(true),
	)

	registerSubmitChunk(srv, database, table)
	registerGetReviewQueue(srv, database)
	registerMarkReviewed(srv, database)
	registerRecommendModel(srv, table)
	registerAddRoute(srv, table)
	registerGetStats(srv, database)
	registerExportChunks(srv, database)
	registerCostReport(srv, database, table)
	registerRecordRetry(srv, database)
	registerReviewSummary(srv, database)
	registerScheduleTask(srv, database)
	registerListScheduled(srv, database)
	registerCancelScheduled(srv, database)
	registerTaskHistory(srv, database)

	return srv
}

// --- submit_chunk ---

func registerSubmitChunk(srv *server.MCPServer, database *db.DB, table *router.Table) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project":     map[string]string{"type": "string", "description": "Project name"},
			"node_id":     map[string]string{"type": "string", "description": "Node identifier"},
			"node_type":   map[string]string{"type": "string", "description": "Node type (e.g. Person, Council, Document)"},
			"field":       map[string]string{"type": "string", "description": "Field name (e.g. biography, description)"},
			"content":     map[string]string{"type": "string", "description": "The generated content"},
			"produced_by": map[string]string{"type": "string", "description": "Model that produced it (e.g. haiku-4.5)"},
			"task_type":   map[string]string{"type": "string", "description": "Task type that produced it (e.g. biography_synthesis)"},
			"sources":     map[string]any{"type": "array", "items": map[string]string{"type": "string"}, "description": "Source URLs"},
		},
		"required": []string{"project", "node_id", "node_type", "field", "content", "produced_by", "task_type"},
	})
	tool := mcp.NewToolWithRawSchema("submit_chunk", "Store generated content with provenance tracking; replaces any prior chunk for the same project/node/field", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		producedBy := stringArg(args, "produced_by")
		confidence := table.ConfidenceForModel(producedBy)
		chunk := &db.Chunk{
			ID:       db.NewID(),
			Project:  stringArg(args, "project"),
			NodeID:   stringArg(args, "node_id"),
			NodeType: stringArg(args, "node_type"),
			Field:    stringArg(args, "field"),
			Content:  stringArg(args, "content"),
			Provenance: db.Provenance{
				ProducedBy: producedBy,
				ProducedAt: time.Now().UTC(),
				TaskType:   stringArg(args, "task_type"),
				Sources:    stringSliceArg(args, "sources"),
				Confidence: confidence,
			},
		}
		if err := database.UpsertChunk(chunk); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("submit_chunk: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Stored chunk %s [%s] for %s.%s",
			chunk.ID, confidence, chunk.NodeID, chunk.Field)), nil
	})
}

// --- get_review_queue ---

func registerGetReviewQueue(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project":    map[string]string{"type": "string", "description": "Filter by project"},
			"node_type":  map[string]string{"type": "string", "description": "Filter by node type"},
			"confidence": map[string]string{"type": "string", "description": "Filter by confidence level (seed, watered)"},
			"limit":      map[string]any{"type": "integer", "description": "Max results", "default": 50},
		},
	})
	tool := mcp.NewToolWithRawSchema("get_review_queue", "List chunks needing review, oldest first", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		chunks, err := database.ReviewQueue(db.ReviewQueueFilter{
			Project:    stringArg(args, "project"),
			NodeType:   stringArg(args, "node_type"),
			Confidence: stringArg(args, "confidence"),
			Limit:      intArg(args, "limit", 50),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get_review_queue: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcp.NewToolResultText("No chunks in review queue."), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "## Review Queue (%d chunks)\n\n", len(chunks))
		for _, c := range chunks {
			sources := "none"
			if len(c.Provenance.Sources) > 0 {
				n := len(c.Provenance.Sources)
				if n > 2 {
					n = 2
				}
				sources = strings.Join(c.Provenance.Sources[:n], ", ")
			}
			fmt.Fprintf(&b, "- **%s** | %s.%s [%s] by %s | sources: %s\n",
				db.ShortID(c.ID), c.NodeID, c.Field, c.Provenance.Confidence, c.Provenance.ProducedBy, sources)
		}
		return mcp.NewToolResultText(b.String()), nil
	})
}

// --- mark_reviewed ---

func registerMarkReviewed(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"chunk_id":       map[string]string{"type": "string", "description": "Chunk ID"},
			"verified_by":    map[string]string{"type": "string", "description": "Model or person that reviewed"},
			"new_confidence": map[string]string{"type": "string", "description": "New confidence level (watered, sprouted, rejected)"},
			"review_notes":   map[string]string{"type": "string", "description": "Optional rejection reason or reviewer comments"},
		},
		"required": []string{"chunk_id", "verified_by", "new_confidence"},
	})
	tool := mcp.NewToolWithRawSchema("mark_reviewed", "Promote or reject a chunk after review", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		chunkID := stringArg(args, "chunk_id")
		var notes *string
		if n := stringArg(args, "review_notes"); n != "" {
			notes = &n
		}
		chunk, err := database.MarkReviewed(chunkID, stringArg(args, "verified_by"),
			db.Confidence(stringArg(args, "new_confidence")), notes)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if chunk == nil {
			return mcp.NewToolResultText(fmt.Sprintf("Chunk %s not found.", chunkID)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Chunk %s → %s (verified by %s)",
			chunkID, chunk.Provenance.Confidence, *chunk.Provenance.VerifiedBy)), nil
	})
}

// --- recommend_model ---

func registerRecommendModel(srv *server.MCPServer, table *router.Table) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_type": map[string]string{"type": "string", "description": "The type of task (e.g. biography_synthesis, fact_check_final)"},
		},
		"required": []string{"task_type"},
	})
	tool := mcp.NewToolWithRawSchema("recommend_model", "Get the model tier recommendation for a task type", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rec := table.Recommend(stringArg(req.GetArguments(), "task_type"))
		return mcp.NewToolResultText(fmt.Sprintf("**%s**: use **%s** (%s)\nReason: %s",
			rec.TaskType, rec.RecommendedModel, rec.Tier, rec.Reason)), nil
	})
}

// --- add_route ---

func registerAddRoute(srv *server.MCPServer, table *router.Table) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_type": map[string]string{"type": "string", "description": "Task type to route"},
			"tier":      map[string]string{"type": "string", "description": "Model tier (haiku, sonnet, opus)"},
			"reason":    map[string]string{"type": "string", "description": "Why this tier fits"},
		},
		"required": []string{"task_type", "tier"},
	})
	tool := mcp.NewToolWithRawSchema("add_route", "Add or replace the routing entry for a task type", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		taskType := stringArg(args, "task_type")
		tier := stringArg(args, "tier")
		reason := stringArg(args, "reason")
		if reason == "" {
			reason = "Configured route"
		}
		table.AddRoute(taskType, tier, reason)
		return mcp.NewToolResultText(fmt.Sprintf("Route %s → %s", taskType, tier)), nil
	})
}

// --- get_stats ---

func registerGetStats(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": map[string]string{"type": "string", "description": "Optional project filter"},
		},
	})
	tool := mcp.NewToolWithRawSchema("get_stats", "Dashboard of chunk counts by confidence level and token usage", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := database.ChunkStats(stringArg(req.GetArguments(), "project"))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get_stats: %v", err)), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "## Sprout Stats (total: %d)\n\n", stats.Total)
		b.WriteString("### By Confidence\n")
		for _, k := range sortedKeys(stats.ByConfidence) {
			fmt.Fprintf(&b, "- %s: %d\n", k, stats.ByConfidence[k])
		}
		b.WriteString("\n### By Project\n")
		for _, k := range sortedKeys(stats.ByProject) {
			fmt.Fprintf(&b, "- %s: %d\n", k, stats.ByProject[k])
		}
		b.WriteString("\n### By Task Type\n")
		for _, k := range sortedKeys(stats.ByType) {
			fmt.Fprintf(&b, "- %s: %d\n", k, stats.ByType[k])
		}
		if len(stats.TokenUsage) > 0 {
			b.WriteString("\n### Token Usage\n")
			models := make([]string, 0, len(stats.TokenUsage))
			for m := range stats.TokenUsage {
				models = append(models, m)
			}
			sort.Strings(models)
			for _, m := range models {
				mt := stats.TokenUsage[m]
				fmt.Fprintf(&b, "- %s: ~%d tokens (%d chunks)\n", m, mt.TotalTokens, mt.Chunks)
			}
		}
		return mcp.NewToolResultText(b.String()), nil
	})
}

// --- export_chunks ---

func registerExportChunks(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project":        map[string]string{"type": "string", "description": "Optional project filter"},
			"min_confidence": map[string]any{"type": "string", "description": "Minimum confidence level (seed, watered, sprouted)", "default": "watered"},
		},
	})
	tool := mcp.NewToolWithRawSchema("export_chunks", "Export verified chunks as JSON for downstream enrichment", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		minConf := stringArg(args, "min_confidence")
		if minConf == "" {
			minConf = string(db.ConfidenceWatered)
		}
		exported, err := database.ExportChunks(stringArg(args, "project"), minConf)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("export_chunks: %v", err)), nil
		}
		out, err := json.MarshalIndent(exported, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("export_chunks: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	})
}

// --- cost_report ---

func registerCostReport(srv *server.MCPServer, database *db.DB, table *router.Table) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project": map[string]string{"type": "string", "description": "Optional project filter"},
		},
	})
	tool := mcp.NewToolWithRawSchema("cost_report", "Estimated spend per model from token usage and the price table", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, total, err := database.CostReport(stringArg(req.GetArguments(), "project"), table.PriceFor)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cost_report: %v", err)), nil
		}
		if len(report) == 0 {
			return mcp.NewToolResultText("No token usage recorded."), nil
		}
		models := make([]string, 0, len(report))
		for m := range report {
			models = append(models, m)
		}
		sort.Strings(models)

		var b strings.Builder
		b.WriteString("## Cost Report\n\n")
		for _, m := range models {
			c := report[m]
			fmt.Fprintf(&b, "- %s: ~%d tokens × $%.2f/M = $%.4f\n",
				m, c.TotalTokens, c.PricePerMillion, c.CostUSD)
		}
		fmt.Fprintf(&b, "\n**Total: $%.4f**", total)
		return mcp.NewToolResultText(b.String()), nil
	})
}

// --- record_retry ---

func registerRecordRetry(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"chunk_id":      map[string]string{"type": "string", "description": "Chunk the failed attempt belongs to"},
			"error_message": map[string]string{"type": "string", "description": "What went wrong"},
		},
		"required": []string{"chunk_id", "error_message"},
	})
	tool := mcp.NewToolWithRawSchema("record_retry", "Append a failed attempt for a chunk and return the running retry count", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		chunkID := stringArg(args, "chunk_id")
		count, err := database.RecordRetry(chunkID, stringArg(args, "error_message"))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("record_retry: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Retry %d recorded for chunk %s", count, chunkID)), nil
	})
}

// --- review_summary ---

func registerReviewSummary(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	})
	tool := mcp.NewToolWithRawSchema("review_summary", "Structured summary of all queued chunks grouped by task type, ready for reviewer passes", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summary, err := scheduler.ReviewSummary(database)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("review_summary: %v", err)), nil
		}
		return mcp.NewToolResultText(summary), nil
	})
}

// --- schedule_task ---

func registerScheduleTask(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_name":     map[string]string{"type": "string", "description": "Task to run (review_summary, export_chunks, get_stats)"},
			"run_at":        map[string]string{"type": "string", "description": "ISO datetime for when to run; naive times are treated as UTC"},
			"delay_minutes": map[string]any{"type": "integer", "description": "Minutes from now to run"},
			"task_params":   map[string]string{"type": "string", "description": "Optional JSON object of parameters"},
		},
		"required": []string{"task_name"},
	})
	tool := mcp.NewToolWithRawSchema("schedule_task", "Schedule a named task to run at a specific time or after a delay", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		runAtStr := stringArg(args, "run_at")
		delayMin := intArg(args, "delay_minutes", 0)
		if runAtStr == "" && delayMin == 0 {
			return mcp.NewToolResultError("Provide either run_at or delay_minutes."), nil
		}

		var when time.Time
		if delayMin > 0 {
			when = time.Now().UTC().Add(time.Duration(delayMin) * time.Minute)
		} else {
			var err error
			when, err = parseRunAt(runAtStr)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid run_at %q: %v", runAtStr, err)), nil
			}
		}

		var params map[string]any
		if p := stringArg(args, "task_params"); p != "" {
			if err := json.Unmarshal([]byte(p), &params); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid task_params: %v", err)), nil
			}
		}

		task := &db.ScheduledTask{
			ID:         db.NewID(),
			TaskName:   stringArg(args, "task_name"),
			TaskParams: params,
			RunAt:      when,
			CreatedAt:  time.Now().UTC(),
			Status:     db.TaskPending,
		}
		if err := database.EnqueueTask(task); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule_task: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Scheduled %s → %s (id: %s)",
			task.TaskName, when.Format(time.RFC3339), db.ShortID(task.ID))), nil
	})
}

// --- list_scheduled ---

func registerListScheduled(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	})
	tool := mcp.NewToolWithRawSchema("list_scheduled", "View pending scheduled tasks", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := database.PendingTasks()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list_scheduled: %v", err)), nil
		}
		if len(tasks) == 0 {
			return mcp.NewToolResultText("No pending scheduled tasks."), nil
		}
		var b strings.Builder
		b.WriteString("## Scheduled Tasks\n\n")
		for _, t := range tasks {
			fmt.Fprintf(&b, "- `%s` **%s** at %s [%s]\n",
				db.ShortID(t.ID), t.TaskName, t.RunAt.Format(time.RFC3339), t.Status)
		}
		return mcp.NewToolResultText(b.String()), nil
	})
}

// --- cancel_scheduled ---

func registerCancelScheduled(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]string{"type": "string", "description": "Full or partial ID of the task"},
		},
		"required": []string{"task_id"},
	})
	tool := mcp.NewToolWithRawSchema("cancel_scheduled", "Cancel a pending scheduled task; tasks already running cannot be cancelled", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := stringArg(req.GetArguments(), "task_id")
		// Prefix match against the pending list, then a conditional cancel.
		// Between the match and the cancel the loop may claim the task; the
		// cancel then reports failure, which is the accepted outcome.
		tasks, err := database.PendingTasks()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cancel_scheduled: %v", err)), nil
		}
		var match *db.ScheduledTask
		for i := range tasks {
			if tasks[i].ID == taskID || strings.HasPrefix(tasks[i].ID, taskID) {
				match = &tasks[i]
				break
			}
		}
		if match == nil {
			return mcp.NewToolResultText(fmt.Sprintf("No pending task matching %q.", taskID)), nil
		}
		ok, err := database.CancelTask(match.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cancel_scheduled: %v", err)), nil
		}
		if !ok {
			return mcp.NewToolResultText("Failed to cancel."), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Cancelled task %s (%s)", db.ShortID(match.ID), match.TaskName)), nil
	})
}

// --- task_history ---

func registerTaskHistory(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]string{"type": "string", "description": "Task ID"},
		},
		"required": []string{"task_id"},
	})
	tool := mcp.NewToolWithRawSchema("task_history", "Audit trail of execution attempts for a scheduled task", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := stringArg(req.GetArguments(), "task_id")
		runs, err := database.TaskRuns(taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("task_history: %v", err)), nil
		}
		if len(runs) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No runs recorded for task %s.", taskID)), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "## Runs for %s\n\n", db.ShortID(taskID))
		for _, r := range runs {
			result := ""
			if r.Result != nil {
				result = " — " + firstLine(*r.Result)
			}
			fmt.Fprintf(&b, "- %s [%s]%s\n", r.StartedAt.Format(time.RFC3339), r.Status, result)
		}
		return mcp.NewToolResultText(b.String()), nil
	})
}

// --- helpers ---

// parseRunAt accepts RFC 3339 instants as well as zone-less local forms, which
// are normalized to UTC rather than rejected.
func parseRunAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime format")
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return def
	}
}

func stringSliceArg(args map[string]any, key string) []string {
	var out []string
	if items, ok := args[key].([]any); ok {
		for _, it := range items {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
