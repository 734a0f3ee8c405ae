package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// timeFormat is lexicographically ordered, so ORDER BY on the stored text
// matches chronological order. All stored instants are UTC.
const timeFormat = "2006-01-02 15:04:05.000000"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// UpsertChunk stores a chunk keyed by (project, node_id, field). A later write
// for the same triple replaces the prior chunk wholesale, new id included.
func (db *DB) UpsertChunk(c *Chunk) error {
	p := c.Provenance
	if p.Sources == nil {
		p.Sources = []string{}
	}
	sources, err := json.Marshal(p.Sources)
	if err != nil {
		return fmt.Errorf("encoding sources: %w", err)
	}
	var verifiedAt *string
	if p.VerifiedAt != nil {
		s := fmtTime(*p.VerifiedAt)
		verifiedAt = &s
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO chunks
			(id, project, node_id, node_type, field, content,
			 produced_by, produced_at, task_type, sources,
			 verified_by, verified_at, confidence, review_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Project, c.NodeID, c.NodeType, c.Field, c.Content,
		p.ProducedBy, fmtTime(p.ProducedAt), p.TaskType, string(sources),
		p.VerifiedBy, verifiedAt, string(p.Confidence), c.ReviewNotes)
	if err != nil {
		return fmt.Errorf("upserting chunk: %w", err)
	}
	return nil
}

// GetChunk returns the chunk with the given id, or nil if absent.
func (db *DB) GetChunk(id string) (*Chunk, error) {
	rows, err := db.Query(chunkColumns+` FROM chunks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return &chunks[0], nil
}

// ReviewQueueFilter narrows the review queue. Zero values mean "no filter";
// with no explicit Confidence the queue is restricted to seed and watered,
// since sprouted chunks are done and rejected ones are dead.
type ReviewQueueFilter struct {
	Project    string
	NodeType   string
	Confidence string
	Limit      int
}

// ReviewQueue lists chunks awaiting review, oldest production first.
func (db *DB) ReviewQueue(f ReviewQueueFilter) ([]Chunk, error) {
	clauses := []string{}
	var args []any
	if f.Project != "" {
		clauses = append(clauses, "project = ?")
		args = append(args, f.Project)
	}
	if f.NodeType != "" {
		clauses = append(clauses, "node_type = ?")
		args = append(args, f.NodeType)
	}
	if f.Confidence != "" {
		clauses = append(clauses, "confidence = ?")
		args = append(args, f.Confidence)
	} else {
		clauses = append(clauses, "confidence IN ('seed', 'watered')")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := chunkColumns + ` FROM chunks WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY produced_at LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying review queue: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// MarkReviewed records a review verdict on a chunk. This is the only mutation
// path for confidence after creation: the target must be one of watered,
// sprouted or rejected (seed is reserved for the producing path), and the
// verifier identity and timestamp are always set together. Returns the updated
// chunk, or nil if no chunk has that id.
func (db *DB) MarkReviewed(chunkID, verifiedBy string, newConfidence Confidence, reviewNotes *string) (*Chunk, error) {
	if !ReviewTargets[newConfidence] {
		return nil, fmt.Errorf("invalid confidence %q: must be one of watered, sprouted, rejected", newConfidence)
	}

	res, err := db.Exec(`
		UPDATE chunks SET verified_by = ?, verified_at = ?, confidence = ?, review_notes = ?
		WHERE id = ?`,
		verifiedBy, fmtTime(time.Now()), string(newConfidence), reviewNotes, chunkID)
	if err != nil {
		return nil, fmt.Errorf("marking reviewed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return db.GetChunk(chunkID)
}

// ModelTokens aggregates estimated token output for one model.
type ModelTokens struct {
	TotalTokens int64 `json:"total_tokens"`
	Chunks      int   `json:"count"`
}

// Stats is the administrative dashboard view over the ledger.
type Stats struct {
	Total        int                    `json:"total"`
	ByConfidence map[string]int         `json:"by_confidence"`
	ByProject    map[string]int         `json:"by_project"`
	ByType       map[string]int         `json:"by_type"`
	TokenUsage   map[string]ModelTokens `json:"token_usage"`
}

// ChunkStats returns counts grouped by confidence, project and task type,
// plus per-model token totals. Full-table scans throughout; this is an
// administrative view, not a hot path.
func (db *DB) ChunkStats(project string) (*Stats, error) {
	stats := &Stats{
		ByConfidence: map[string]int{},
		ByProject:    map[string]int{},
		ByType:       map[string]int{},
		TokenUsage:   map[string]ModelTokens{},
	}

	where := ""
	var args []any
	if project != "" {
		where = " WHERE project = ?"
		args = append(args, project)
	}

	for _, g := range []struct {
		column string
		into   map[string]int
	}{
		{"confidence", stats.ByConfidence},
		{"project", stats.ByProject},
		{"task_type", stats.ByType},
	} {
		rows, err := db.Query(`SELECT `+g.column+`, COUNT(*) FROM chunks`+where+` GROUP BY `+g.column, args...)
		if err != nil {
			return nil, fmt.Errorf("grouping by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, err
			}
			g.into[key] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	for _, n := range stats.ByConfidence {
		stats.Total += n
	}

	// Token totals are reconstructed from chunk content rather than kept as a
	// separate table; the estimate is stable for a given content string.
	rows, err := db.Query(`SELECT produced_by, content FROM chunks`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning token usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model, content string
		if err := rows.Scan(&model, &content); err != nil {
			return nil, err
		}
		mt := stats.TokenUsage[model]
		mt.TotalTokens += EstimateTokens(content)
		mt.Chunks++
		stats.TokenUsage[model] = mt
	}
	return stats, rows.Err()
}

// EstimateTokens estimates output tokens for a content string at ~1.3 tokens
// per word.
func EstimateTokens(content string) int64 {
	words := len(strings.Fields(content))
	return int64(math.Round(float64(words) * 1.3))
}

// ExportChunks returns chunks at or above minConfidence on the
// seed < watered < sprouted ordering, in the fixed interchange shape.
// Rejected chunks are outside the ordering and never exported. An unknown
// minConfidence falls back to watered.
func (db *DB) ExportChunks(project, minConfidence string) ([]ExportedChunk, error) {
	minRank, ok := Confidence(minConfidence).Rank()
	if !ok {
		minRank = 1
	}
	var allowed []string
	for _, c := range []Confidence{ConfidenceSeed, ConfidenceWatered, ConfidenceSprouted} {
		if rank, _ := c.Rank(); rank >= minRank {
			allowed = append(allowed, "'"+string(c)+"'")
		}
	}

	clauses := []string{"confidence IN (" + strings.Join(allowed, ",") + ")"}
	var args []any
	if project != "" {
		clauses = append(clauses, "project = ?")
		args = append(args, project)
	}

	rows, err := db.Query(chunkColumns+` FROM chunks WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("querying export: %w", err)
	}
	defer rows.Close()
	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}

	out := make([]ExportedChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Provenance.Sources == nil {
			// sources is a list in the interchange contract, never null
			c.Provenance.Sources = []string{}
		}
		out = append(out, ExportedChunk{
			NodeID:     c.NodeID,
			NodeType:   c.NodeType,
			Field:      c.Field,
			Content:    c.Content,
			Confidence: string(c.Provenance.Confidence),
			ProducedBy: c.Provenance.ProducedBy,
			Sources:    c.Provenance.Sources,
			VerifiedBy: c.Provenance.VerifiedBy,
		})
	}
	return out, nil
}

// ModelCost is the derived spend estimate for one model.
type ModelCost struct {
	TotalTokens     int64   `json:"total_tokens"`
	PricePerMillion float64 `json:"price_per_million"`
	CostUSD         float64 `json:"cost_usd"`
}

// CostReport joins per-model token totals against a price-per-million lookup.
// Models the lookup does not know price at zero. Nothing is persisted; the
// report is recomputed from the ledger every time.
func (db *DB) CostReport(project string, priceFor func(model string) float64) (map[string]ModelCost, float64, error) {
	stats, err := db.ChunkStats(project)
	if err != nil {
		return nil, 0, err
	}
	report := make(map[string]ModelCost, len(stats.TokenUsage))
	var total float64
	for model, mt := range stats.TokenUsage {
		price := priceFor(model)
		cost := float64(mt.TotalTokens) / 1e6 * price
		report[model] = ModelCost{
			TotalTokens:     mt.TotalTokens,
			PricePerMillion: price,
			CostUSD:         cost,
		}
		total += cost
	}
	return report, total, nil
}

// RecordRetry appends a failed attempt for a chunk and returns the new total
// retry count. The count is always recomputed from the log, never cached; any
// cap on retries is the caller's policy.
func (db *DB) RecordRetry(chunkID, errorMessage string) (int, error) {
	_, err := db.Exec(`INSERT INTO retries (chunk_id, error_message, created_at) VALUES (?, ?, ?)`,
		chunkID, errorMessage, fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("recording retry: %w", err)
	}
	return db.RetryCount(chunkID)
}

// RetryCount returns how many retries have been recorded for a chunk.
func (db *DB) RetryCount(chunkID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM retries WHERE chunk_id = ?`, chunkID).Scan(&n)
	return n, err
}

const chunkColumns = `SELECT id, project, node_id, node_type, field, content,
	produced_by, produced_at, task_type, sources,
	verified_by, verified_at, confidence, review_notes`

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var producedAt string
		var sources, verifiedBy, verifiedAt, reviewNotes sql.NullString
		var confidence string
		if err := rows.Scan(&c.ID, &c.Project, &c.NodeID, &c.NodeType, &c.Field, &c.Content,
			&c.Provenance.ProducedBy, &producedAt, &c.Provenance.TaskType, &sources,
			&verifiedBy, &verifiedAt, &confidence, &reviewNotes); err != nil {
			return nil, err
		}
		c.Provenance.ProducedAt = parseTime(producedAt)
		c.Provenance.Confidence = Confidence(confidence)
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &c.Provenance.Sources); err != nil {
				return nil, fmt.Errorf("decoding sources for %s: %w", c.ID, err)
			}
		}
		if verifiedBy.Valid {
			c.Provenance.VerifiedBy = &verifiedBy.String
		}
		if verifiedAt.Valid {
			t := parseTime(verifiedAt.String)
			c.Provenance.VerifiedAt = &t
		}
		if reviewNotes.Valid {
			c.ReviewNotes = &reviewNotes.String
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
