package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueryRecord is one accepted query. Constraints are stored as the caller's
// JSON encoding.
type QueryRecord struct {
	ID          string
	UserID      string
	Text        string
	Constraints string
	CreatedAt   time.Time
}

// DecisionRecord is the audit row for one routing decision.
type DecisionRecord struct {
	ID            string
	QueryID       string
	SelectedModel string
	FallbackChain []string
	Confidence    float64
	Reasoning     string
	Phase         int
	CreatedAt     time.Time
}

// ResponseRecord is the audit row for one model response.
type ResponseRecord struct {
	ID        string
	QueryID   string
	Model     string
	Text      string
	CostUSD   float64
	Latency   time.Duration
	Tokens    int
	CreatedAt time.Time
}

// FeedbackRecord is user feedback on a response.
type FeedbackRecord struct {
	ID         string
	ResponseID string
	Quality    float64
	Comment    string
	CreatedAt  time.Time
}

// InsertQuery appends a query row. Single-row audit inserts auto-commit.
func (s *Store) InsertQuery(ctx context.Context, q QueryRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queries (id, user_id, text, constraints, created_at) VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.UserID, q.Text, q.Constraints, q.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

// GetQuery looks up a stored query by ID.
func (s *Store) GetQuery(ctx context.Context, id string) (QueryRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var q QueryRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, text, constraints, created_at FROM queries WHERE id = ?`,
		id).Scan(&q.ID, &q.UserID, &q.Text, &q.Constraints, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return QueryRecord{}, false, nil
	}
	if err != nil {
		return QueryRecord{}, false, fmt.Errorf("get query: %w", err)
	}
	return q, true, nil
}

// SaveInteraction writes the decision, response and optional feedback in a
// single transaction; a failure in any part rolls back all of them.
func (s *Store) SaveInteraction(ctx context.Context, d DecisionRecord, r ResponseRecord, fb *FeedbackRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin interaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO routing_decisions (id, query_id, selected_model, fallback_chain, confidence, reasoning, phase, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.QueryID, d.SelectedModel, strings.Join(d.FallbackChain, ","), d.Confidence, d.Reasoning, d.Phase, d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO responses (id, query_id, model, text, cost, latency_ms, tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.QueryID, r.Model, r.Text, r.CostUSD, r.Latency.Milliseconds(), r.Tokens, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}

	if fb != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO feedback (id, response_id, quality, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
			fb.ID, fb.ResponseID, fb.Quality, fb.Comment, fb.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit interaction: %w", err)
	}
	return nil
}

// InsertFeedback appends late-arriving feedback for a stored response.
func (s *Store) InsertFeedback(ctx context.Context, fb FeedbackRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, response_id, quality, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
		fb.ID, fb.ResponseID, fb.Quality, fb.Comment, fb.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// GetResponse looks up a stored response, for attributing late feedback to
// the arm that produced it.
func (s *Store) GetResponse(ctx context.Context, id string) (ResponseRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var r ResponseRecord
	var latencyMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query_id, model, text, cost, latency_ms, tokens, created_at FROM responses WHERE id = ?`,
		id).Scan(&r.ID, &r.QueryID, &r.Model, &r.Text, &r.CostUSD, &latencyMS, &r.Tokens, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ResponseRecord{}, false, nil
	}
	if err != nil {
		return ResponseRecord{}, false, fmt.Errorf("get response: %w", err)
	}
	r.Latency = time.Duration(latencyMS) * time.Millisecond
	return r, true, nil
}

// DecisionForQuery returns the routing decision recorded for a query.
func (s *Store) DecisionForQuery(ctx context.Context, queryID string) (DecisionRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var d DecisionRecord
	var chain string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query_id, selected_model, fallback_chain, confidence, reasoning, phase, created_at
		 FROM routing_decisions WHERE query_id = ?`,
		queryID).Scan(&d.ID, &d.QueryID, &d.SelectedModel, &chain, &d.Confidence, &d.Reasoning, &d.Phase, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DecisionRecord{}, false, nil
	}
	if err != nil {
		return DecisionRecord{}, false, fmt.Errorf("get decision: %w", err)
	}
	if chain != "" {
		d.FallbackChain = strings.Split(chain, ",")
	}
	return d, true, nil
}
