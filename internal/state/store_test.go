package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// noSleep replaces the backoff so conflict tests run instantly.
func noSleep(s *Store) *int {
	count := 0
	s.sleepFunc = func(ctx context.Context, d time.Duration) error {
		count++
		return nil
	}
	return &count
}

func TestSaveLoadPolicyRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SavePolicy(ctx, "r1", "policy", []byte("alpha"))
	if err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	if v != 1 {
		t.Fatalf("first save version %d, want 1", v)
	}

	payload, version, found, err := s.LoadPolicy(ctx, "r1", "policy")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if !found || string(payload) != "alpha" || version != 1 {
		t.Fatalf("load = %q v%d found=%v", payload, version, found)
	}

	v, err = s.SavePolicy(ctx, "r1", "policy", []byte("beta"))
	if err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	if v != 2 {
		t.Fatalf("second save version %d, want 2", v)
	}
	payload, version, _, _ = s.LoadPolicy(ctx, "r1", "policy")
	if string(payload) != "beta" || version != 2 {
		t.Fatalf("after update: %q v%d", payload, version)
	}
}

func TestLoadPolicyAbsent(t *testing.T) {
	s := newTestStore(t)
	_, _, found, err := s.LoadPolicy(context.Background(), "nobody", "nothing")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if found {
		t.Fatal("found an absent row")
	}
}

func TestSaveRouterRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SaveRouter(ctx, "r1", []byte("hybrid"))
	if err != nil {
		t.Fatalf("SaveRouter: %v", err)
	}
	if v != 1 {
		t.Fatalf("version %d, want 1", v)
	}
	payload, version, found, err := s.LoadRouter(ctx, "r1")
	if err != nil || !found {
		t.Fatalf("LoadRouter: %v found=%v", err, found)
	}
	if string(payload) != "hybrid" || version != 1 {
		t.Fatalf("load = %q v%d", payload, version)
	}
}

func TestVersionIncrementsByOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		v, err := s.SavePolicy(ctx, "r1", "k", []byte{byte(i)})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if v != int64(i) {
			t.Fatalf("save %d returned version %d", i, v)
		}
	}
}

func TestSaveRetriesAfterInterleavedWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	noSleep(s)

	if _, err := s.SavePolicy(ctx, "r1", "k", []byte("v1")); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	// A competing writer bumps the version between our read and write,
	// exactly once. The conditional update sees zero rows, re-reads and
	// succeeds on the second pass.
	raced := false
	s.onAfterRead = func() {
		if raced {
			return
		}
		raced = true
		if _, err := s.db.Exec(
			`UPDATE bandit_states SET version = version + 1 WHERE router_id = ? AND key = ?`,
			"r1", "k"); err != nil {
			t.Fatalf("competing write: %v", err)
		}
	}

	v, err := s.SavePolicy(ctx, "r1", "k", []byte("v3"))
	if err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	if v != 3 {
		t.Fatalf("final version %d, want 3", v)
	}
	if got := s.ConflictCount(); got != 1 {
		t.Fatalf("conflict count %d, want 1", got)
	}
	payload, version, _, _ := s.LoadPolicy(ctx, "r1", "k")
	if string(payload) != "v3" || version != 3 {
		t.Fatalf("stored %q v%d", payload, version)
	}
}

func TestSaveInsertRaceRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	noSleep(s)

	// Another writer inserts the row first; INSERT OR IGNORE writes zero
	// rows and the retry takes the update path.
	raced := false
	s.onAfterRead = func() {
		if raced {
			return
		}
		raced = true
		if _, err := s.db.Exec(
			`INSERT INTO bandit_states (router_id, key, version, payload) VALUES (?, ?, 1, ?)`,
			"r1", "k", []byte("theirs")); err != nil {
			t.Fatalf("competing insert: %v", err)
		}
	}

	v, err := s.SavePolicy(ctx, "r1", "k", []byte("ours"))
	if err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	if v != 2 {
		t.Fatalf("version %d, want 2", v)
	}
	if got := s.ConflictCount(); got != 1 {
		t.Fatalf("conflict count %d, want 1", got)
	}
}

func TestSaveExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sleeps := noSleep(s)

	if _, err := s.SavePolicy(ctx, "r1", "k", []byte("v1")); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	// Every pass loses the race.
	s.onAfterRead = func() {
		if _, err := s.db.Exec(
			`UPDATE bandit_states SET version = version + 1 WHERE router_id = ? AND key = ?`,
			"r1", "k"); err != nil {
			t.Fatalf("competing write: %v", err)
		}
	}

	_, err := s.SavePolicy(ctx, "r1", "k", []byte("never"))
	var vc *VersionConflictError
	if !errors.As(err, &vc) {
		t.Fatalf("err = %v, want VersionConflictError", err)
	}
	if vc.Attempts != maxRetries+1 {
		t.Errorf("attempts %d, want %d", vc.Attempts, maxRetries+1)
	}
	if vc.RouterID != "r1" || vc.Key != "k" {
		t.Errorf("error identifies %s/%s", vc.RouterID, vc.Key)
	}
	if got := s.ConflictCount(); got != int64(maxRetries+1) {
		t.Errorf("conflict count %d, want %d", got, maxRetries+1)
	}
	if *sleeps != maxRetries {
		t.Errorf("slept %d times, want %d", *sleeps, maxRetries)
	}
}

func TestSaveHonorsCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SavePolicy(ctx, "r1", "k", []byte("x"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffBounds(t *testing.T) {
	s := newTestStore(t)
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := s.backoff(attempt)
			base := baseDelay << uint(attempt)
			if base > maxDelay {
				base = maxDelay
			}
			lo := time.Duration(float64(base) * 0.5)
			hi := time.Duration(float64(base) * 1.5)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestInteractionRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.InsertQuery(ctx, QueryRecord{
		ID: "q1", UserID: "u1", Text: "summarize this", CreatedAt: now,
	}); err != nil {
		t.Fatalf("InsertQuery: %v", err)
	}

	d := DecisionRecord{
		ID: "d1", QueryID: "q1",
		SelectedModel: "openai:gpt-4o",
		FallbackChain: []string{"anthropic:claude-3-haiku", "google:gemini-1.5-flash"},
		Confidence:    0.82,
		Reasoning:     "selected openai:gpt-4o",
		Phase:         2,
		CreatedAt:     now,
	}
	r := ResponseRecord{
		ID: "resp1", QueryID: "q1", Model: "openai:gpt-4o",
		Text: "done", CostUSD: 0.012, Latency: 340 * time.Millisecond, Tokens: 90,
		CreatedAt: now,
	}
	if err := s.SaveInteraction(ctx, d, r, nil); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}

	got, found, err := s.DecisionForQuery(ctx, "q1")
	if err != nil || !found {
		t.Fatalf("DecisionForQuery: %v found=%v", err, found)
	}
	if got.SelectedModel != d.SelectedModel || got.Phase != 2 || got.Confidence != 0.82 {
		t.Errorf("decision = %+v", got)
	}
	if len(got.FallbackChain) != 2 || got.FallbackChain[0] != "anthropic:claude-3-haiku" {
		t.Errorf("fallback chain %v", got.FallbackChain)
	}

	resp, found, err := s.GetResponse(ctx, "resp1")
	if err != nil || !found {
		t.Fatalf("GetResponse: %v found=%v", err, found)
	}
	if resp.Model != "openai:gpt-4o" || resp.CostUSD != 0.012 || resp.Latency != 340*time.Millisecond {
		t.Errorf("response = %+v", resp)
	}
}

func TestSaveInteractionWithFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d := DecisionRecord{ID: "d1", QueryID: "q1", SelectedModel: "m", CreatedAt: now}
	r := ResponseRecord{ID: "resp1", QueryID: "q1", Model: "m", CreatedAt: now}
	fb := &FeedbackRecord{ID: "f1", ResponseID: "resp1", Quality: 0.9, Comment: "good", CreatedAt: now}
	if err := s.SaveInteraction(ctx, d, r, fb); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}

	var quality float64
	if err := s.db.QueryRow(`SELECT quality FROM feedback WHERE id = ?`, "f1").Scan(&quality); err != nil {
		t.Fatalf("feedback row: %v", err)
	}
	if quality != 0.9 {
		t.Errorf("quality %v, want 0.9", quality)
	}
}

func TestSaveInteractionRollsBackAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.InsertFeedback(ctx, FeedbackRecord{ID: "f1", ResponseID: "old", CreatedAt: now}); err != nil {
		t.Fatalf("seed feedback: %v", err)
	}

	// The duplicate feedback ID fails the last insert; the decision and
	// response written earlier in the transaction must roll back with it.
	d := DecisionRecord{ID: "d1", QueryID: "q1", SelectedModel: "m", CreatedAt: now}
	r := ResponseRecord{ID: "resp1", QueryID: "q1", Model: "m", CreatedAt: now}
	fb := &FeedbackRecord{ID: "f1", ResponseID: "resp1", CreatedAt: now}
	if err := s.SaveInteraction(ctx, d, r, fb); err == nil {
		t.Fatal("duplicate feedback ID should fail the transaction")
	}

	if _, found, _ := s.DecisionForQuery(ctx, "q1"); found {
		t.Error("decision survived a rolled-back transaction")
	}
	if _, found, _ := s.GetResponse(ctx, "resp1"); found {
		t.Error("response survived a rolled-back transaction")
	}
}

func TestGetResponseAbsent(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.GetResponse(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if found {
		t.Fatal("found a missing response")
	}
}
