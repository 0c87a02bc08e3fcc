package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/aide/internal/ledger"
	"github.com/kalambet/aide/internal/mood"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected both migrations applied, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_decisions_created", "idx_decisions_session", "idx_entities_kind_created", "idx_usage_events_session_created"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_usage_events.sql")
	if err != nil || v != 2 {
		t.Errorf("parseMigrationVersion = %d, %v; want 2, nil", v, err)
	}
	if _, err := parseMigrationVersion("usage.sql"); err == nil {
		t.Error("expected error for filename without version prefix")
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e := ledger.Entry{
		ID:                 "d-1",
		Timestamp:          ts,
		SessionID:          "s-1",
		TriggerInput:       "buy milk",
		TriggerType:        "text",
		InferredIntent:     "add_shopping_item: milk",
		ConfidenceScore:    0.6,
		SelectedAction:     "add_shopping_item",
		SelectionReasoning: "shopping cue",
		Alternatives:       []ledger.Alternative{{Action: "create_task", Confidence: 0.5}},
		RelatedEntityIDs:   []string{"sh-1"},
	}
	if err := s.SaveDecision(e); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	now := ts.Add(time.Minute)
	e.Executed = true
	e.ExecutedAt = &now
	e.ExecutionResult = &ledger.ExecutionResult{Success: true, Message: "added"}
	if err := s.UpdateDecision(e); err != nil {
		t.Fatalf("UpdateDecision: %v", err)
	}

	got, err := s.LoadDecisions(10)
	if err != nil {
		t.Fatalf("LoadDecisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadDecisions returned %d entries, want 1", len(got))
	}
	if !got[0].Executed || got[0].ExecutionResult == nil || got[0].ExecutionResult.Message != "added" {
		t.Errorf("execution fields not persisted: %+v", got[0])
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, ts)
	}
	if len(got[0].Alternatives) != 1 || got[0].RelatedEntityIDs[0] != "sh-1" {
		t.Errorf("nested fields lost: %+v", got[0])
	}
}

func TestUpdateDecision_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateDecision(ledger.Entry{ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateDecision missing = %v, want ErrNotFound", err)
	}
}

// TestLoadDecisions_NewestWindowOldestFirst checks that the limit keeps the
// newest entries while the result stays chronological, including sub-second
// timestamps that a trimmed layout would misorder.
func TestLoadDecisions_NewestWindowOldestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	offsets := []time.Duration{0, 500 * time.Millisecond, time.Second, 1500 * time.Millisecond}
	for i, off := range offsets {
		e := ledger.Entry{ID: fmt.Sprintf("d-%d", i), Timestamp: base.Add(off)}
		if err := s.SaveDecision(e); err != nil {
			t.Fatalf("SaveDecision: %v", err)
		}
	}

	got, err := s.LoadDecisions(3)
	if err != nil {
		t.Fatalf("LoadDecisions: %v", err)
	}
	want := []string{"d-1", "d-2", "d-3"}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("got[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestDeleteDecisions(t *testing.T) {
	s := openTestStore(t)
	ts := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveDecision(ledger.Entry{ID: id, Timestamp: ts}); err != nil {
			t.Fatalf("SaveDecision: %v", err)
		}
	}
	if err := s.DeleteDecisions([]string{"a", "c", "missing"}); err != nil {
		t.Fatalf("DeleteDecisions: %v", err)
	}
	if err := s.DeleteDecisions(nil); err != nil {
		t.Fatalf("DeleteDecisions(nil): %v", err)
	}
	got, _ := s.LoadDecisions(10)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("remaining = %+v, want only b", got)
	}
}

func TestEngagementRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetEngagement("s-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEngagement before save = %v, want ErrNotFound", err)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := mood.EngagementMetrics{TotalPromptsShown: 4, Dismissals: 3, ConsecutiveDismissals: 2, LastDismissalAt: &at}
	if err := s.SaveEngagement("s-1", m); err != nil {
		t.Fatalf("SaveEngagement: %v", err)
	}
	m.Acceptances = 1
	m.ConsecutiveDismissals = 0
	if err := s.SaveEngagement("s-1", m); err != nil {
		t.Fatalf("SaveEngagement (upsert): %v", err)
	}

	got, err := s.GetEngagement("s-1")
	if err != nil {
		t.Fatalf("GetEngagement: %v", err)
	}
	if got.Acceptances != 1 || got.ConsecutiveDismissals != 0 || got.Dismissals != 3 {
		t.Errorf("GetEngagement = %+v", got)
	}
	if got.LastDismissalAt == nil || !got.LastDismissalAt.Equal(at) {
		t.Errorf("LastDismissalAt = %v, want %v", got.LastDismissalAt, at)
	}
}

func TestUsageEvents(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	events := []UsageEvent{
		{SessionID: "s-1", Kind: "input", CreatedAt: base},
		{SessionID: "s-1", Kind: "created", EntityID: "t-1", CreatedAt: base.Add(time.Minute)},
		{SessionID: "s-2", Kind: "input", CreatedAt: base.Add(2 * time.Minute)},
		{SessionID: "s-1", Kind: "completed", EntityID: "t-1", CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, ev := range events {
		if err := s.RecordUsageEvent(ev); err != nil {
			t.Fatalf("RecordUsageEvent: %v", err)
		}
	}

	got, err := s.ListUsageEvents("s-1", base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("ListUsageEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Kind != "created" || got[1].Kind != "completed" {
		t.Errorf("events out of order: %+v", got)
	}
	if got[1].EntityID != "t-1" || !got[1].CreatedAt.Equal(base.Add(3*time.Minute)) {
		t.Errorf("event fields = %+v", got[1])
	}
}

func TestEntityLifecycle(t *testing.T) {
	s := openTestStore(t)

	e := Entity{ID: "t-1", Kind: "task", Title: "call mom"}
	if err := s.SaveEntity(e); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	got, err := s.GetEntity("t-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Status != "open" || got.PayloadJSON != "{}" || got.CreatedAt.IsZero() {
		t.Errorf("defaults not applied: %+v", got)
	}

	if err := s.SetEntityStatus("t-1", "done"); err != nil {
		t.Fatalf("SetEntityStatus: %v", err)
	}
	got, _ = s.GetEntity("t-1")
	if got.Status != "done" {
		t.Errorf("Status = %q, want done", got.Status)
	}

	if err := s.DeleteEntity("t-1"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if _, err := s.GetEntity("t-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntity after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteEntity("t-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteEntity = %v, want ErrNotFound", err)
	}
	if err := s.SetEntityStatus("t-1", "done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetEntityStatus missing = %v, want ErrNotFound", err)
	}
}

func TestListEntities(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	seed := []Entity{
		{ID: "t-1", Kind: "task", Title: "one", CreatedAt: base},
		{ID: "n-1", Kind: "note", Title: "two", CreatedAt: base.Add(time.Minute)},
		{ID: "t-2", Kind: "task", Title: "three", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range seed {
		if err := s.SaveEntity(e); err != nil {
			t.Fatalf("SaveEntity: %v", err)
		}
	}

	tasks, err := s.ListEntities("task", 10)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t-2" || tasks[1].ID != "t-1" {
		t.Errorf("tasks = %+v, want t-2 then t-1", tasks)
	}

	all, _ := s.ListEntities("", 2)
	if len(all) != 2 || all[0].ID != "t-2" {
		t.Errorf("all = %+v, want newest two", all)
	}
}
