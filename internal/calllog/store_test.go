package calllog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "toolcalls.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		{Timestamp: base, Server: "github", Tool: "create_issue", LocalName: "github__create_issue", Duration: 120 * time.Millisecond, Detail: "issue #42 created"},
		{Timestamp: base.Add(time.Minute), Server: "docs", Tool: "search", LocalName: "docs__search", Duration: 40 * time.Millisecond, IsError: true, Detail: "index unavailable"},
		{Timestamp: base.Add(2 * time.Minute), Server: "github", Tool: "get_pr", LocalName: "github__get_pr", Duration: 80 * time.Millisecond},
	}
	for _, rec := range records {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent returned %d records, want 3", len(got))
	}

	// Newest first.
	if got[0].Tool != "get_pr" || got[2].Tool != "create_issue" {
		t.Errorf("order = %s, %s, %s", got[0].Tool, got[1].Tool, got[2].Tool)
	}
	if got[0].ID == "" {
		t.Error("record has no generated ID")
	}
	if got[1].Server != "docs" || !got[1].IsError || got[1].Detail != "index unavailable" {
		t.Errorf("docs record = %+v", got[1])
	}
	if got[2].Duration != 120*time.Millisecond {
		t.Errorf("Duration = %v", got[2].Duration)
	}
	if !got[2].Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", got[2].Timestamp, base)
	}
}

func TestRecentLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		rec := Record{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Server:    "s",
			Tool:      "t",
			LocalName: "s__t",
		}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("Recent(5) returned %d records", len(got))
	}

	// Zero limit falls back to the default of 20.
	got, err = s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 20 {
		t.Errorf("Recent(0) returned %d records, want 20", len(got))
	}
}

func TestDetailTruncation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Record{
		Server:    "s",
		Tool:      "t",
		LocalName: "s__t",
		Detail:    strings.Repeat("x", maxDetailBytes*2),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got[0].Detail) != maxDetailBytes {
		t.Errorf("Detail length = %d, want %d", len(got[0].Detail), maxDetailBytes)
	}
}

func TestSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		rec := Record{Server: "github", Tool: "t", LocalName: "github__t", IsError: i == 0}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := s.Record(ctx, Record{Server: "docs", Tool: "t", LocalName: "docs__t", IsError: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	all, err := s.Summary(ctx, "")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if all.TotalCalls != 5 || all.TotalErrors != 2 {
		t.Errorf("all = %+v", all)
	}

	gh, err := s.Summary(ctx, "github")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if gh.TotalCalls != 4 || gh.TotalErrors != 1 {
		t.Errorf("github = %+v", gh)
	}

	empty, err := s.Summary(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if empty.TotalCalls != 0 || empty.TotalErrors != 0 {
		t.Errorf("nonexistent = %+v", empty)
	}
}
