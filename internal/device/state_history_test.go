package device

import (
	"context"
	"testing"
	"time"
)

func TestRecordAndGetHistory(t *testing.T) {
	db := openTestDB(t)
	devices := NewSQLiteRepository(db)
	history := NewSQLiteStateHistoryRepository(db)
	ctx := context.Background()

	if err := devices.Create(ctx, testDevice("fan-office")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	states := []State{
		{"fan_active": true, "fan_speed": 20.0},
		{"fan_active": true, "fan_speed": 60.0},
	}
	for _, s := range states {
		if err := history.RecordStateChange(ctx, "fan-office", s, StateHistorySourceSession); err != nil {
			t.Fatalf("RecordStateChange() error = %v", err)
		}
	}

	entries, err := history.GetHistory(ctx, "fan-office", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GetHistory() returned %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" {
			t.Error("history entry should have a UUID")
		}
		if e.Source != StateHistorySourceSession {
			t.Errorf("Source = %q, want %q", e.Source, StateHistorySourceSession)
		}
	}
}

func TestRecordStateChangeRequiresDevice(t *testing.T) {
	history := NewSQLiteStateHistoryRepository(openTestDB(t))

	if err := history.RecordStateChange(context.Background(), "", State{}, ""); err == nil {
		t.Error("empty device id should be rejected")
	}
}

func TestRecordStateChangeDefaultsSource(t *testing.T) {
	db := openTestDB(t)
	devices := NewSQLiteRepository(db)
	history := NewSQLiteStateHistoryRepository(db)
	ctx := context.Background()

	if err := devices.Create(ctx, testDevice("fan-office")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := history.RecordStateChange(ctx, "fan-office", State{"fan_active": true}, ""); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}

	entries, err := history.GetHistory(ctx, "fan-office", 1)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if entries[0].Source != StateHistorySourceSession {
		t.Errorf("Source = %q, want default %q", entries[0].Source, StateHistorySourceSession)
	}
}

func TestGetHistoryClampsLimit(t *testing.T) {
	db := openTestDB(t)
	devices := NewSQLiteRepository(db)
	history := NewSQLiteStateHistoryRepository(db)
	ctx := context.Background()

	if err := devices.Create(ctx, testDevice("fan-office")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Limit above the maximum must not error, just clamp.
	if _, err := history.GetHistory(ctx, "fan-office", maxHistoryLimit+100); err != nil {
		t.Errorf("GetHistory() with oversized limit error = %v", err)
	}
	// Zero limit uses the default.
	if _, err := history.GetHistory(ctx, "fan-office", 0); err != nil {
		t.Errorf("GetHistory() with zero limit error = %v", err)
	}
}

func TestPruneHistory(t *testing.T) {
	db := openTestDB(t)
	devices := NewSQLiteRepository(db)
	history := NewSQLiteStateHistoryRepository(db)
	ctx := context.Background()

	if err := devices.Create(ctx, testDevice("fan-office")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := history.RecordStateChange(ctx, "fan-office", State{"fan_active": true}, ""); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}

	// Entries just written are newer than the cutoff, so nothing is deleted.
	deleted, err := history.PruneHistory(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("PruneHistory() deleted %d rows, want 0", deleted)
	}

	if _, err := history.PruneHistory(ctx, 0); err == nil {
		t.Error("non-positive retention should be rejected")
	}
}
