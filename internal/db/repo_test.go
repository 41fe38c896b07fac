package db

import (
	"context"
	"testing"
	"time"

	"vizmon/internal/models"
)

func TestBudgetsRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	want := models.Budget{MaxHeapBytes: 64 << 20, MaxItems: 21000, MaxGPUBytes: 128 << 20}

	if err := repo.SaveBudget(ctx, models.Satellites, models.Budget{MaxItems: 1}); err != nil {
		t.Fatalf("save budget: %v", err)
	}
	if err := repo.SaveBudget(ctx, models.Satellites, want); err != nil {
		t.Fatalf("overwrite budget: %v", err)
	}
	got, err := repo.LoadBudgets(ctx)
	if err != nil {
		t.Fatalf("load budgets: %v", err)
	}
	if len(got) != 1 || got[models.Satellites] != want {
		t.Fatalf("budgets = %#v, want only %#v", got, want)
	}

	if err := repo.DeleteBudget(ctx, models.Satellites); err != nil {
		t.Fatalf("delete budget: %v", err)
	}
	got, _ = repo.LoadBudgets(ctx)
	if len(got) != 0 {
		t.Fatalf("budgets after delete = %#v", got)
	}
}

func TestViolationLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	id, err := repo.CreateViolation(ctx, models.BudgetEvent{ID: "ev-1", Kind: models.BudgetExceeded, Mode: models.Satellites, Dimension: models.DimItems, Value: 15000, Limit: 10000, TS: now})
	if err != nil {
		t.Fatalf("create violation: %v", err)
	}
	if n, _ := repo.OpenViolationCount(ctx); n != 1 {
		t.Fatalf("open count = %d, want 1", n)
	}

	closed, err := repo.CloseViolation(ctx, models.Satellites, models.DimItems, StatusRecovered, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("close violation: %v", err)
	}
	if closed != id {
		t.Fatalf("closed id = %d, want %d", closed, id)
	}
	if again, _ := repo.CloseViolation(ctx, models.Satellites, models.DimItems, StatusRecovered, now); again != 0 {
		t.Fatalf("second close returned %d, want 0", again)
	}

	list, err := repo.RecentViolations(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(list) != 1 || list[0].Status != StatusRecovered || list[0].EndedAt == nil {
		t.Fatalf("unexpected violations: %#v", list)
	}
	if list[0].Mode != models.Satellites || list[0].Value != 15000 || list[0].Limit != 10000 {
		t.Fatalf("unexpected violation fields: %#v", list[0])
	}
}

func TestClearModeClosesOnlyThatMode(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	for i, ev := range []models.BudgetEvent{
		{ID: "a", Mode: models.CyberAttacks, Dimension: models.DimItems, TS: now},
		{ID: "b", Mode: models.CyberAttacks, Dimension: models.DimGPU, TS: now},
		{ID: "c", Mode: models.IntelReports, Dimension: models.DimHeap, TS: now},
	} {
		if _, err := repo.CreateViolation(ctx, ev); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	n, err := repo.ClearMode(ctx, models.CyberAttacks, now)
	if err != nil {
		t.Fatalf("clear mode: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleared = %d, want 2", n)
	}
	if open, _ := repo.OpenViolationCount(ctx); open != 1 {
		t.Fatalf("open = %d, want 1", open)
	}
}

func TestDeleteOlderThanKeepsOpenViolations(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	closedID, _ := repo.CreateViolation(ctx, models.BudgetEvent{ID: "old-closed", Mode: models.Satellites, Dimension: models.DimItems, TS: old})
	if _, err := repo.CloseViolation(ctx, models.Satellites, models.DimItems, StatusRecovered, old.Add(time.Minute)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := repo.InsertNotificationEvent(ctx, closedID, "telegram", "sent", 1, "", &old); err != nil {
		t.Fatalf("insert notification: %v", err)
	}
	if _, err := repo.CreateViolation(ctx, models.BudgetEvent{ID: "old-open", Mode: models.IntelReports, Dimension: models.DimHeap, TS: old}); err != nil {
		t.Fatalf("create open: %v", err)
	}

	n, err := repo.DeleteOlderThan(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("delete older: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if open, _ := repo.OpenViolationCount(ctx); open != 1 {
		t.Fatalf("open = %d, want 1", open)
	}
	if sent, _ := repo.NotificationCount(ctx, "sent"); sent != 0 {
		t.Fatalf("orphan notifications = %d, want 0", sent)
	}
}

func TestTelegramSettings(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	if err := repo.SaveTelegramSettings(ctx, "tok", "42"); err != nil {
		t.Fatalf("save: %v", err)
	}
	token, chat, err := repo.LoadTelegramSettings(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if token != "tok" || chat != "42" {
		t.Fatalf("settings = %q %q", token, chat)
	}
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	sqldb, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return NewRepository(sqldb)
}
