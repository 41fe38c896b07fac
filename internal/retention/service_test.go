package retention

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"vizmon/internal/db"
	"vizmon/internal/models"
)

func TestRunPrunesOnlyOldClosedViolations(t *testing.T) {
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	repo := db.NewRepository(sqldb)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	for _, ev := range []models.BudgetEvent{
		{ID: "old", Mode: models.Satellites, Dimension: models.DimItems, TS: now.AddDate(0, 0, -30)},
		{ID: "new", Mode: models.IntelReports, Dimension: models.DimItems, TS: now.AddDate(0, 0, -1)},
	} {
		if _, err := repo.CreateViolation(ctx, ev); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := repo.CloseViolation(ctx, ev.Mode, ev.Dimension, db.StatusRecovered, ev.TS.Add(time.Minute)); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	svc := NewService(repo, 7, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return now }
	svc.Run(ctx)

	list, err := repo.RecentViolations(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(list) != 1 || list[0].EventID != "new" {
		t.Fatalf("remaining = %#v, want only the recent violation", list)
	}
}
