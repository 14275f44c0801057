package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"poiledger/internal/db"
	"poiledger/internal/domain"
	"poiledger/internal/migrate"
	"poiledger/internal/repo"
)

func setupLedger(t *testing.T, now time.Time) (*sql.DB, Ledger) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	ts := FormatTime(now)
	inTx(t, conn, func(tx *sql.Tx) error {
		return r.InsertPOI(context.Background(), tx, domain.POI{
			ID: "fs-1", Kind: domain.KindFuelStation, Status: domain.StatusUnknown,
			Position: domain.Position{Lat: -23.5, Lon: -46.6}, Version: 1,
			AuthorID: "ana", CreatedAt: ts, UpdatedAt: ts,
		})
	})
	return conn, Ledger{Dialect: db.SQLite, Now: func() time.Time { return now }}
}

func inTx(t *testing.T, conn *sql.DB, fn func(*sql.Tx) error) {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAppendOrdersByTimestampThenSeq(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	conn, l := setupLedger(t, now)
	ctx := context.Background()

	earlier := now.Add(-2 * time.Hour)
	inTx(t, conn, func(tx *sql.Tx) error {
		if _, err := l.Append(ctx, tx, "fs-1", domain.Update{AuthorID: "bob", ReportedStatus: domain.StatusAvailable}); err != nil {
			return err
		}
		if _, err := l.Append(ctx, tx, "fs-1", domain.Update{AuthorID: "carl", Timestamp: earlier, AvailableFuels: []string{"diesel"}}); err != nil {
			return err
		}
		_, err := l.Append(ctx, tx, "fs-1", domain.Update{AuthorID: "dora", Timestamp: now, Note: "same instant"})
		return err
	})

	asc, err := l.List(ctx, conn, "fs-1", Asc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(asc) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(asc))
	}
	if asc[0].AuthorID != "carl" || asc[0].Seq != 2 || !asc[0].Timestamp.Equal(earlier) {
		t.Fatalf("backdated report should sort first, got %+v", asc[0])
	}
	if asc[1].Seq != 1 || asc[2].Seq != 3 {
		t.Fatalf("equal timestamps should break on seq, got %d then %d", asc[1].Seq, asc[2].Seq)
	}
	if asc[0].RecordedAt.IsZero() || !asc[0].RecordedAt.Equal(now) {
		t.Fatalf("recorded_at should be the append time, got %v", asc[0].RecordedAt)
	}
	if asc[0].Type != domain.UpdateReport || len(asc[0].AvailableFuels) != 1 {
		t.Fatalf("payload not round-tripped: %+v", asc[0])
	}
	if asc[2].Note != "same instant" {
		t.Fatalf("note lost: %+v", asc[2])
	}

	desc, err := l.List(ctx, conn, "fs-1", Desc)
	if err != nil {
		t.Fatalf("list desc: %v", err)
	}
	if desc[0].ID != asc[2].ID || desc[2].ID != asc[0].ID {
		t.Fatalf("descending order is not the reverse of ascending")
	}
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	conn, l := setupLedger(t, now)
	ctx := context.Background()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	cases := map[string]domain.Update{
		"author_id":      {},
		"queue_time":     {AuthorID: "bob", QueueTime: "forever"},
		"parts_consumed": {AuthorID: "bob", PartsConsumed: []domain.PartUsage{{PartID: "filter", Quantity: -1}}},
	}
	for field, u := range cases {
		_, err := l.Append(ctx, tx, "fs-1", u)
		var verr domain.ValidationError
		if !errors.As(err, &verr) || verr.Field != field {
			t.Fatalf("expected validation error on %s, got %v", field, err)
		}
	}
	if _, err := l.Append(ctx, tx, "", domain.Update{AuthorID: "bob"}); err == nil {
		t.Fatalf("expected missing poi id to fail")
	}
}

func TestRestoreKeepsIdentity(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	conn, l := setupLedger(t, now)
	ctx := context.Background()

	original := domain.Update{
		ID: "u-7", POIID: "fs-1", Seq: 7, Type: domain.UpdateReport, AuthorID: "bob",
		Timestamp: now.Add(-time.Hour), RecordedAt: now.Add(-time.Minute), ReportedStatus: domain.StatusUnavailable,
	}
	inTx(t, conn, func(tx *sql.Tx) error { return l.Restore(ctx, tx, original) })

	got, err := l.List(ctx, conn, "fs-1", Asc)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "u-7" || got[0].Seq != 7 || !got[0].RecordedAt.Equal(original.RecordedAt) {
		t.Fatalf("restored entry changed: %+v", got)
	}

	inTx(t, conn, func(tx *sql.Tx) error {
		u, err := l.Append(ctx, tx, "fs-1", domain.Update{AuthorID: "carl"})
		if err != nil {
			return err
		}
		if u.Seq != 8 {
			t.Errorf("append after restore should continue at 8, got %d", u.Seq)
		}
		return nil
	})

	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := l.Restore(ctx, tx, domain.Update{ID: "u-8", POIID: "fs-1"}); err == nil {
		t.Fatalf("expected restore without seq to fail")
	}
}

func TestLatestParts(t *testing.T) {
	updates := []domain.Update{
		{Seq: 1, Type: domain.UpdateCreated, PartsConsumed: []domain.PartUsage{{PartID: "filter", Quantity: 1}}},
		{Seq: 2, Type: domain.UpdateReport, PartsConsumed: []domain.PartUsage{{PartID: "ignored", Quantity: 9}}},
		{Seq: 3, Type: domain.UpdatePartsSnapshot, PartsConsumed: []domain.PartUsage{{PartID: "filter", Quantity: 2}, {PartID: "belt", Quantity: 1}}},
		{Seq: 4, Type: domain.UpdateStatus},
	}
	parts, ok := LatestParts(updates)
	if !ok || len(parts) != 2 || parts[0].Quantity != 2 {
		t.Fatalf("unexpected latest parts %v %v", parts, ok)
	}
	if _, ok := LatestParts(updates[1:2]); ok {
		t.Fatalf("report entries are not snapshots")
	}
}

func TestParseOrderAndTime(t *testing.T) {
	if o, err := ParseOrder(""); err != nil || o != Asc {
		t.Fatalf("empty order should default to asc")
	}
	if _, err := ParseOrder("sideways"); err == nil {
		t.Fatalf("expected invalid order error")
	}
	ts := time.Date(2025, 1, 2, 3, 4, 5, 6, time.FixedZone("x", 3600))
	got, err := ParseTime(FormatTime(ts))
	if err != nil || !got.Equal(ts) {
		t.Fatalf("time round trip: %v %v", got, err)
	}
	if FormatTime(ts) >= FormatTime(ts.Add(time.Nanosecond*1000)) {
		t.Fatalf("formatted times must sort lexically")
	}
	if _, err := ParseTime("2025-01-02T03:04:05Z"); err != nil {
		t.Fatalf("rfc3339 fallback: %v", err)
	}
}
