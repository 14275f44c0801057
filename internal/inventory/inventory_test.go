package inventory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"poiledger/internal/db"
	"poiledger/internal/domain"
	"poiledger/internal/inventory"
	"poiledger/internal/migrate"
)

func newCoordinator(t *testing.T) (inventory.Coordinator, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := inventory.Coordinator{DB: conn, Dialect: db.SQLite, Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return c, context.Background()
}

func createItem(t *testing.T, c inventory.Coordinator, ctx context.Context, id string, stock int64, unit string) {
	t.Helper()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, err := c.CreateItemTx(ctx, tx, domain.InventoryItem{ID: id, Name: id, Stock: stock, UnitCost: decimal.RequireFromString(unit)}, "clerk"); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func stockOf(t *testing.T, c inventory.Coordinator, ctx context.Context, id string) int64 {
	t.Helper()
	item, err := c.GetItem(ctx, id)
	if err != nil {
		t.Fatalf("get item %s: %v", id, err)
	}
	return item.Stock
}

func parts(kv ...any) []domain.PartUsage {
	var out []domain.PartUsage
	for i := 0; i < len(kv); i += 2 {
		out = append(out, domain.PartUsage{PartID: kv[i].(string), Quantity: int64(kv[i+1].(int))})
	}
	return out
}

func TestDiffMergesAndSorts(t *testing.T) {
	deltas, err := inventory.Diff(parts("b", 2, "a", 1), parts("a", 1, "b", 1, "b", 3, "c", 2))
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(deltas) != 2 || deltas[0].PartID != "b" || deltas[0].Delta != 2 || deltas[1].PartID != "c" || deltas[1].Delta != 2 {
		t.Fatalf("unexpected deltas %+v", deltas)
	}
	if _, err := inventory.Diff(nil, parts("a", -1)); err == nil {
		t.Fatalf("expected negative quantity to be rejected")
	}
}

func TestReEditReturnsStock(t *testing.T) {
	c, ctx := newCoordinator(t)
	createItem(t, c, ctx, "filter-1", 5, "12.50")

	if _, err := c.Reconcile(ctx, "order-1", "agent", nil, parts("filter-1", 3)); err != nil {
		t.Fatalf("first edit: %v", err)
	}
	if got := stockOf(t, c, ctx, "filter-1"); got != 2 {
		t.Fatalf("stock after first edit = %d, want 2", got)
	}
	if _, err := c.Reconcile(ctx, "order-1", "agent", parts("filter-1", 3), parts("filter-1", 1)); err != nil {
		t.Fatalf("second edit: %v", err)
	}
	if got := stockOf(t, c, ctx, "filter-1"); got != 4 {
		t.Fatalf("stock after second edit = %d, want 4", got)
	}
	net, err := c.NetConsumed(ctx, c.DB, "order-1")
	if err != nil {
		t.Fatalf("net consumed: %v", err)
	}
	if len(net) != 1 || net[0].Quantity != 1 {
		t.Fatalf("net consumed = %+v, want filter-1 x1", net)
	}
}

func TestInsufficientStockAppliesNothing(t *testing.T) {
	c, ctx := newCoordinator(t)
	createItem(t, c, ctx, "a-part", 10, "1")
	createItem(t, c, ctx, "b-part", 1, "1")

	_, err := c.Reconcile(ctx, "order-1", "agent", nil, parts("a-part", 4, "b-part", 2))
	var ise domain.InsufficientStockError
	if !errors.As(err, &ise) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if ise.PartID != "b-part" || ise.Available != 1 {
		t.Fatalf("unexpected error detail %+v", ise)
	}
	if got := stockOf(t, c, ctx, "a-part"); got != 10 {
		t.Fatalf("a-part stock = %d, partial application leaked", got)
	}
	moves, err := c.Movements(ctx, inventory.MovementFilters{OrderID: "order-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(moves) != 0 {
		t.Fatalf("expected no movements, got %+v", moves)
	}
}

func TestReplayMatchesDirectReconcile(t *testing.T) {
	c, ctx := newCoordinator(t)
	createItem(t, c, ctx, "p1", 20, "2")
	createItem(t, c, ctx, "p2", 20, "3")
	history := [][]domain.PartUsage{nil, parts("p1", 3), parts("p1", 5, "p2", 2), parts("p2", 7), parts("p1", 1, "p2", 4)}
	for i := 1; i < len(history); i++ {
		if _, err := c.Reconcile(ctx, "replayed", "agent", history[i-1], history[i]); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if _, err := c.Reconcile(ctx, "direct", "agent", nil, history[len(history)-1]); err != nil {
		t.Fatalf("direct: %v", err)
	}
	replayed, _ := c.NetConsumed(ctx, c.DB, "replayed")
	direct, _ := c.NetConsumed(ctx, c.DB, "direct")
	if len(replayed) != len(direct) {
		t.Fatalf("replayed %+v vs direct %+v", replayed, direct)
	}
	for i := range replayed {
		if replayed[i] != direct[i] {
			t.Fatalf("replayed %+v vs direct %+v", replayed, direct)
		}
	}
	if got := stockOf(t, c, ctx, "p1"); got != 18 {
		t.Fatalf("p1 stock = %d, want 18", got)
	}
	if got := stockOf(t, c, ctx, "p2"); got != 12 {
		t.Fatalf("p2 stock = %d, want 12", got)
	}
}

func TestZeroingReturnsEverything(t *testing.T) {
	c, ctx := newCoordinator(t)
	createItem(t, c, ctx, "belt", 3, "9.99")
	if _, err := c.Reconcile(ctx, "o", "agent", nil, parts("belt", 3)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(ctx, "o", "agent", parts("belt", 3), parts("belt", 0)); err != nil {
		t.Fatal(err)
	}
	if got := stockOf(t, c, ctx, "belt"); got != 3 {
		t.Fatalf("stock = %d, want 3", got)
	}
}

func TestRestockAndPartsCost(t *testing.T) {
	c, ctx := newCoordinator(t)
	createItem(t, c, ctx, "pad", 0, "4.25")
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	item, err := c.RestockTx(ctx, tx, "pad", 6, "clerk")
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if item.Stock != 6 || item.Version != 2 {
		t.Fatalf("unexpected item %+v", item)
	}
	cost, err := c.PartsCost(ctx, tx, parts("pad", 4))
	if err != nil {
		t.Fatalf("parts cost: %v", err)
	}
	if !cost.Equal(decimal.RequireFromString("17")) {
		t.Fatalf("cost = %s, want 17", cost)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	moves, err := c.Movements(ctx, inventory.MovementFilters{ItemID: "pad"})
	if err != nil || len(moves) == 0 {
		t.Fatalf("restock movements: %+v %v", moves, err)
	}
	last := moves[len(moves)-1]
	if last.Reason != inventory.ReasonRestock || last.TS != "2025-01-01T00:00:00.000000000Z" || item.UpdatedAt != last.TS {
		t.Fatalf("movement %+v and item updated_at %q should share the fixed-width layout", last, item.UpdatedAt)
	}
	if _, err := c.Reconcile(ctx, "o", "agent", nil, parts("ghost", 1)); err == nil {
		t.Fatalf("expected unknown part to fail")
	}
}
