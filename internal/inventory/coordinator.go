package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"poiledger/internal/db"
	"poiledger/internal/domain"
	"poiledger/internal/repo"
)

const (
	ReasonReconcile = "reconcile"
	ReasonRestock   = "restock"
	ReasonInitial   = "initial"
)

// Coordinator is the only writer of inventory stock.
type Coordinator struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

func (c Coordinator) q(query string) string {
	return c.Dialect.Rebind(query)
}

func (c Coordinator) now() string {
	if c.Now != nil {
		return domain.FormatTime(c.Now())
	}
	return domain.FormatTime(time.Now())
}

// Reconcile applies previous -> next for an order in its own transaction.
func (c Coordinator) Reconcile(ctx context.Context, orderID, actorID string, previous, next []domain.PartUsage) ([]StockDelta, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	deltas, err := c.ReconcileTx(ctx, tx, orderID, actorID, previous, next)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return deltas, nil
}

// ReconcileTx applies every delta in part-id order inside tx. Any failure
// leaves the caller to roll back, so no delta is ever applied alone.
func (c Coordinator) ReconcileTx(ctx context.Context, tx *sql.Tx, orderID, actorID string, previous, next []domain.PartUsage) ([]StockDelta, error) {
	if orderID == "" {
		return nil, domain.ValidationError{Field: "order_id", Reason: "required"}
	}
	deltas, err := Diff(previous, next)
	if err != nil {
		return nil, err
	}
	now := c.now()
	for _, d := range deltas {
		if d.Delta > 0 {
			res, err := tx.ExecContext(ctx, c.q(`UPDATE inventory_items SET stock=stock-?, version=version+1, updated_at=? WHERE id=? AND stock>=?`), d.Delta, now, d.PartID, d.Delta)
			if err != nil {
				return nil, fmt.Errorf("draw %s: %w", d.PartID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, c.shortage(ctx, tx, d)
			}
		} else {
			res, err := tx.ExecContext(ctx, c.q(`UPDATE inventory_items SET stock=stock+?, version=version+1, updated_at=? WHERE id=?`), -d.Delta, now, d.PartID)
			if err != nil {
				return nil, fmt.Errorf("return %s: %w", d.PartID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, domain.ValidationError{Field: "parts_consumed", Reason: "unknown part " + d.PartID}
			}
		}
		if err := c.insertMovement(ctx, tx, d.PartID, orderID, -d.Delta, ReasonReconcile, actorID, now); err != nil {
			return nil, err
		}
	}
	return deltas, nil
}

func (c Coordinator) shortage(ctx context.Context, tx *sql.Tx, d StockDelta) error {
	var stock int64
	err := tx.QueryRowContext(ctx, c.q(`SELECT stock FROM inventory_items WHERE id=?`), d.PartID).Scan(&stock)
	if err == sql.ErrNoRows {
		return domain.ValidationError{Field: "parts_consumed", Reason: "unknown part " + d.PartID}
	}
	if err != nil {
		return err
	}
	return domain.InsufficientStockError{PartID: d.PartID, Requested: d.Delta, Available: stock}
}

func (c Coordinator) insertMovement(ctx context.Context, tx *sql.Tx, itemID, orderID string, delta int64, reason, actorID, ts string) error {
	var order any
	if orderID != "" {
		order = orderID
	}
	_, err := tx.ExecContext(ctx, c.q(`INSERT INTO inventory_movements(item_id,order_id,delta,reason,actor_id,ts) VALUES (?,?,?,?,?,?)`),
		itemID, order, delta, reason, actorID, ts)
	if err != nil {
		return fmt.Errorf("record movement for %s: %w", itemID, err)
	}
	return nil
}

// NetConsumed is the quantity per part actually deducted for an order.
func (c Coordinator) NetConsumed(ctx context.Context, q repo.Querier, orderID string) ([]domain.PartUsage, error) {
	rows, err := q.QueryContext(ctx, c.q(`SELECT item_id, CAST(SUM(delta) AS BIGINT) FROM inventory_movements WHERE order_id=? AND reason=? GROUP BY item_id ORDER BY item_id`), orderID, ReasonReconcile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PartUsage
	for rows.Next() {
		var id string
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		if sum != 0 {
			out = append(out, domain.PartUsage{PartID: id, Quantity: -sum})
		}
	}
	return out, rows.Err()
}

// PartsCost prices a parts list at current unit costs.
func (c Coordinator) PartsCost(ctx context.Context, q repo.Querier, parts []domain.PartUsage) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range parts {
		var raw string
		err := q.QueryRowContext(ctx, c.q(`SELECT unit_cost FROM inventory_items WHERE id=?`), p.PartID).Scan(&raw)
		if err == sql.ErrNoRows {
			return decimal.Zero, domain.ValidationError{Field: "parts_consumed", Reason: "unknown part " + p.PartID}
		}
		if err != nil {
			return decimal.Zero, err
		}
		unit, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("unit cost of %s: %w", p.PartID, err)
		}
		total = total.Add(unit.Mul(decimal.NewFromInt(p.Quantity)))
	}
	return total, nil
}

// CreateItemTx inserts an item and records its opening stock.
func (c Coordinator) CreateItemTx(ctx context.Context, tx *sql.Tx, item domain.InventoryItem, actorID string) (domain.InventoryItem, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return item, domain.ValidationError{Field: "name", Reason: "required"}
	}
	if item.Stock < 0 {
		return item, domain.ValidationError{Field: "stock", Reason: "must not be negative"}
	}
	if item.UnitCost.IsNegative() {
		return item, domain.ValidationError{Field: "unit_cost", Reason: "must not be negative"}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := c.now()
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	_, err := tx.ExecContext(ctx, c.q(`INSERT INTO inventory_items(id,name,stock,unit_cost,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`),
		item.ID, item.Name, item.Stock, item.UnitCost.String(), item.Version, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return item, fmt.Errorf("insert inventory item: %w", err)
	}
	if item.Stock > 0 {
		if err := c.insertMovement(ctx, tx, item.ID, "", item.Stock, ReasonInitial, actorID, now); err != nil {
			return item, err
		}
	}
	return item, nil
}

// RestockTx adds quantity to an item.
func (c Coordinator) RestockTx(ctx context.Context, tx *sql.Tx, itemID string, quantity int64, actorID string) (domain.InventoryItem, error) {
	if quantity <= 0 {
		return domain.InventoryItem{}, domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	now := c.now()
	res, err := tx.ExecContext(ctx, c.q(`UPDATE inventory_items SET stock=stock+?, version=version+1, updated_at=? WHERE id=?`), quantity, now, itemID)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.InventoryItem{}, repo.ErrNotFound
	}
	if err := c.insertMovement(ctx, tx, itemID, "", quantity, ReasonRestock, actorID, now); err != nil {
		return domain.InventoryItem{}, err
	}
	return c.getItem(ctx, tx, itemID)
}

func (c Coordinator) GetItem(ctx context.Context, id string) (domain.InventoryItem, error) {
	return c.getItem(ctx, c.DB, id)
}

func (c Coordinator) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.InventoryItem, error) {
	return c.getItem(ctx, tx, id)
}

func (c Coordinator) getItem(ctx context.Context, q repo.Querier, id string) (domain.InventoryItem, error) {
	row := q.QueryRowContext(ctx, c.q(`SELECT id,name,stock,unit_cost,version,created_at,updated_at FROM inventory_items WHERE id=?`), id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return item, repo.ErrNotFound
	}
	return item, err
}

func (c Coordinator) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT id,name,stock,unit_cost,version,created_at,updated_at FROM inventory_items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.InventoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type MovementFilters struct {
	ItemID  string
	OrderID string
	Limit   int
}

func (c Coordinator) Movements(ctx context.Context, f MovementFilters) ([]domain.StockMovement, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ItemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, f.ItemID)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	query := `SELECT id,item_id,order_id,delta,reason,actor_id,ts FROM inventory_movements WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := c.DB.QueryContext(ctx, c.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		var order sql.NullString
		if err := rows.Scan(&m.ID, &m.ItemID, &order, &m.Delta, &m.Reason, &m.ActorID, &m.TS); err != nil {
			return nil, err
		}
		m.OrderID = order.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanItem(row interface{ Scan(...any) error }) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	var unit string
	if err := row.Scan(&item.ID, &item.Name, &item.Stock, &unit, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return item, err
	}
	cost, err := decimal.NewFromString(unit)
	if err != nil {
		return item, fmt.Errorf("unit cost of %s: %w", item.ID, err)
	}
	item.UnitCost = cost
	return item, nil
}
