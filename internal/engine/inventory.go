package engine

import (
	"context"
	"time"

	"poiledger/internal/domain"
	"poiledger/internal/events"
	"poiledger/internal/inventory"
)

func (e Engine) CreateItem(ctx context.Context, item domain.InventoryItem, actorID string) (domain.InventoryItem, error) {
	start := time.Now()
	out, evt, err := e.createItem(ctx, item, actorID)
	e.metrics().Observe(ctx, "create_item", err == nil, time.Since(start))
	if err != nil {
		return domain.InventoryItem{}, err
	}
	if out.Stock > 0 {
		e.metrics().Stock(inventory.ReasonInitial, out.Stock)
	}
	e.publish(ctx, []domain.Event{evt})
	return out, nil
}

func (e Engine) createItem(ctx context.Context, item domain.InventoryItem, actorID string) (domain.InventoryItem, domain.Event, error) {
	if actorID == "" {
		return item, domain.Event{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, domain.Event{}, err
	}
	defer tx.Rollback()
	item, err = e.inventory().CreateItemTx(ctx, tx, item, actorID)
	if err != nil {
		return item, domain.Event{}, err
	}
	evt, err := e.events().Append(ctx, tx, events.InventoryItemCreated, "inventory_item", item.ID, actorID, events.EventPayload{
		"name":      item.Name,
		"stock":     item.Stock,
		"unit_cost": item.UnitCost.String(),
	})
	if err != nil {
		return item, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return item, domain.Event{}, err
	}
	return item, evt, nil
}

func (e Engine) Restock(ctx context.Context, itemID string, quantity int64, actorID string) (domain.InventoryItem, error) {
	start := time.Now()
	out, evt, err := e.restock(ctx, itemID, quantity, actorID)
	e.metrics().Observe(ctx, "restock", err == nil, time.Since(start))
	if err != nil {
		return domain.InventoryItem{}, err
	}
	e.metrics().Stock(inventory.ReasonRestock, quantity)
	e.publish(ctx, []domain.Event{evt})
	return out, nil
}

func (e Engine) restock(ctx context.Context, itemID string, quantity int64, actorID string) (domain.InventoryItem, domain.Event, error) {
	if actorID == "" {
		return domain.InventoryItem{}, domain.Event{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InventoryItem{}, domain.Event{}, err
	}
	defer tx.Rollback()
	item, err := e.inventory().RestockTx(ctx, tx, itemID, quantity, actorID)
	if err != nil {
		return domain.InventoryItem{}, domain.Event{}, err
	}
	evt, err := e.events().Append(ctx, tx, events.InventoryRestocked, "inventory_item", item.ID, actorID, events.EventPayload{
		"quantity": quantity,
		"stock":    item.Stock,
	})
	if err != nil {
		return domain.InventoryItem{}, domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InventoryItem{}, domain.Event{}, err
	}
	return item, evt, nil
}

func (e Engine) GetItem(ctx context.Context, id string) (domain.InventoryItem, error) {
	return e.inventory().GetItem(ctx, id)
}

func (e Engine) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	return e.inventory().ListItems(ctx)
}

func (e Engine) Movements(ctx context.Context, f inventory.MovementFilters) ([]domain.StockMovement, error) {
	return e.inventory().Movements(ctx, f)
}
