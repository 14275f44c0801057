package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"poiledger/internal/db"
	"poiledger/internal/domain"
)

const (
	POICreated           = "poi.created"
	UpdateAppended       = "update.appended"
	StatusChanged        = "status.changed"
	PriorityChanged      = "priority.changed"
	WorkflowStepResolved = "workflow.step_resolved"
	WorkflowStepReopened = "workflow.step_reopened"
	InventoryReconciled  = "inventory.reconciled"
	InventoryRestocked   = "inventory.restocked"
	InventoryItemCreated = "inventory.item_created"
)

// Writer appends outbox rows inside the caller's transaction.
type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an event in tx and returns it for post-commit publication.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event %s: %w", evtType, err)
	}
	return domain.Event{
		TS:         ts,
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
