package server

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"poiledger/internal/domain"
)

// Request payloads

type PositionBody struct {
	Lat float64 `json:"lat" minimum:"-90" maximum:"90"`
	Lon float64 `json:"lon" minimum:"-180" maximum:"180"`
}

type PartUsageBody struct {
	PartID   string `json:"part_id"`
	Quantity int64  `json:"quantity" minimum:"1"`
}

// ReportBody is the observation carried by a ledger entry.
type ReportBody struct {
	Timestamp              *time.Time `json:"timestamp,omitempty"`
	Note                   string     `json:"note,omitempty"`
	ReportedStatus         string     `json:"reported_status,omitempty"`
	AvailableDenominations []string   `json:"available_denominations,omitempty"`
	AvailableFuels         []string   `json:"available_fuels,omitempty"`
	QueueTime              string     `json:"queue_time,omitempty" enum:"none,lt_15,15_30,30_60,gt_60"`
	AttachmentRef          string     `json:"attachment_ref,omitempty"`
}

type CreatePOIRequest struct {
	ID       string         `json:"id,omitempty"`
	Kind     string         `json:"kind"`
	Position PositionBody   `json:"position"`
	Polygon  []PositionBody `json:"polygon,omitempty"`
	Polyline []PositionBody `json:"polyline,omitempty"`
	Status   string         `json:"status,omitempty"`
	Priority string         `json:"priority,omitempty" enum:"low,medium,high"`
	Details  map[string]any `json:"details,omitempty"`
	Report   *ReportBody    `json:"report,omitempty"`
}

type AppendUpdateRequest struct {
	ExpectedVersion int64 `json:"expected_version,omitempty" minimum:"0"`
	Retry           int   `json:"retry,omitempty" minimum:"0" maximum:"10"`
	ReportBody
}

type ChangeStatusRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty" minimum:"0"`
	Retry           int    `json:"retry,omitempty" minimum:"0" maximum:"10"`
	To              string `json:"to"`
	Note            string `json:"note,omitempty"`
}

type SetPriorityRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty" minimum:"0"`
	Retry           int    `json:"retry,omitempty" minimum:"0" maximum:"10"`
	Priority        string `json:"priority,omitempty" enum:"low,medium,high"`
}

type ResolveStepRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty" minimum:"0"`
	Retry           int    `json:"retry,omitempty" minimum:"0" maximum:"10"`
	Outcome         string `json:"outcome" enum:"approved,rejected"`
	Reason          string `json:"reason,omitempty"`
}

type ReopenStepRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty" minimum:"0"`
	Retry           int    `json:"retry,omitempty" minimum:"0" maximum:"10"`
	Note            string `json:"note,omitempty"`
}

type EditMaintenanceRequest struct {
	ExpectedVersion int64           `json:"expected_version,omitempty" minimum:"0"`
	Retry           int             `json:"retry,omitempty" minimum:"0" maximum:"10"`
	Parts           []PartUsageBody `json:"parts"`
	LaborCost       *string         `json:"labor_cost,omitempty" example:"40.00"`
	PartsCost       *string         `json:"parts_cost,omitempty" example:"37.50"`
	Note            string          `json:"note,omitempty"`
}

type CreateItemRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Stock    int64  `json:"stock,omitempty" minimum:"0"`
	UnitCost string `json:"unit_cost,omitempty" example:"12.50"`
}

type RestockRequest struct {
	Quantity int64 `json:"quantity" minimum:"1"`
}

// Responses

type POIResponse struct {
	ID             string                `json:"id"`
	Kind           string                `json:"kind"`
	Position       PositionBody          `json:"position"`
	Polygon        []PositionBody        `json:"polygon,omitempty"`
	Polyline       []PositionBody        `json:"polyline,omitempty"`
	Status         string                `json:"status"`
	Priority       string                `json:"priority,omitempty"`
	PriorityManual bool                  `json:"priority_manual,omitempty"`
	Version        int64                 `json:"version"`
	Details        map[string]any        `json:"details"`
	Updates        []domain.Update       `json:"updates,omitempty"`
	WorkflowSteps  []domain.WorkflowStep `json:"workflow_steps,omitempty"`
	AuthorID       string                `json:"author_id"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
	UpdatedAt      string                `json:"updated_at" format:"date-time"`
}

type ItemResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Stock     int64  `json:"stock"`
	UnitCost  string `json:"unit_cost"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Departments []string `json:"departments"`
	Roles       []string `json:"roles"`
}

type paginatedPOIs struct {
	Items      []POIResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type updatesResponse struct {
	Items []domain.Update `json:"items"`
}

type itemsResponse struct {
	Items []ItemResponse `json:"items"`
}

type movementsResponse struct {
	Items []domain.StockMovement `json:"items"`
}

// Conversion helpers

func positionOf(b PositionBody) domain.Position {
	return domain.Position{Lat: b.Lat, Lon: b.Lon}
}

func positionsOf(in []PositionBody) []domain.Position {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Position, len(in))
	for i, b := range in {
		out[i] = positionOf(b)
	}
	return out
}

func positionBodies(in []domain.Position) []PositionBody {
	if len(in) == 0 {
		return nil
	}
	out := make([]PositionBody, len(in))
	for i, p := range in {
		out[i] = PositionBody(p)
	}
	return out
}

func partsOf(in []PartUsageBody) []domain.PartUsage {
	out := make([]domain.PartUsage, len(in))
	for i, p := range in {
		out[i] = domain.PartUsage(p)
	}
	return out
}

func (b ReportBody) update(authorID string) domain.Update {
	u := domain.Update{
		AuthorID:               authorID,
		Note:                   b.Note,
		ReportedStatus:         domain.Status(b.ReportedStatus),
		AvailableDenominations: b.AvailableDenominations,
		AvailableFuels:         b.AvailableFuels,
		QueueTime:              domain.QueueTime(b.QueueTime),
		AttachmentRef:          b.AttachmentRef,
	}
	if b.Timestamp != nil {
		u.Timestamp = b.Timestamp.UTC()
	}
	return u
}

// detailsOf decodes a free-form details object into the typed details of kind.
func detailsOf(kind domain.Kind, raw map[string]any) (domain.Details, error) {
	if len(raw) == 0 {
		return domain.EmptyDetails(kind)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, domain.ValidationError{Field: "details", Reason: err.Error()}
	}
	d, err := domain.DecodeDetails(kind, data)
	if err != nil {
		return nil, domain.ValidationError{Field: "details", Reason: err.Error()}
	}
	return d, nil
}

func parseMoney(field string, v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return nil, domain.ValidationError{Field: field, Reason: "not a decimal amount"}
	}
	return &d, nil
}

func poiResponse(p domain.POI) (POIResponse, error) {
	details := map[string]any{}
	if p.Details != nil {
		data, err := domain.EncodeDetails(p.Kind, p.Details)
		if err != nil {
			return POIResponse{}, err
		}
		if err := json.Unmarshal(data, &details); err != nil {
			return POIResponse{}, err
		}
	}
	return POIResponse{
		ID:             p.ID,
		Kind:           string(p.Kind),
		Position:       PositionBody(p.Position),
		Polygon:        positionBodies(p.Polygon),
		Polyline:       positionBodies(p.Polyline),
		Status:         string(p.Status),
		Priority:       string(p.Priority),
		PriorityManual: p.PriorityManual,
		Version:        p.Version,
		Details:        details,
		Updates:        p.Updates,
		WorkflowSteps:  p.WorkflowSteps,
		AuthorID:       p.AuthorID,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}, nil
}

func itemResponse(item domain.InventoryItem) ItemResponse {
	return ItemResponse{
		ID:        item.ID,
		Name:      item.Name,
		Stock:     item.Stock,
		UnitCost:  item.UnitCost.StringFixed(2),
		Version:   item.Version,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
