package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of POI variants.
type Kind string

const (
	KindIncident         Kind = "incident"
	KindConstruction     Kind = "construction"
	KindLandPlot         Kind = "land_plot"
	KindATM              Kind = "atm"
	KindFuelStation      Kind = "fuel_station"
	KindMaintenanceOrder Kind = "maintenance_order"
	KindCroqui           Kind = "croqui"
	KindGreenArea        Kind = "green_area"
	KindBikeLane         Kind = "bike_lane"
	KindLicensing        Kind = "licensing"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{
	KindIncident, KindConstruction, KindLandPlot, KindATM, KindFuelStation,
	KindMaintenanceOrder, KindCroqui, KindGreenArea, KindBikeLane, KindLicensing,
}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

// Observable kinds derive their status from reports rather than explicit transitions.
func (k Kind) Observable() bool {
	return k == KindATM || k == KindFuelStation
}

// Area kinds may carry a polygon.
func (k Kind) Area() bool {
	return k == KindLandPlot || k == KindGreenArea || k == KindConstruction
}

// Linear kinds may carry a polyline.
func (k Kind) Linear() bool {
	return k == KindBikeLane
}

type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusInProgress Status = "in_progress"
	StatusCollected  Status = "collected"

	StatusPlanned   Status = "planned"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"

	StatusAvailable   Status = "available"
	StatusReserved    Status = "reserved"
	StatusInDispute   Status = "in_dispute"
	StatusProtected   Status = "protected"
	StatusOccupied    Status = "occupied"
	StatusUnavailable Status = "unavailable"

	StatusOpen Status = "open"

	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusValidated Status = "validated"
	StatusRejected  Status = "rejected"

	StatusProposed         Status = "proposed"
	StatusActive           Status = "active"
	StatusNeedsMaintenance Status = "needs_maintenance"
	StatusRetired          Status = "retired"

	StatusUnderReview             Status = "under_review"
	StatusApproved                Status = "approved"
	StatusBuilt                   Status = "built"
	StatusInsufficientInformation Status = "insufficient_information"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// QueueTime is a coarse waiting-time bucket reported for fuel stations and ATMs.
type QueueTime string

const (
	QueueNone   QueueTime = "none"
	QueueLT15   QueueTime = "lt_15"
	Queue15To30 QueueTime = "15_30"
	Queue30To60 QueueTime = "30_60"
	QueueGT60   QueueTime = "gt_60"
)

func (q QueueTime) Valid() bool {
	switch q {
	case QueueNone, QueueLT15, Queue15To30, Queue30To60, QueueGT60:
		return true
	}
	return false
}

type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type POI struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Position       Position       `json:"position"`
	Polygon        []Position     `json:"polygon,omitempty"`
	Polyline       []Position     `json:"polyline,omitempty"`
	Status         Status         `json:"status"`
	Priority       Priority       `json:"priority,omitempty"`
	PriorityManual bool           `json:"priority_manual,omitempty"`
	Version        int64          `json:"version"`
	Details        Details        `json:"details,omitempty"`
	Updates        []Update       `json:"updates,omitempty"`
	WorkflowSteps  []WorkflowStep `json:"workflow_steps,omitempty"`
	AuthorID       string         `json:"author_id"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// UpdateType tags the structured payload an Update carries.
type UpdateType string

const (
	UpdateCreated       UpdateType = "created"
	UpdateReport        UpdateType = "report"
	UpdateStatus        UpdateType = "status"
	UpdateWorkflow      UpdateType = "workflow"
	UpdatePartsSnapshot UpdateType = "parts_snapshot"
	UpdatePriority      UpdateType = "priority"
)

// Update is an immutable ledger entry.
type Update struct {
	ID                     string      `json:"id"`
	POIID                  string      `json:"poi_id"`
	Seq                    int64       `json:"seq"`
	Type                   UpdateType  `json:"type"`
	AuthorID               string      `json:"author_id"`
	Timestamp              time.Time   `json:"timestamp"`
	Note                   string      `json:"note,omitempty"`
	ReportedStatus         Status      `json:"reported_status,omitempty"`
	AvailableDenominations []string    `json:"available_denominations,omitempty"`
	AvailableFuels         []string    `json:"available_fuels,omitempty"`
	QueueTime              QueueTime   `json:"queue_time,omitempty"`
	PartsConsumed          []PartUsage `json:"parts_consumed,omitempty"`
	AttachmentRef          string      `json:"attachment_ref,omitempty"`
	RecordedAt             time.Time   `json:"recorded_at"`
}

// Before reports whether u sorts before o in ledger order.
func (u Update) Before(o Update) bool {
	if !u.Timestamp.Equal(o.Timestamp) {
		return u.Timestamp.Before(o.Timestamp)
	}
	return u.Seq < o.Seq
}

type PartUsage struct {
	PartID   string `json:"part_id"`
	Quantity int64  `json:"quantity"`
}

type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
)

type WorkflowStep struct {
	ID         string     `json:"id"`
	POIID      string     `json:"poi_id"`
	Position   int        `json:"position"`
	Department string     `json:"department"`
	Required   bool       `json:"required"`
	Status     StepStatus `json:"status" enum:"pending,approved,rejected"`
	Reason     string     `json:"reason,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt string     `json:"resolved_at,omitempty" format:"date-time"`
}

type InventoryItem struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Stock     int64           `json:"stock"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Version   int64           `json:"version"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// StockMovement is an append-only record of one stock change.
type StockMovement struct {
	ID      int64  `json:"id"`
	ItemID  string `json:"item_id"`
	OrderID string `json:"order_id,omitempty"`
	Delta   int64  `json:"delta"`
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
	TS      string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a server caller as ActorID. Only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TimeLayout is fixed width so lexical order equals chronological order.
// Every stored timestamp uses it.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
