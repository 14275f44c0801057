package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"poiledger/internal/config"
	"poiledger/internal/consensus"
	"poiledger/internal/db"
	"poiledger/internal/domain"
	"poiledger/internal/events"
	"poiledger/internal/inventory"
	"poiledger/internal/ledger"
	"poiledger/internal/lifecycle"
	"poiledger/internal/metrics"
	"poiledger/internal/repo"
	"poiledger/internal/workflow"
)

// Actor is the identity the caller vouches for.
type Actor = workflow.Actor

// Publisher receives events after their transaction commits.
type Publisher interface {
	Publish(ctx context.Context, events ...domain.Event)
}

type Engine struct {
	DB        *sql.DB
	Dialect   db.Dialect
	Repo      repo.Repo
	Ledger    ledger.Ledger
	Inventory inventory.Coordinator
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   metrics.Recorder
	Bus       Publisher
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	return Engine{
		DB:        conn,
		Dialect:   dialect,
		Repo:      repo.Repo{DB: conn, Dialect: dialect},
		Ledger:    ledger.Ledger{Dialect: dialect},
		Inventory: inventory.Coordinator{DB: conn, Dialect: dialect},
		Events:    events.Writer{DB: conn, Dialect: dialect},
		Config:    cfg,
		Now:       time.Now,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   metrics.Noop{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default("registry")
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e Engine) metrics() metrics.Recorder {
	if e.Metrics != nil {
		return e.Metrics
	}
	return metrics.Noop{}
}

// Components share the engine clock so tests can pin time in one place.
func (e Engine) ledger() ledger.Ledger {
	l := e.Ledger
	l.Now = e.now
	return l
}

func (e Engine) inventory() inventory.Coordinator {
	c := e.Inventory
	c.Now = e.now
	return c
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// ConsensusOptions are the resolver settings taken from the registry config.
func (e Engine) ConsensusOptions() consensus.Options {
	cfg := e.config()
	return consensus.Options{
		Window:          cfg.Consensus.Window,
		HighReporters:   cfg.Consensus.HighReporters,
		MediumReporters: cfg.Consensus.MediumReporters,
	}
}

func (e Engine) publish(ctx context.Context, evts []domain.Event) {
	if e.Bus == nil || len(evts) == 0 {
		return
	}
	e.Bus.Publish(ctx, evts...)
}

// CreateOptions are parameters for creating a POI.
type CreateOptions struct {
	ID       string
	Kind     domain.Kind
	Position domain.Position
	Polygon  []domain.Position
	Polyline []domain.Position
	// Status defaults to the kind's initial status.
	Status domain.Status
	// Priority, when set, is a manual override.
	Priority domain.Priority
	Details  domain.Details
	AuthorID string
	// Update carries the observation recorded with the creation entry.
	Update domain.Update
}

func (e Engine) CreatePOI(ctx context.Context, opts CreateOptions) (domain.POI, error) {
	start := time.Now()
	p, evts, err := e.createPOI(ctx, opts)
	e.metrics().Observe(ctx, "create_poi", err == nil, time.Since(start))
	if err != nil {
		return domain.POI{}, err
	}
	e.logger().Debug("poi created", "id", p.ID, "kind", p.Kind, "status", p.Status)
	e.publish(ctx, evts)
	return p, nil
}

func (e Engine) createPOI(ctx context.Context, opts CreateOptions) (domain.POI, []domain.Event, error) {
	if !opts.Kind.Valid() {
		return domain.POI{}, nil, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", opts.Kind)}
	}
	if opts.AuthorID == "" {
		return domain.POI{}, nil, domain.ValidationError{Field: "author_id", Reason: "required"}
	}
	if err := domain.ValidateGeometry(opts.Kind, opts.Position, opts.Polygon, opts.Polyline); err != nil {
		return domain.POI{}, nil, err
	}
	if opts.Priority != "" && !opts.Priority.Valid() {
		return domain.POI{}, nil, domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", opts.Priority)}
	}
	details := opts.Details
	if details == nil {
		empty, err := domain.EmptyDetails(opts.Kind)
		if err != nil {
			return domain.POI{}, nil, err
		}
		details = empty
	}
	if details.Kind() != opts.Kind {
		return domain.POI{}, nil, domain.ValidationError{Field: "details", Reason: fmt.Sprintf("%s details given for %s", details.Kind(), opts.Kind)}
	}
	if err := validateReport(opts.Kind, opts.Update); err != nil {
		return domain.POI{}, nil, err
	}
	if len(opts.Update.PartsConsumed) > 0 {
		return domain.POI{}, nil, domain.ValidationError{Field: "parts_consumed", Reason: "set parts through maintenance details"}
	}

	status, err := e.initialStatus(opts)
	if err != nil {
		return domain.POI{}, nil, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	ts := ledger.FormatTime(now)
	p := domain.POI{
		ID:             id,
		Kind:           opts.Kind,
		Position:       opts.Position,
		Polygon:        opts.Polygon,
		Polyline:       opts.Polyline,
		Status:         status,
		Priority:       opts.Priority,
		PriorityManual: opts.Priority != "",
		Version:        1,
		Details:        details,
		AuthorID:       opts.AuthorID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}

	var steps []domain.WorkflowStep
	if p.Kind == domain.KindLicensing {
		lt := p.Licensing().LicenseType
		def, ok := e.config().WorkflowFor(lt)
		if !ok {
			return domain.POI{}, nil, domain.ValidationError{Field: "license_type", Reason: fmt.Sprintf("no workflow defined for %q", lt)}
		}
		steps = workflow.Instantiate(p.ID, def, uuid.NewString)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.POI{}, nil, err
	}
	defer tx.Rollback()

	var parts []domain.PartUsage
	if p.Kind == domain.KindMaintenanceOrder {
		md := p.Maintenance()
		if md.LaborCost.IsNegative() {
			return domain.POI{}, nil, domain.ValidationError{Field: "labor_cost", Reason: "must not be negative"}
		}
		if md.PartsCost.IsNegative() {
			return domain.POI{}, nil, domain.ValidationError{Field: "parts_cost", Reason: "must not be negative"}
		}
		parts, err = inventory.Normalize(md.PartsConsumed)
		if err != nil {
			return domain.POI{}, nil, err
		}
		if md.PartsCost.IsZero() {
			md.PartsCost, err = e.inventory().PartsCost(ctx, tx, parts)
			if err != nil {
				return domain.POI{}, nil, err
			}
		}
		md.PartsConsumed = parts
		md.Cost = md.PartsCost.Add(md.LaborCost)
		p.Details = md
	}

	initial := opts.Update
	initial.Type = domain.UpdateCreated
	initial.AuthorID = opts.AuthorID
	initial.PartsConsumed = parts
	if p.Kind == domain.KindIncident && !p.PriorityManual {
		p.Priority = consensus.Resolve(p.Kind, []domain.Update{initial}, e.ConsensusOptions()).Priority
	}

	if err := e.Repo.InsertPOI(ctx, tx, p); err != nil {
		return domain.POI{}, nil, fmt.Errorf("insert poi: %w", err)
	}
	if err := e.Repo.InsertSteps(ctx, tx, steps); err != nil {
		return domain.POI{}, nil, err
	}
	// A new order reconciles from an empty parts list.
	deltas, err := e.inventory().ReconcileTx(ctx, tx, p.ID, opts.AuthorID, nil, parts)
	if err != nil {
		return domain.POI{}, nil, err
	}
	first, err := e.ledger().Append(ctx, tx, p.ID, initial)
	if err != nil {
		return domain.POI{}, nil, err
	}

	var evts []domain.Event
	evt, err := e.events().Append(ctx, tx, events.POICreated, "poi", p.ID, opts.AuthorID, events.EventPayload{
		"kind":   p.Kind,
		"status": p.Status,
	})
	if err != nil {
		return domain.POI{}, nil, err
	}
	evts = append(evts, evt)
	if len(deltas) > 0 {
		evt, err := e.events().Append(ctx, tx, events.InventoryReconciled, "poi", p.ID, opts.AuthorID, events.EventPayload{"deltas": deltas})
		if err != nil {
			return domain.POI{}, nil, err
		}
		evts = append(evts, evt)
	}
	if err := tx.Commit(); err != nil {
		return domain.POI{}, nil, err
	}
	e.recordStock(deltas)
	p.Updates = []domain.Update{first}
	p.WorkflowSteps = steps
	return p, evts, nil
}

func (e Engine) initialStatus(opts CreateOptions) (domain.Status, error) {
	initial := lifecycle.Initial(opts.Kind)
	status := opts.Status
	if opts.Kind.Observable() && opts.Update.ReportedStatus != "" {
		if status != "" && status != opts.Update.ReportedStatus {
			return "", domain.ValidationError{Field: "status", Reason: "conflicts with the reported status"}
		}
		status = opts.Update.ReportedStatus
	}
	if status == "" {
		return initial, nil
	}
	if !lifecycle.Known(opts.Kind, status) {
		return "", domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown %s status %q", opts.Kind, status)}
	}
	if opts.Kind == domain.KindLicensing && status != initial {
		return "", domain.InvalidTransitionError{Kind: opts.Kind, From: initial, To: status, Reason: "licensing starts at " + string(initial)}
	}
	if !lifecycle.Reachable(opts.Kind, initial, status) {
		return "", domain.InvalidTransitionError{Kind: opts.Kind, From: initial, To: status, Reason: "unreachable initial status"}
	}
	return status, nil
}

func validateReport(kind domain.Kind, u domain.Update) error {
	if u.ReportedStatus != "" && !lifecycle.Known(kind, u.ReportedStatus) {
		return domain.ValidationError{Field: "reported_status", Reason: fmt.Sprintf("unknown %s status %q", kind, u.ReportedStatus)}
	}
	if u.QueueTime != "" && !u.QueueTime.Valid() {
		return domain.ValidationError{Field: "queue_time", Reason: fmt.Sprintf("unknown bucket %q", u.QueueTime)}
	}
	if !kind.Observable() && (len(u.AvailableDenominations) > 0 || len(u.AvailableFuels) > 0 || u.QueueTime != "") {
		return domain.ValidationError{Field: "update", Reason: fmt.Sprintf("availability fields do not apply to %s", kind)}
	}
	if kind == domain.KindATM && len(u.AvailableFuels) > 0 {
		return domain.ValidationError{Field: "available_fuels", Reason: "not applicable to atm"}
	}
	if kind == domain.KindFuelStation && len(u.AvailableDenominations) > 0 {
		return domain.ValidationError{Field: "available_denominations", Reason: "not applicable to fuel_station"}
	}
	return nil
}

// Get returns a POI with its ledger in ascending order and its workflow steps.
func (e Engine) Get(ctx context.Context, id string) (domain.POI, error) {
	p, err := e.Repo.GetPOI(ctx, id)
	if err != nil {
		return domain.POI{}, err
	}
	if p.Updates, err = e.ledger().List(ctx, e.DB, id, ledger.Asc); err != nil {
		return domain.POI{}, err
	}
	if p.WorkflowSteps, err = e.Repo.ListSteps(ctx, id); err != nil {
		return domain.POI{}, err
	}
	return p, nil
}

func (e Engine) List(ctx context.Context, f repo.POIFilters) ([]domain.POI, error) {
	return e.Repo.ListPOIs(ctx, f)
}

// Updates returns the ledger of a POI in the requested order.
func (e Engine) Updates(ctx context.Context, id string, order ledger.Order) ([]domain.Update, error) {
	if _, err := e.Repo.CurrentVersion(ctx, e.DB, id); err != nil {
		return nil, err
	}
	return e.ledger().List(ctx, e.DB, id, order)
}

// DerivedState is the read-only view recomputed from the ledger.
type DerivedState struct {
	POIID           string             `json:"poi_id"`
	Kind            domain.Kind        `json:"kind"`
	Status          domain.Status      `json:"status"`
	Version         int64              `json:"version"`
	Consensus       consensus.Derived  `json:"consensus"`
	WorkflowOutcome domain.StepStatus  `json:"workflow_outcome,omitempty"`
	PartsConsumed   []domain.PartUsage `json:"parts_consumed,omitempty"`
}

func (e Engine) GetDerivedState(ctx context.Context, id string) (DerivedState, error) {
	p, err := e.Get(ctx, id)
	if err != nil {
		return DerivedState{}, err
	}
	return e.Derive(p), nil
}

// Derive computes the derived view of a fully loaded POI.
func (e Engine) Derive(p domain.POI) DerivedState {
	d := DerivedState{
		POIID:     p.ID,
		Kind:      p.Kind,
		Status:    p.Status,
		Version:   p.Version,
		Consensus: consensus.Resolve(p.Kind, p.Updates, e.ConsensusOptions()),
	}
	if p.Kind.Observable() && d.Consensus.Reported {
		d.Status = d.Consensus.Status
	}
	if p.Kind == domain.KindLicensing {
		d.WorkflowOutcome = workflow.Outcome(p.WorkflowSteps)
	}
	if p.Kind == domain.KindMaintenanceOrder {
		d.PartsConsumed, _ = ledger.LatestParts(p.Updates)
	}
	return d
}

// MutateOption tunes ApplyMutation.
type MutateOption func(*mutateOptions)

type mutateOptions struct {
	retries int
}

// WithRetry reloads the POI and reapplies the intent up to n times when the
// commit loses a version race.
func WithRetry(n int) MutateOption {
	return func(o *mutateOptions) {
		if n > 0 {
			o.retries = n
		}
	}
}

// ApplyMutation applies an intent to the POI at expectedVersion. A stale
// version yields domain.ConflictError unless retries were requested. An
// expectedVersion of 0 targets whatever version is current and retries races
// up to the configured attempt count.
func (e Engine) ApplyMutation(ctx context.Context, id string, expectedVersion int64, m Mutation, opts ...MutateOption) (domain.POI, error) {
	if m == nil {
		return domain.POI{}, domain.ValidationError{Field: "mutation", Reason: "required"}
	}
	if expectedVersion < 0 {
		return domain.POI{}, domain.ValidationError{Field: "expected_version", Reason: "must not be negative"}
	}
	var o mutateOptions
	for _, opt := range opts {
		opt(&o)
	}
	implicit := expectedVersion == 0
	if implicit && o.retries < e.config().Store.RetryAttempts {
		o.retries = e.config().Store.RetryAttempts
	}
	op := m.operation()
	start := time.Now()
	for attempt := 0; ; attempt++ {
		p, evts, err := e.applyOnce(ctx, id, expectedVersion, m)
		if err == nil {
			e.metrics().Observe(ctx, op, true, time.Since(start))
			e.logger().Debug("mutation committed", "op", op, "id", id, "version", p.Version, "attempt", attempt+1)
			e.publish(ctx, evts)
			return p, nil
		}
		var conflict domain.ConflictError
		if !errors.As(err, &conflict) {
			e.metrics().Observe(ctx, op, false, time.Since(start))
			return domain.POI{}, err
		}
		e.metrics().Conflict(op)
		if attempt >= o.retries {
			e.metrics().Observe(ctx, op, false, time.Since(start))
			e.logger().Info("version conflict", "op", op, "id", id, "expected", conflict.Expected, "current", conflict.Current)
			return domain.POI{}, err
		}
		e.metrics().Retry(op)
		e.logger().Debug("retrying after version conflict", "op", op, "id", id, "current", conflict.Current, "attempt", attempt+1)
		if !implicit {
			expectedVersion = conflict.Current
		}
	}
}

func (e Engine) applyOnce(ctx context.Context, id string, expected int64, m Mutation) (domain.POI, []domain.Event, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.POI{}, nil, err
	}
	defer tx.Rollback()

	if expected == 0 {
		if expected, err = e.Repo.CurrentVersion(ctx, tx, id); err != nil {
			return domain.POI{}, nil, err
		}
	}
	now := e.now()
	ts := ledger.FormatTime(now)
	if err := e.Repo.ClaimVersion(ctx, tx, id, expected, ts); err != nil {
		return domain.POI{}, nil, err
	}
	// The row is locked by the claim; reads below see committed state.
	p, err := e.Repo.GetPOITx(ctx, tx, id)
	if err != nil {
		return domain.POI{}, nil, err
	}
	if p.Updates, err = e.ledger().List(ctx, tx, id, ledger.Asc); err != nil {
		return domain.POI{}, nil, err
	}
	if p.WorkflowSteps, err = e.Repo.ListStepsTx(ctx, tx, id); err != nil {
		return domain.POI{}, nil, err
	}
	st := &mutationState{tx: tx, poi: p, now: now}
	if err := m.apply(ctx, e, st); err != nil {
		return domain.POI{}, nil, err
	}
	st.poi.UpdatedAt = ts
	if err := e.Repo.SavePOIState(ctx, tx, st.poi); err != nil {
		return domain.POI{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.POI{}, nil, err
	}
	e.recordStock(st.deltas)
	return st.poi, st.events, nil
}

func (e Engine) recordStock(deltas []inventory.StockDelta) {
	for _, d := range deltas {
		e.metrics().Stock(inventory.ReasonReconcile, d.Delta)
	}
}

// mutationState is the working copy of a POI inside one commit attempt.
type mutationState struct {
	tx     *sql.Tx
	poi    domain.POI
	now    time.Time
	events []domain.Event
	deltas []inventory.StockDelta
}

func (e Engine) appendUpdate(ctx context.Context, st *mutationState, u domain.Update) (domain.Update, error) {
	u, err := e.ledger().Append(ctx, st.tx, st.poi.ID, u)
	if err != nil {
		return u, err
	}
	st.poi.Updates = append(st.poi.Updates, u)
	return u, nil
}

func (e Engine) emit(ctx context.Context, st *mutationState, evtType, actorID string, payload events.EventPayload) error {
	evt, err := e.events().Append(ctx, st.tx, evtType, "poi", st.poi.ID, actorID, payload)
	if err != nil {
		return err
	}
	st.events = append(st.events, evt)
	return nil
}

// transition moves the POI to status to through the validator and discharges
// the obligations it returns. A status entry is appended to the ledger.
func (e Engine) transition(ctx context.Context, st *mutationState, to domain.Status, facts lifecycle.Facts, actorID, note string) error {
	p := &st.poi
	if p.Kind == domain.KindMaintenanceOrder {
		parts, _ := ledger.LatestParts(p.Updates)
		facts.PartsLines = len(parts)
	}
	decision, err := lifecycle.Validate(p.Kind, p.Status, to, facts)
	if err != nil {
		return err
	}
	if decision.Has(lifecycle.InventoryReconcile) {
		if err := e.reconcileSnapshot(ctx, st, actorID); err != nil {
			return err
		}
	}
	from := p.Status
	p.Status = to
	if _, err := e.appendUpdate(ctx, st, domain.Update{
		Type:           domain.UpdateStatus,
		AuthorID:       actorID,
		Timestamp:      st.now,
		Note:           note,
		ReportedStatus: to,
	}); err != nil {
		return err
	}
	return e.emit(ctx, st, events.StatusChanged, actorID, events.EventPayload{
		"kind": p.Kind,
		"from": from,
		"to":   to,
	})
}

// reconcileSnapshot brings the stock attributed to the order in line with its
// latest recorded parts snapshot.
func (e Engine) reconcileSnapshot(ctx context.Context, st *mutationState, actorID string) error {
	parts, _ := ledger.LatestParts(st.poi.Updates)
	return e.reconcile(ctx, st, actorID, parts)
}

func (e Engine) reconcile(ctx context.Context, st *mutationState, actorID string, next []domain.PartUsage) error {
	coord := e.inventory()
	previous, err := coord.NetConsumed(ctx, st.tx, st.poi.ID)
	if err != nil {
		return err
	}
	deltas, err := coord.ReconcileTx(ctx, st.tx, st.poi.ID, actorID, previous, next)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}
	st.deltas = append(st.deltas, deltas...)
	return e.emit(ctx, st, events.InventoryReconciled, actorID, events.EventPayload{"deltas": deltas})
}

func (e Engine) derivePriority(ctx context.Context, st *mutationState, actorID string) error {
	p := &st.poi
	if p.Kind != domain.KindIncident || p.PriorityManual {
		return nil
	}
	next := consensus.Resolve(p.Kind, p.Updates, e.ConsensusOptions()).Priority
	if next == p.Priority {
		return nil
	}
	from := p.Priority
	p.Priority = next
	return e.emit(ctx, st, events.PriorityChanged, actorID, events.EventPayload{
		"from":    from,
		"to":      next,
		"derived": true,
	})
}

func decimalOr(v *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if v == nil {
		return fallback
	}
	return *v
}
