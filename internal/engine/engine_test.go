package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"poiledger/internal/config"
	"poiledger/internal/db"
	"poiledger/internal/domain"
	"poiledger/internal/engine"
	"poiledger/internal/events"
	"poiledger/internal/inventory"
	"poiledger/internal/lifecycle"
	"poiledger/internal/migrate"
	"poiledger/internal/notify"
	"poiledger/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, db.SQLite, config.Default("city"))
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, opts engine.CreateOptions) domain.POI {
	t.Helper()
	if opts.AuthorID == "" {
		opts.AuthorID = "citizen-1"
	}
	p, err := env.Engine.CreatePOI(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create %s: %v", opts.Kind, err)
	}
	return p
}

func (env testEnv) item(t *testing.T, id string, stock int64, unit string) {
	t.Helper()
	_, err := env.Engine.CreateItem(env.Ctx, domain.InventoryItem{ID: id, Name: id, Stock: stock, UnitCost: decimal.RequireFromString(unit)}, "clerk")
	if err != nil {
		t.Fatalf("create item %s: %v", id, err)
	}
}

func (env testEnv) stock(t *testing.T, id string) int64 {
	t.Helper()
	item, err := env.Engine.GetItem(env.Ctx, id)
	if err != nil {
		t.Fatalf("get item %s: %v", id, err)
	}
	return item.Stock
}

func TestCreatePOIDefaults(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{
		Kind:     domain.KindIncident,
		Position: domain.Position{Lat: -23.55, Lon: -46.63},
		Details:  domain.IncidentDetails{Category: "pothole"},
		Update:   domain.Update{Note: "deep hole"},
	})
	if p.Status != domain.StatusUnknown || p.Version != 1 || p.Priority != domain.PriorityLow {
		t.Fatalf("unexpected new incident %+v", p)
	}
	got, err := env.Engine.Get(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Updates) != 1 || got.Updates[0].Type != domain.UpdateCreated || got.Updates[0].Note != "deep hole" {
		t.Fatalf("expected creation entry, got %+v", got.Updates)
	}
	if d, ok := got.Details.(domain.IncidentDetails); !ok || d.Category != "pothole" {
		t.Fatalf("details not round-tripped: %#v", got.Details)
	}

	_, err = env.Engine.CreatePOI(env.Ctx, engine.CreateOptions{
		Kind:     domain.KindIncident,
		AuthorID: "x",
		Polygon:  []domain.Position{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 2}, {Lat: 2, Lon: 2}},
	})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for polygon on incident, got %v", err)
	}
}

func TestChangeStatusFollowsGraphAndVersion(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{Kind: domain.KindConstruction, Details: domain.ConstructionDetails{Contractor: "ACME"}})

	p, err := env.Engine.ChangeStatus(env.Ctx, p.ID, 1, domain.StatusInProgress, "agent", "")
	if err != nil || p.Status != domain.StatusInProgress || p.Version != 2 {
		t.Fatalf("to in_progress: %+v %v", p, err)
	}
	_, err = env.Engine.ChangeStatus(env.Ctx, p.ID, 2, domain.StatusPlanned, "agent", "")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = env.Engine.ChangeStatus(env.Ctx, p.ID, 1, domain.StatusSuspended, "agent", "")
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Current != 2 {
		t.Fatalf("expected conflict at version 2, got %v", err)
	}
	got, err := env.Engine.Get(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Status != domain.StatusInProgress {
		t.Fatalf("failed mutations must not commit: %+v", got)
	}
}

func TestFuelStationConsensusByRecency(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{Kind: domain.KindFuelStation, Details: domain.FuelStationDetails{Brand: "Shell"}})
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(30 * time.Minute)

	// B's later observation arrives first.
	if _, err := env.Engine.AppendUpdate(env.Ctx, p.ID, domain.Update{AuthorID: "B", Timestamp: t2, ReportedStatus: domain.StatusUnavailable}); err != nil {
		t.Fatalf("report B: %v", err)
	}
	got, err := env.Engine.AppendUpdate(env.Ctx, p.ID, domain.Update{AuthorID: "A", Timestamp: t1, ReportedStatus: domain.StatusAvailable, AvailableFuels: []string{"gasoline"}})
	if err != nil {
		t.Fatalf("report A: %v", err)
	}
	if got.Status != domain.StatusUnavailable {
		t.Fatalf("older report must not win, status %s", got.Status)
	}
	derived, err := env.Engine.GetDerivedState(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if derived.Status != domain.StatusUnavailable || len(derived.Consensus.AvailableFuels) != 0 || derived.Consensus.ReportCount != 2 {
		t.Fatalf("unexpected derived state %+v", derived)
	}

	got, err = env.Engine.AppendUpdate(env.Ctx, p.ID, domain.Update{AuthorID: "C", Timestamp: t2.Add(time.Minute), ReportedStatus: domain.StatusAvailable, AvailableFuels: []string{"diesel"}, QueueTime: domain.QueueLT15})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusAvailable {
		t.Fatalf("newest report should win, status %s", got.Status)
	}
	derived, _ = env.Engine.GetDerivedState(env.Ctx, p.ID)
	if len(derived.Consensus.AvailableFuels) != 1 || derived.Consensus.AvailableFuels[0] != "diesel" || derived.Consensus.QueueTime != domain.QueueLT15 {
		t.Fatalf("fuels before the unavailable report must be dropped: %+v", derived.Consensus)
	}
}

func TestObservableStatusRejectsDirectChange(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{Kind: domain.KindATM})
	_, err := env.Engine.ChangeStatus(env.Ctx, p.ID, 1, domain.StatusUnavailable, "agent", "")
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.AppendUpdate(env.Ctx, p.ID, domain.Update{AuthorID: "a", AvailableFuels: []string{"diesel"}})
	if !errors.As(err, &verr) {
		t.Fatalf("fuels on an atm should be rejected, got %v", err)
	}
}

func TestMaintenanceEditsReconcileStock(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "filter-1", 5, "12.50")
	order := env.create(t, engine.CreateOptions{Kind: domain.KindMaintenanceOrder, Details: domain.MaintenanceDetails{MaintenanceID: "truck-7"}})

	labor := decimal.RequireFromString("40")
	order, err := env.Engine.EditMaintenanceOrder(env.Ctx, order.ID, order.Version, engine.EditMaintenanceOrder{
		Parts:     []domain.PartUsage{{PartID: "filter-1", Quantity: 3}},
		LaborCost: &labor,
		ActorID:   "mechanic",
	})
	if err != nil {
		t.Fatalf("first edit: %v", err)
	}
	if got := env.stock(t, "filter-1"); got != 2 {
		t.Fatalf("stock after first edit = %d, want 2", got)
	}
	md := order.Maintenance()
	if !md.PartsCost.Equal(decimal.RequireFromString("37.5")) || !md.Cost.Equal(decimal.RequireFromString("77.5")) {
		t.Fatalf("unexpected costs parts=%s total=%s", md.PartsCost, md.Cost)
	}

	order, err = env.Engine.EditMaintenanceOrder(env.Ctx, order.ID, order.Version, engine.EditMaintenanceOrder{
		Parts:   []domain.PartUsage{{PartID: "filter-1", Quantity: 1}},
		ActorID: "mechanic",
	})
	if err != nil {
		t.Fatalf("second edit: %v", err)
	}
	if got := env.stock(t, "filter-1"); got != 4 {
		t.Fatalf("stock after second edit = %d, want 4", got)
	}
	if !order.Maintenance().LaborCost.Equal(labor) {
		t.Fatalf("labor cost should be kept, got %s", order.Maintenance().LaborCost)
	}

	full, err := env.Engine.Get(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	var snapshots int
	for _, u := range full.Updates {
		if u.Type == domain.UpdatePartsSnapshot {
			snapshots++
		}
	}
	if snapshots != 2 || len(full.Updates) != 3 {
		t.Fatalf("each edit should append one snapshot, got %+v", full.Updates)
	}
	moves, err := env.Engine.Movements(env.Ctx, inventory.MovementFilters{OrderID: order.ID})
	if err != nil {
		t.Fatal(err)
	}
	var net int64
	for _, m := range moves {
		net += m.Delta
	}
	if net != -1 {
		t.Fatalf("net movement for order = %d, want -1", net)
	}
}

func TestCreateMaintenanceRejectsNegativeCosts(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]domain.MaintenanceDetails{
		"labor_cost": {MaintenanceID: "truck-7", LaborCost: decimal.NewFromInt(-50)},
		"parts_cost": {MaintenanceID: "truck-7", PartsCost: decimal.RequireFromString("-0.01")},
	}
	for field, details := range cases {
		_, err := env.Engine.CreatePOI(env.Ctx, engine.CreateOptions{Kind: domain.KindMaintenanceOrder, AuthorID: "mechanic", Details: details})
		var verr domain.ValidationError
		if !errors.As(err, &verr) || verr.Field != field {
			t.Fatalf("expected validation error on %s, got %v", field, err)
		}
	}
	p := env.create(t, engine.CreateOptions{Kind: domain.KindMaintenanceOrder, Details: domain.MaintenanceDetails{LaborCost: decimal.NewFromInt(50)}})
	if md := p.Maintenance(); !md.Cost.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("cost = %s, want 50", md.Cost)
	}
}

func TestInsufficientStockLeavesOrderUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "belt", 2, "3")
	env.item(t, "oil", 10, "1")
	order := env.create(t, engine.CreateOptions{Kind: domain.KindMaintenanceOrder})

	_, err := env.Engine.EditMaintenanceOrder(env.Ctx, order.ID, 1, engine.EditMaintenanceOrder{
		Parts:   []domain.PartUsage{{PartID: "oil", Quantity: 4}, {PartID: "belt", Quantity: 3}},
		ActorID: "mechanic",
	})
	var short domain.InsufficientStockError
	if !errors.As(err, &short) || short.PartID != "belt" {
		t.Fatalf("expected insufficient stock on belt, got %v", err)
	}
	if env.stock(t, "oil") != 10 || env.stock(t, "belt") != 2 {
		t.Fatalf("no delta may be applied alone")
	}
	got, err := env.Engine.Get(env.Ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || len(got.Updates) != 1 || len(got.Maintenance().PartsConsumed) != 0 {
		t.Fatalf("order advanced despite failure: %+v", got)
	}
}

func TestConcurrentEditsSameVersion(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "filter-1", 10, "1")
	order := env.create(t, engine.CreateOptions{Kind: domain.KindMaintenanceOrder})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.EditMaintenanceOrder(env.Ctx, order.ID, 1, engine.EditMaintenanceOrder{
				Parts:   []domain.PartUsage{{PartID: "filter-1", Quantity: int64(i + 1)}},
				ActorID: "mechanic",
			})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		var conflict domain.ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &conflict):
			conflicts++
			if conflict.Current != 2 {
				t.Fatalf("conflict should carry version 2, got %d", conflict.Current)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("want one success and one conflict, got %d/%d", ok, conflicts)
	}
	got, _ := env.Engine.Get(env.Ctx, order.ID)
	parts := got.Maintenance().PartsConsumed
	if got.Version != 2 || len(parts) != 1 || env.stock(t, "filter-1") != 10-parts[0].Quantity {
		t.Fatalf("stock does not match the winning edit: %+v", got)
	}
}

func TestConcurrentStatusChangesCommitOneWinner(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{Kind: domain.KindConstruction})
	targets := []domain.Status{domain.StatusInProgress, domain.StatusCancelled, domain.StatusInProgress, domain.StatusCancelled}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to domain.Status) {
			defer wg.Done()
			_, errs[i] = env.Engine.ChangeStatus(env.Ctx, p.ID, 1, to, "agent", "")
		}(i, to)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		var conflict domain.ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &conflict):
			conflicts++
			if conflict.Current != 2 {
				t.Fatalf("conflict should carry version 2, got %d", conflict.Current)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != len(targets)-1 {
		t.Fatalf("want one winner, got %d successes and %d conflicts", ok, conflicts)
	}
	got, err := env.Engine.Get(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || !lifecycle.Reachable(domain.KindConstruction, domain.StatusPlanned, got.Status) {
		t.Fatalf("final state not reachable from planned: %+v", got)
	}
	if got.Status != domain.StatusInProgress && got.Status != domain.StatusCancelled {
		t.Fatalf("final status %s was not requested by any caller", got.Status)
	}
	var statusEntries int
	for _, u := range got.Updates {
		if u.Type == domain.UpdateStatus {
			statusEntries++
		}
	}
	if statusEntries != 1 {
		t.Fatalf("only the winner may append a status entry, got %d", statusEntries)
	}
}

func TestRetryReappliesIntent(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{Kind: domain.KindGreenArea})
	if _, err := env.Engine.SetPriority(env.Ctx, p.ID, 1, domain.PriorityHigh, "admin"); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.ChangeStatus(env.Ctx, p.ID, 1, domain.StatusActive, "agent", "", engine.WithRetry(2))
	if err != nil {
		t.Fatalf("retry should reload and apply: %v", err)
	}
	if got.Version != 3 || got.Status != domain.StatusActive || got.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected result %+v", got)
	}

	// Reapplied against fresh state, the same intent is no longer valid.
	_, err = env.Engine.ChangeStatus(env.Ctx, p.ID, 2, domain.StatusActive, "agent", "", engine.WithRetry(2))
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected invalid transition after reload, got %v", err)
	}
}

func TestSequentialWorkflow(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{Kind: domain.KindLicensing, Details: domain.LicensingDetails{LicenseType: "building_permit", Applicant: "Ana"}})
	if len(p.WorkflowSteps) != 2 || p.Status != domain.StatusSubmitted {
		t.Fatalf("unexpected licensing poi %+v", p)
	}
	fire, planning := p.WorkflowSteps[0], p.WorkflowSteps[1]
	planner := engine.Actor{ID: "pl", Departments: []string{"Urban Planning"}}
	firefighter := engine.Actor{ID: "ff", Departments: []string{"Fire Dept"}}

	_, err := env.Engine.ResolveWorkflowStep(env.Ctx, p.ID, 1, planning.ID, domain.StepApproved, planner, "")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected ordering violation, got %v", err)
	}
	_, err = env.Engine.ResolveWorkflowStep(env.Ctx, p.ID, 1, fire.ID, domain.StepApproved, planner, "")
	var unauth domain.UnauthorizedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	p, err = env.Engine.ResolveWorkflowStep(env.Ctx, p.ID, 1, fire.ID, domain.StepRejected, firefighter, "no exits")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if p.Status != domain.StatusRejected {
		t.Fatalf("required rejection should short-circuit, status %s", p.Status)
	}

	_, err = env.Engine.ReopenWorkflowStep(env.Ctx, p.ID, p.Version, fire.ID, firefighter, "")
	if !errors.As(err, &unauth) {
		t.Fatalf("reopen without role should fail, got %v", err)
	}
	admin := engine.Actor{ID: "adm", Roles: []string{"workflow_admin"}}
	p, err = env.Engine.ReopenWorkflowStep(env.Ctx, p.ID, p.Version, fire.ID, admin, "plans amended")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if p.Status != domain.StatusUnderReview {
		t.Fatalf("reopen should return to under_review, got %s", p.Status)
	}

	if p, err = env.Engine.ResolveWorkflowStep(env.Ctx, p.ID, p.Version, fire.ID, domain.StepApproved, firefighter, ""); err != nil {
		t.Fatal(err)
	}
	if p, err = env.Engine.ResolveWorkflowStep(env.Ctx, p.ID, p.Version, planning.ID, domain.StepApproved, planner, ""); err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusApproved {
		t.Fatalf("all required approved should approve, got %s", p.Status)
	}
}

func TestParallelWorkflow(t *testing.T) {
	env := newTestEnv(t)
	safety := engine.Actor{ID: "ps", Departments: []string{"Public Safety"}}
	traffic := engine.Actor{ID: "tr", Departments: []string{"Traffic"}}
	environment := engine.Actor{ID: "en", Departments: []string{"Environment"}}

	p := env.create(t, engine.CreateOptions{Kind: domain.KindLicensing, Details: domain.LicensingDetails{LicenseType: "event_permit", Applicant: "Rua Viva"}})
	if len(p.WorkflowSteps) != 3 {
		t.Fatalf("expected three steps, got %+v", p.WorkflowSteps)
	}
	ps, tr := p.WorkflowSteps[0], p.WorkflowSteps[1]

	p, err := env.Engine.ResolveWorkflowStep(env.Ctx, p.ID, p.Version, tr.ID, domain.StepApproved, traffic, "")
	if err != nil {
		t.Fatalf("later step first: %v", err)
	}
	if p.Status != domain.StatusUnderReview {
		t.Fatalf("partial approval should be under_review, got %s", p.Status)
	}
	p, err = env.Engine.ResolveWorkflowStep(env.Ctx, p.ID, p.Version, ps.ID, domain.StepApproved, safety, "")
	if err != nil {
		t.Fatalf("earlier step second: %v", err)
	}
	if p.Status != domain.StatusApproved {
		t.Fatalf("required steps approved with optional pending should approve, got %s", p.Status)
	}

	q := env.create(t, engine.CreateOptions{Kind: domain.KindLicensing, Details: domain.LicensingDetails{LicenseType: "event_permit", Applicant: "Feira"}})
	env3 := q.WorkflowSteps[2]
	q, err = env.Engine.ResolveWorkflowStep(env.Ctx, q.ID, q.Version, env3.ID, domain.StepRejected, environment, "noise")
	if err != nil {
		t.Fatalf("optional rejection: %v", err)
	}
	if q.Status != domain.StatusUnderReview {
		t.Fatalf("optional rejection must not reject the license, got %s", q.Status)
	}
	q, err = env.Engine.ResolveWorkflowStep(env.Ctx, q.ID, q.Version, q.WorkflowSteps[1].ID, domain.StepRejected, traffic, "road closed")
	if err != nil {
		t.Fatalf("required rejection: %v", err)
	}
	if q.Status != domain.StatusRejected {
		t.Fatalf("required rejection should short-circuit with steps pending, got %s", q.Status)
	}
	_, err = env.Engine.ResolveWorkflowStep(env.Ctx, q.ID, q.Version, q.WorkflowSteps[0].ID, domain.StepApproved, safety, "")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("rejected license should not accept more resolutions, got %v", err)
	}
}

func TestLicensingGateOnDirectStatusChange(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{Kind: domain.KindLicensing, Details: domain.LicensingDetails{LicenseType: "event_permit"}})
	p, err := env.Engine.ChangeStatus(env.Ctx, p.ID, 1, domain.StatusUnderReview, "clerk", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ChangeStatus(env.Ctx, p.ID, p.Version, domain.StatusApproved, "clerk", "")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("approval without resolved steps must fail, got %v", err)
	}
	p, err = env.Engine.ChangeStatus(env.Ctx, p.ID, p.Version, domain.StatusInsufficientInformation, "clerk", "missing map")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveWorkflowStep(env.Ctx, p.ID, p.Version, p.WorkflowSteps[0].ID, domain.StepApproved, engine.Actor{ID: "ps", Departments: []string{"Public Safety"}}, "")
	if !errors.As(err, &inv) {
		t.Fatalf("steps cannot resolve while information is missing, got %v", err)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, p.ID, p.Version, domain.StatusUnderReview, "clerk", "map attached"); err != nil {
		t.Fatalf("re-verification: %v", err)
	}
}

func TestCollectedOrderKeepsDeductedStock(t *testing.T) {
	env := newTestEnv(t)
	env.item(t, "pad", 6, "8")
	order := env.create(t, engine.CreateOptions{Kind: domain.KindMaintenanceOrder, Details: domain.MaintenanceDetails{PartsConsumed: []domain.PartUsage{{PartID: "pad", Quantity: 2}}}})
	if env.stock(t, "pad") != 4 {
		t.Fatalf("creation should reconcile from empty")
	}
	if !order.Maintenance().PartsCost.Equal(decimal.NewFromInt(16)) {
		t.Fatalf("parts cost = %s", order.Maintenance().PartsCost)
	}
	order, err := env.Engine.ChangeStatus(env.Ctx, order.ID, 1, domain.StatusInProgress, "mechanic", "")
	if err != nil {
		t.Fatal(err)
	}
	order, err = env.Engine.ChangeStatus(env.Ctx, order.ID, order.Version, domain.StatusCollected, "mechanic", "")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if env.stock(t, "pad") != 4 {
		t.Fatalf("collecting must not deduct twice, stock %d", env.stock(t, "pad"))
	}
	_, err = env.Engine.EditMaintenanceOrder(env.Ctx, order.ID, order.Version, engine.EditMaintenanceOrder{ActorID: "mechanic"})
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("closed orders cannot be edited, got %v", err)
	}
}

func TestIncidentPriorityFromReporters(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, engine.CreateOptions{Kind: domain.KindIncident})
	for _, who := range []string{"b", "c"} {
		var err error
		if p, err = env.Engine.AppendUpdate(env.Ctx, p.ID, domain.Update{AuthorID: who, Note: "still there"}); err != nil {
			t.Fatal(err)
		}
	}
	if p.Priority != domain.PriorityMedium {
		t.Fatalf("three reporters should be medium, got %s", p.Priority)
	}
	p, err := env.Engine.SetPriority(env.Ctx, p.ID, p.Version, domain.PriorityLow, "admin")
	if err != nil || !p.PriorityManual {
		t.Fatalf("manual priority: %+v %v", p, err)
	}
	for _, who := range []string{"d", "e", "f"} {
		if p, err = env.Engine.AppendUpdate(env.Ctx, p.ID, domain.Update{AuthorID: who}); err != nil {
			t.Fatal(err)
		}
	}
	if p.Priority != domain.PriorityLow {
		t.Fatalf("manual override must stick, got %s", p.Priority)
	}
	p, err = env.Engine.SetPriority(env.Ctx, p.ID, p.Version, "", "admin")
	if err != nil || p.Priority != domain.PriorityHigh || p.PriorityManual {
		t.Fatalf("clearing override should derive high: %+v %v", p, err)
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	bus := notify.NewBus(nil)
	var mu sync.Mutex
	var seen []string
	bus.Subscribe([]string{events.StatusChanged}, func(_ context.Context, evt domain.Event) {
		mu.Lock()
		seen = append(seen, evt.EntityID)
		mu.Unlock()
	})
	env.Engine.Bus = bus

	p := env.create(t, engine.CreateOptions{Kind: domain.KindCroqui})
	if _, err := env.Engine.ChangeStatus(env.Ctx, p.ID, 1, domain.StatusValidated, "x", ""); err == nil {
		t.Fatalf("draft cannot jump to validated")
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, p.ID, 1, domain.StatusSubmitted, "x", ""); err != nil {
		t.Fatal(err)
	}
	bus.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != p.ID {
		t.Fatalf("expected one status event for %s, got %v", p.ID, seen)
	}
	stored, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityID: p.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("outbox should hold create and status events, got %d", len(stored))
	}
}
