package lifecycle

import (
	"errors"
	"testing"

	"poiledger/internal/domain"
)

func TestValidateDeclaredEdges(t *testing.T) {
	cases := []struct {
		kind     domain.Kind
		from, to domain.Status
		ok       bool
	}{
		{domain.KindIncident, domain.StatusUnknown, domain.StatusInProgress, true},
		{domain.KindIncident, domain.StatusCollected, domain.StatusUnknown, false},
		{domain.KindLandPlot, domain.StatusProtected, domain.StatusAvailable, true},
		{domain.KindLandPlot, domain.StatusProtected, domain.StatusOccupied, false},
		{domain.KindATM, domain.StatusAvailable, domain.StatusUnavailable, true},
		{domain.KindATM, domain.StatusAvailable, domain.StatusAvailable, false},
		{domain.KindConstruction, domain.StatusPlanned, domain.StatusCompleted, false},
		{domain.KindCroqui, domain.StatusRejected, domain.StatusDraft, true},
		{domain.KindBikeLane, domain.StatusApproved, domain.StatusBuilt, true},
		{domain.KindLicensing, domain.StatusSubmitted, domain.StatusUnderReview, true},
		{domain.KindLicensing, domain.StatusSubmitted, domain.StatusApproved, false},
		{domain.KindLicensing, domain.StatusInsufficientInformation, domain.StatusUnderReview, true},
	}
	for _, tc := range cases {
		_, err := Validate(tc.kind, tc.from, tc.to, Facts{})
		if tc.ok && err != nil {
			t.Fatalf("%s %s->%s: unexpected error %v", tc.kind, tc.from, tc.to, err)
		}
		if !tc.ok {
			var ite domain.InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("%s %s->%s: expected invalid transition, got %v", tc.kind, tc.from, tc.to, err)
			}
		}
	}
}

func TestMaintenanceCollectedObligesReconcile(t *testing.T) {
	d, err := Validate(domain.KindMaintenanceOrder, domain.StatusInProgress, domain.StatusCollected, Facts{PartsLines: 2})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !d.Has(InventoryReconcile) {
		t.Fatalf("expected reconcile obligation, got %+v", d.Obligations)
	}
	d, err = Validate(domain.KindMaintenanceOrder, domain.StatusInProgress, domain.StatusCollected, Facts{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Has(InventoryReconcile) {
		t.Fatalf("no parts should not oblige reconcile")
	}
}

func TestLicensingTerminalGatedByWorkflow(t *testing.T) {
	if _, err := Validate(domain.KindLicensing, domain.StatusUnderReview, domain.StatusApproved, Facts{WorkflowOutcome: domain.StepPending}); err == nil {
		t.Fatalf("expected approval to be gated on workflow outcome")
	}
	d, err := Validate(domain.KindLicensing, domain.StatusUnderReview, domain.StatusRejected, Facts{WorkflowOutcome: domain.StepRejected})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !d.Has(WorkflowGate) {
		t.Fatalf("expected workflow gate obligation")
	}
	if _, err := Validate(domain.KindLicensing, domain.StatusRejected, domain.StatusUnderReview, Facts{}); err == nil {
		t.Fatalf("expected reopen without workflow reopen to fail")
	}
	if _, err := Validate(domain.KindLicensing, domain.StatusRejected, domain.StatusUnderReview, Facts{Reopen: true}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !IsTerminal(domain.KindIncident, domain.StatusCollected) {
		t.Fatalf("collected incident should be terminal")
	}
	if !IsTerminal(domain.KindLicensing, domain.StatusRejected) {
		t.Fatalf("rejected licensing has only a reopen edge")
	}
	if IsTerminal(domain.KindLicensing, domain.StatusUnderReview) {
		t.Fatalf("under_review is not terminal")
	}
	if !Reachable(domain.KindConstruction, domain.StatusPlanned, domain.StatusCompleted) {
		t.Fatalf("completed should be reachable from planned")
	}
	if Reachable(domain.KindConstruction, domain.StatusCompleted, domain.StatusPlanned) {
		t.Fatalf("planned is not reachable from completed")
	}
}

func TestEveryKindHasGraph(t *testing.T) {
	for _, k := range domain.Kinds {
		if Initial(k) == "" {
			t.Fatalf("kind %s has no initial status", k)
		}
		if !Known(k, Initial(k)) {
			t.Fatalf("kind %s initial status not in vocabulary", k)
		}
	}
}
