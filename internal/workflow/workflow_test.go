package workflow

import (
	"errors"
	"fmt"
	"testing"

	"poiledger/internal/domain"
)

func newIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("step-%d", n)
	}
}

func fireThenPlanning(mode Mode) []domain.WorkflowStep {
	def := Definition{Mode: mode, Steps: []StepDef{{Department: "Fire Dept"}, {Department: "Urban Planning"}}}
	return Instantiate("poi-1", def, newIDs())
}

var (
	fire     = Actor{ID: "f1", Departments: []string{"Fire Dept"}}
	planning = Actor{ID: "p1", Departments: []string{"Urban Planning"}}
)

func TestSequentialOrderingViolation(t *testing.T) {
	steps := fireThenPlanning(Sequential)
	_, err := Resolve(Sequential, steps, "step-2", domain.StepApproved, planning, "", "")
	var ite domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected ordering violation, got %v", err)
	}
}

func TestRequiredRejectionShortCircuits(t *testing.T) {
	steps := fireThenPlanning(Sequential)
	steps, err := Resolve(Sequential, steps, "step-1", domain.StepRejected, fire, "blocked exit", "2025-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := Outcome(steps); got != domain.StepRejected {
		t.Fatalf("outcome = %s, want rejected", got)
	}
	if steps[0].ResolvedBy != "f1" || steps[0].Reason != "blocked exit" {
		t.Fatalf("resolution not recorded: %+v", steps[0])
	}
}

func TestAllRequiredApproved(t *testing.T) {
	steps := fireThenPlanning(Sequential)
	steps, err := Resolve(Sequential, steps, "step-1", domain.StepApproved, fire, "", "")
	if err != nil {
		t.Fatalf("resolve fire: %v", err)
	}
	if Outcome(steps) != domain.StepPending {
		t.Fatalf("expected pending after first approval")
	}
	steps, err = Resolve(Sequential, steps, "step-2", domain.StepApproved, planning, "", "")
	if err != nil {
		t.Fatalf("resolve planning: %v", err)
	}
	if Outcome(steps) != domain.StepApproved {
		t.Fatalf("expected approved")
	}
}

func TestParallelResolvesIndependently(t *testing.T) {
	steps := fireThenPlanning(Parallel)
	if _, err := Resolve(Parallel, steps, "step-2", domain.StepApproved, planning, "", ""); err != nil {
		t.Fatalf("parallel resolve: %v", err)
	}
}

func TestDepartmentMismatch(t *testing.T) {
	steps := fireThenPlanning(Parallel)
	_, err := Resolve(Parallel, steps, "step-1", domain.StepApproved, planning, "", "")
	var ue domain.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if ue.Department != "Fire Dept" {
		t.Fatalf("unexpected department %s", ue.Department)
	}
}

func TestOptionalStepDoesNotGateOutcome(t *testing.T) {
	optional := false
	def := Definition{Mode: Sequential, Steps: []StepDef{{Department: "Heritage", Required: &optional}, {Department: "Fire Dept"}}}
	steps := Instantiate("poi-1", def, newIDs())
	if _, err := Resolve(Sequential, steps, "step-2", domain.StepApproved, fire, "", ""); err == nil {
		t.Fatalf("pending optional step should still gate sequential order")
	}
	heritage := Actor{ID: "h1", Departments: []string{"Heritage"}}
	steps, err := Resolve(Sequential, steps, "step-1", domain.StepRejected, heritage, "", "")
	if err != nil {
		t.Fatalf("resolve optional: %v", err)
	}
	if Outcome(steps) == domain.StepRejected {
		t.Fatalf("optional rejection must not reject the workflow")
	}
	steps, err = Resolve(Sequential, steps, "step-2", domain.StepApproved, fire, "", "")
	if err != nil {
		t.Fatalf("resolve required: %v", err)
	}
	if Outcome(steps) != domain.StepApproved {
		t.Fatalf("expected approved")
	}
}

func TestReopenRequiresRole(t *testing.T) {
	steps := fireThenPlanning(Sequential)
	steps, _ = Resolve(Sequential, steps, "step-1", domain.StepRejected, fire, "", "")
	if _, err := Reopen(steps, "step-1", fire, "workflow_admin"); err == nil {
		t.Fatalf("reopen without role should fail")
	}
	admin := Actor{ID: "admin", Roles: []string{"workflow_admin"}}
	steps, err := Reopen(steps, "step-1", admin, "workflow_admin")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if steps[0].Status != domain.StepPending || steps[0].ResolvedBy != "" {
		t.Fatalf("step not reset: %+v", steps[0])
	}
	if _, err := Reopen(steps, "step-1", admin, "workflow_admin"); err == nil {
		t.Fatalf("reopening a pending step should fail")
	}
	if _, err := Reopen(steps, "missing", admin, "workflow_admin"); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDefinitionValidate(t *testing.T) {
	if err := (Definition{Mode: "random", Steps: []StepDef{{Department: "x"}}}).Validate(); err == nil {
		t.Fatalf("expected mode error")
	}
	optional := false
	if err := (Definition{Mode: Parallel, Steps: []StepDef{{Department: "x", Required: &optional}}}).Validate(); err == nil {
		t.Fatalf("expected required step error")
	}
}
