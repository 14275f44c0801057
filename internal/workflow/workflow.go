package workflow

import (
	"errors"
	"fmt"
	"sort"

	"poiledger/internal/domain"
)

var ErrStepNotFound = errors.New("workflow step not found")

type Mode string

const (
	Sequential Mode = "sequential"
	Parallel   Mode = "parallel"
)

type StepDef struct {
	Department string `yaml:"department" json:"department"`
	Required   *bool  `yaml:"required,omitempty" json:"required,omitempty"`
}

func (s StepDef) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// Definition fixes the approval steps of one license type.
type Definition struct {
	Mode  Mode      `yaml:"mode" json:"mode"`
	Steps []StepDef `yaml:"steps" json:"steps"`
}

func (d Definition) Validate() error {
	if d.Mode != Sequential && d.Mode != Parallel {
		return fmt.Errorf("workflow mode must be sequential or parallel, got %q", d.Mode)
	}
	if len(d.Steps) == 0 {
		return errors.New("workflow needs at least one step")
	}
	required := 0
	seen := map[string]bool{}
	for i, s := range d.Steps {
		if s.Department == "" {
			return fmt.Errorf("workflow step %d has empty department", i)
		}
		if seen[s.Department] {
			return fmt.Errorf("workflow department %s listed twice", s.Department)
		}
		seen[s.Department] = true
		if s.IsRequired() {
			required++
		}
	}
	if required == 0 {
		return errors.New("workflow needs at least one required step")
	}
	return nil
}

// Actor is the identity the external auth collaborator vouches for.
type Actor struct {
	ID          string
	Departments []string
	Roles       []string
}

func (a Actor) InDepartment(dept string) bool {
	for _, d := range a.Departments {
		if d == dept {
			return true
		}
	}
	return false
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Instantiate creates pending steps for a new licensing POI.
func Instantiate(poiID string, def Definition, newID func() string) []domain.WorkflowStep {
	steps := make([]domain.WorkflowStep, 0, len(def.Steps))
	for i, s := range def.Steps {
		steps = append(steps, domain.WorkflowStep{
			ID:         newID(),
			POIID:      poiID,
			Position:   i,
			Department: s.Department,
			Required:   s.IsRequired(),
			Status:     domain.StepPending,
		})
	}
	return steps
}

func ordered(steps []domain.WorkflowStep) []domain.WorkflowStep {
	out := make([]domain.WorkflowStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func find(steps []domain.WorkflowStep, stepID string) (int, error) {
	for i, s := range steps {
		if s.ID == stepID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
}

// Resolve moves one pending step to approved or rejected.
func Resolve(mode Mode, steps []domain.WorkflowStep, stepID string, outcome domain.StepStatus, actor Actor, reason, at string) ([]domain.WorkflowStep, error) {
	if outcome != domain.StepApproved && outcome != domain.StepRejected {
		return nil, domain.ValidationError{Field: "outcome", Reason: fmt.Sprintf("must be approved or rejected, got %q", outcome)}
	}
	out := ordered(steps)
	idx, err := find(out, stepID)
	if err != nil {
		return nil, err
	}
	step := out[idx]
	if !actor.InDepartment(step.Department) {
		return nil, domain.UnauthorizedError{ActorID: actor.ID, Department: step.Department, Action: "resolve workflow step"}
	}
	if step.Status != domain.StepPending {
		return nil, stepTransitionError(step, outcome, "step already resolved")
	}
	if mode == Sequential {
		for _, prior := range out[:idx] {
			if prior.Required && prior.Status != domain.StepApproved {
				return nil, stepTransitionError(step, outcome, fmt.Sprintf("step %s (%s) must be approved first", prior.ID, prior.Department))
			}
			if !prior.Required && prior.Status == domain.StepPending {
				return nil, stepTransitionError(step, outcome, fmt.Sprintf("step %s (%s) must be resolved first", prior.ID, prior.Department))
			}
		}
	}
	step.Status = outcome
	step.Reason = reason
	step.ResolvedBy = actor.ID
	step.ResolvedAt = at
	out[idx] = step
	return out, nil
}

// Reopen reverts a rejected step to pending. Only holders of reopenRole may do so.
func Reopen(steps []domain.WorkflowStep, stepID string, actor Actor, reopenRole string) ([]domain.WorkflowStep, error) {
	out := ordered(steps)
	idx, err := find(out, stepID)
	if err != nil {
		return nil, err
	}
	if !actor.HasRole(reopenRole) {
		return nil, domain.UnauthorizedError{ActorID: actor.ID, Action: "reopen workflow step (role " + reopenRole + ")"}
	}
	step := out[idx]
	if step.Status != domain.StepRejected {
		return nil, stepTransitionError(step, domain.StepPending, "only rejected steps can be reopened")
	}
	step.Status = domain.StepPending
	step.Reason = ""
	step.ResolvedBy = ""
	step.ResolvedAt = ""
	out[idx] = step
	return out, nil
}

// Outcome is rejected as soon as any required step is rejected, approved once
// every required step is approved, and pending otherwise.
func Outcome(steps []domain.WorkflowStep) domain.StepStatus {
	approved := true
	hasRequired := false
	for _, s := range steps {
		if !s.Required {
			continue
		}
		hasRequired = true
		switch s.Status {
		case domain.StepRejected:
			return domain.StepRejected
		case domain.StepPending:
			approved = false
		}
	}
	if hasRequired && approved {
		return domain.StepApproved
	}
	return domain.StepPending
}

// Resolved reports whether any step has left pending.
func Resolved(steps []domain.WorkflowStep) bool {
	for _, s := range steps {
		if s.Status != domain.StepPending {
			return true
		}
	}
	return false
}

func stepTransitionError(step domain.WorkflowStep, to domain.StepStatus, reason string) error {
	return domain.InvalidTransitionError{
		Kind:   domain.KindLicensing,
		From:   domain.Status(step.Status),
		To:     domain.Status(to),
		Reason: fmt.Sprintf("%s: %s", step.Department, reason),
	}
}
