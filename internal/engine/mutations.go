package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"poiledger/internal/consensus"
	"poiledger/internal/domain"
	"poiledger/internal/events"
	"poiledger/internal/inventory"
	"poiledger/internal/ledger"
	"poiledger/internal/lifecycle"
	"poiledger/internal/workflow"
)

// Mutation is an intent applied to a POI inside one versioned commit. Intents
// are reapplied from scratch on retry, never replayed as field snapshots.
type Mutation interface {
	operation() string
	apply(ctx context.Context, e Engine, st *mutationState) error
}

// AppendUpdate records an observation. For observable kinds the status follows
// the consensus over the ledger; for incidents the derived priority is refreshed.
type AppendUpdate struct {
	Update domain.Update
}

func (AppendUpdate) operation() string { return "append_update" }

func (m AppendUpdate) apply(ctx context.Context, e Engine, st *mutationState) error {
	u := m.Update
	if u.Type != "" && u.Type != domain.UpdateReport {
		return domain.ValidationError{Field: "type", Reason: fmt.Sprintf("only %s updates may be appended directly", domain.UpdateReport)}
	}
	if len(u.PartsConsumed) > 0 {
		return domain.ValidationError{Field: "parts_consumed", Reason: "edit the maintenance order instead"}
	}
	if err := validateReport(st.poi.Kind, u); err != nil {
		return err
	}
	u.Type = domain.UpdateReport
	u, err := e.appendUpdate(ctx, st, u)
	if err != nil {
		return err
	}
	if err := e.emit(ctx, st, events.UpdateAppended, u.AuthorID, events.EventPayload{
		"update_id":       u.ID,
		"seq":             u.Seq,
		"reported_status": u.ReportedStatus,
	}); err != nil {
		return err
	}
	if st.poi.Kind.Observable() {
		derived := consensus.Resolve(st.poi.Kind, st.poi.Updates, e.ConsensusOptions())
		if derived.Reported && derived.Status != st.poi.Status {
			if err := e.transition(ctx, st, derived.Status, lifecycle.Facts{}, u.AuthorID, "consensus"); err != nil {
				return err
			}
		}
	}
	return e.derivePriority(ctx, st, u.AuthorID)
}

// ChangeStatus requests an explicit lifecycle transition.
type ChangeStatus struct {
	To      domain.Status
	ActorID string
	Note    string
}

func (ChangeStatus) operation() string { return "change_status" }

func (m ChangeStatus) apply(ctx context.Context, e Engine, st *mutationState) error {
	if m.ActorID == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if st.poi.Kind.Observable() {
		return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%s status follows reports; append an update", st.poi.Kind)}
	}
	facts := lifecycle.Facts{}
	if st.poi.Kind == domain.KindLicensing {
		facts.WorkflowOutcome = workflow.Outcome(st.poi.WorkflowSteps)
	}
	return e.transition(ctx, st, m.To, facts, m.ActorID, m.Note)
}

// ResolveWorkflowStep approves or rejects one step of a licensing workflow.
type ResolveWorkflowStep struct {
	StepID  string
	Outcome domain.StepStatus
	Actor   Actor
	Reason  string
}

func (ResolveWorkflowStep) operation() string { return "resolve_workflow_step" }

func (m ResolveWorkflowStep) apply(ctx context.Context, e Engine, st *mutationState) error {
	p := &st.poi
	if p.Kind != domain.KindLicensing {
		return domain.ValidationError{Field: "kind", Reason: "workflow steps exist only on licensing"}
	}
	if p.Status != domain.StatusSubmitted && p.Status != domain.StatusUnderReview {
		return domain.InvalidTransitionError{Kind: p.Kind, From: p.Status, To: domain.Status(m.Outcome), Reason: "workflow is not open for review"}
	}
	def, err := e.definitionFor(*p)
	if err != nil {
		return err
	}
	steps, err := workflow.Resolve(def.Mode, p.WorkflowSteps, m.StepID, m.Outcome, m.Actor, m.Reason, ledger.FormatTime(st.now))
	if err != nil {
		return err
	}
	step, err := e.saveChangedStep(ctx, st, steps, m.StepID)
	if err != nil {
		return err
	}
	if _, err := e.appendUpdate(ctx, st, domain.Update{
		Type:      domain.UpdateWorkflow,
		AuthorID:  m.Actor.ID,
		Timestamp: st.now,
		Note:      stepNote(step, m.Reason),
	}); err != nil {
		return err
	}
	if err := e.emit(ctx, st, events.WorkflowStepResolved, m.Actor.ID, events.EventPayload{
		"step_id":    step.ID,
		"department": step.Department,
		"outcome":    step.Status,
		"reason":     step.Reason,
	}); err != nil {
		return err
	}
	if p.Status == domain.StatusSubmitted {
		if err := e.transition(ctx, st, domain.StatusUnderReview, lifecycle.Facts{}, m.Actor.ID, "review started"); err != nil {
			return err
		}
	}
	outcome := workflow.Outcome(p.WorkflowSteps)
	if outcome == domain.StepPending {
		return nil
	}
	return e.transition(ctx, st, domain.Status(outcome), lifecycle.Facts{WorkflowOutcome: outcome}, m.Actor.ID, "workflow "+string(outcome))
}

// ReopenWorkflowStep reverts a rejected step to pending. It is authorized by
// role, separately from department membership.
type ReopenWorkflowStep struct {
	StepID string
	Actor  Actor
	Note   string
}

func (ReopenWorkflowStep) operation() string { return "reopen_workflow_step" }

func (m ReopenWorkflowStep) apply(ctx context.Context, e Engine, st *mutationState) error {
	p := &st.poi
	if p.Kind != domain.KindLicensing {
		return domain.ValidationError{Field: "kind", Reason: "workflow steps exist only on licensing"}
	}
	steps, err := workflow.Reopen(p.WorkflowSteps, m.StepID, m.Actor, e.config().Workflow.ReopenRole)
	if err != nil {
		return err
	}
	step, err := e.saveChangedStep(ctx, st, steps, m.StepID)
	if err != nil {
		return err
	}
	note := step.Department + " reopened"
	if m.Note != "" {
		note += ": " + m.Note
	}
	if _, err := e.appendUpdate(ctx, st, domain.Update{
		Type:      domain.UpdateWorkflow,
		AuthorID:  m.Actor.ID,
		Timestamp: st.now,
		Note:      note,
	}); err != nil {
		return err
	}
	if err := e.emit(ctx, st, events.WorkflowStepReopened, m.Actor.ID, events.EventPayload{
		"step_id":    step.ID,
		"department": step.Department,
	}); err != nil {
		return err
	}
	if p.Status == domain.StatusRejected && workflow.Outcome(p.WorkflowSteps) != domain.StepRejected {
		return e.transition(ctx, st, domain.StatusUnderReview, lifecycle.Facts{Reopen: true}, m.Actor.ID, "workflow reopened")
	}
	return nil
}

// EditMaintenanceOrder replaces the parts attributed to an order and its costs.
// Stock moves by the difference between what the order already holds and the
// new list, atomically with the commit.
type EditMaintenanceOrder struct {
	Parts   []domain.PartUsage
	ActorID string
	Note    string
	// LaborCost keeps its current value when nil.
	LaborCost *decimal.Decimal
	// PartsCost is priced from unit costs when nil.
	PartsCost *decimal.Decimal
}

func (EditMaintenanceOrder) operation() string { return "edit_maintenance_order" }

func (m EditMaintenanceOrder) apply(ctx context.Context, e Engine, st *mutationState) error {
	p := &st.poi
	if p.Kind != domain.KindMaintenanceOrder {
		return domain.ValidationError{Field: "kind", Reason: "parts can only be edited on maintenance orders"}
	}
	if m.ActorID == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if lifecycle.IsTerminal(p.Kind, p.Status) {
		return domain.InvalidTransitionError{Kind: p.Kind, From: p.Status, To: p.Status, Reason: "order is closed"}
	}
	if m.LaborCost != nil && m.LaborCost.IsNegative() {
		return domain.ValidationError{Field: "labor_cost", Reason: "must not be negative"}
	}
	if m.PartsCost != nil && m.PartsCost.IsNegative() {
		return domain.ValidationError{Field: "parts_cost", Reason: "must not be negative"}
	}
	parts, err := inventory.Normalize(m.Parts)
	if err != nil {
		return err
	}
	if err := e.reconcile(ctx, st, m.ActorID, parts); err != nil {
		return err
	}
	md := p.Maintenance()
	md.PartsConsumed = parts
	md.LaborCost = decimalOr(m.LaborCost, md.LaborCost)
	if m.PartsCost != nil {
		md.PartsCost = *m.PartsCost
	} else {
		md.PartsCost, err = e.inventory().PartsCost(ctx, st.tx, parts)
		if err != nil {
			return err
		}
	}
	md.Cost = md.PartsCost.Add(md.LaborCost)
	p.Details = md
	_, err = e.appendUpdate(ctx, st, domain.Update{
		Type:          domain.UpdatePartsSnapshot,
		AuthorID:      m.ActorID,
		Timestamp:     st.now,
		Note:          m.Note,
		PartsConsumed: parts,
	})
	return err
}

// SetPriority sets a manual priority. An empty priority clears the override so
// incidents go back to the derived value.
type SetPriority struct {
	Priority domain.Priority
	ActorID  string
}

func (SetPriority) operation() string { return "set_priority" }

func (m SetPriority) apply(ctx context.Context, e Engine, st *mutationState) error {
	p := &st.poi
	if m.ActorID == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", m.Priority)}
	}
	from := p.Priority
	if m.Priority == "" {
		p.PriorityManual = false
		if p.Kind == domain.KindIncident {
			p.Priority = consensus.Resolve(p.Kind, p.Updates, e.ConsensusOptions()).Priority
		} else {
			p.Priority = ""
		}
	} else {
		p.PriorityManual = true
		p.Priority = m.Priority
	}
	if _, err := e.appendUpdate(ctx, st, domain.Update{
		Type:      domain.UpdatePriority,
		AuthorID:  m.ActorID,
		Timestamp: st.now,
		Note:      "priority " + priorityLabel(p.Priority, p.PriorityManual),
	}); err != nil {
		return err
	}
	return e.emit(ctx, st, events.PriorityChanged, m.ActorID, events.EventPayload{
		"from":   from,
		"to":     p.Priority,
		"manual": p.PriorityManual,
	})
}

func (e Engine) definitionFor(p domain.POI) (workflow.Definition, error) {
	lt := p.Licensing().LicenseType
	def, ok := e.config().WorkflowFor(lt)
	if !ok {
		return workflow.Definition{}, domain.ValidationError{Field: "license_type", Reason: fmt.Sprintf("no workflow defined for %q", lt)}
	}
	return def, nil
}

func (e Engine) saveChangedStep(ctx context.Context, st *mutationState, steps []domain.WorkflowStep, stepID string) (domain.WorkflowStep, error) {
	st.poi.WorkflowSteps = steps
	for _, s := range steps {
		if s.ID == stepID {
			return s, e.Repo.SaveStep(ctx, st.tx, s)
		}
	}
	return domain.WorkflowStep{}, fmt.Errorf("%w: %s", workflow.ErrStepNotFound, stepID)
}

func stepNote(step domain.WorkflowStep, reason string) string {
	var b strings.Builder
	b.WriteString(step.Department)
	b.WriteString(" ")
	b.WriteString(string(step.Status))
	if reason != "" {
		b.WriteString(": ")
		b.WriteString(reason)
	}
	return b.String()
}

func priorityLabel(p domain.Priority, manual bool) string {
	label := string(p)
	if label == "" {
		label = "unset"
	}
	if !manual {
		label += " (derived)"
	}
	return label
}

// Wrappers for callers that do not build intents themselves.

func (e Engine) AppendUpdate(ctx context.Context, id string, u domain.Update, opts ...MutateOption) (domain.POI, error) {
	return e.ApplyMutation(ctx, id, 0, AppendUpdate{Update: u}, opts...)
}

func (e Engine) ChangeStatus(ctx context.Context, id string, expectedVersion int64, to domain.Status, actorID, note string, opts ...MutateOption) (domain.POI, error) {
	return e.ApplyMutation(ctx, id, expectedVersion, ChangeStatus{To: to, ActorID: actorID, Note: note}, opts...)
}

func (e Engine) ResolveWorkflowStep(ctx context.Context, id string, expectedVersion int64, stepID string, outcome domain.StepStatus, actor Actor, reason string, opts ...MutateOption) (domain.POI, error) {
	return e.ApplyMutation(ctx, id, expectedVersion, ResolveWorkflowStep{StepID: stepID, Outcome: outcome, Actor: actor, Reason: reason}, opts...)
}

func (e Engine) ReopenWorkflowStep(ctx context.Context, id string, expectedVersion int64, stepID string, actor Actor, note string, opts ...MutateOption) (domain.POI, error) {
	return e.ApplyMutation(ctx, id, expectedVersion, ReopenWorkflowStep{StepID: stepID, Actor: actor, Note: note}, opts...)
}

func (e Engine) EditMaintenanceOrder(ctx context.Context, id string, expectedVersion int64, edit EditMaintenanceOrder, opts ...MutateOption) (domain.POI, error) {
	return e.ApplyMutation(ctx, id, expectedVersion, edit, opts...)
}

func (e Engine) SetPriority(ctx context.Context, id string, expectedVersion int64, priority domain.Priority, actorID string, opts ...MutateOption) (domain.POI, error) {
	return e.ApplyMutation(ctx, id, expectedVersion, SetPriority{Priority: priority, ActorID: actorID}, opts...)
}
