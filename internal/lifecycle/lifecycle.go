package lifecycle

import (
	"fmt"

	"poiledger/internal/domain"
)

// Obligation is a side effect a transition requires before it may commit.
type Obligation string

const (
	// InventoryReconcile requires the order's parts snapshot to be reconciled against stock.
	InventoryReconcile Obligation = "inventory_reconcile"
	// WorkflowGate requires the workflow outcome to match the target status.
	WorkflowGate Obligation = "workflow_gate"
)

// Facts carries the entity state some edges depend on.
type Facts struct {
	PartsLines      int
	WorkflowOutcome domain.StepStatus
	Reopen          bool
}

type Decision struct {
	Obligations []Obligation
}

func (d Decision) Has(o Obligation) bool {
	for _, v := range d.Obligations {
		if v == o {
			return true
		}
	}
	return false
}

type edge struct {
	from, to domain.Status
}

type graph struct {
	initial  domain.Status
	statuses []domain.Status
	edges    map[domain.Status][]domain.Status
	reopen   map[edge]bool
	// restricted edges are only reachable through their owning operation.
	restricted map[edge]bool
}

var graphs = map[domain.Kind]graph{
	domain.KindIncident: {
		initial:  domain.StatusUnknown,
		statuses: []domain.Status{domain.StatusUnknown, domain.StatusInProgress, domain.StatusCollected},
		edges: map[domain.Status][]domain.Status{
			domain.StatusUnknown:    {domain.StatusInProgress, domain.StatusCollected},
			domain.StatusInProgress: {domain.StatusCollected},
		},
	},
	domain.KindConstruction: {
		initial:  domain.StatusPlanned,
		statuses: []domain.Status{domain.StatusPlanned, domain.StatusInProgress, domain.StatusSuspended, domain.StatusCompleted, domain.StatusCancelled},
		edges: map[domain.Status][]domain.Status{
			domain.StatusPlanned:    {domain.StatusInProgress, domain.StatusCancelled},
			domain.StatusInProgress: {domain.StatusSuspended, domain.StatusCompleted},
			domain.StatusSuspended:  {domain.StatusInProgress, domain.StatusCancelled},
		},
	},
	domain.KindLandPlot: {
		initial:  domain.StatusAvailable,
		statuses: []domain.Status{domain.StatusAvailable, domain.StatusReserved, domain.StatusInDispute, domain.StatusProtected, domain.StatusOccupied},
		edges: map[domain.Status][]domain.Status{
			domain.StatusAvailable: {domain.StatusReserved, domain.StatusInDispute, domain.StatusProtected, domain.StatusOccupied},
			domain.StatusReserved:  {domain.StatusAvailable, domain.StatusOccupied, domain.StatusInDispute},
			domain.StatusInDispute: {domain.StatusAvailable, domain.StatusReserved, domain.StatusOccupied, domain.StatusProtected},
			domain.StatusProtected: {domain.StatusAvailable},
			domain.StatusOccupied:  {domain.StatusAvailable, domain.StatusInDispute},
		},
	},
	domain.KindATM: {
		initial:  domain.StatusAvailable,
		statuses: []domain.Status{domain.StatusAvailable, domain.StatusUnavailable},
		edges: map[domain.Status][]domain.Status{
			domain.StatusAvailable:   {domain.StatusUnavailable},
			domain.StatusUnavailable: {domain.StatusAvailable},
		},
	},
	domain.KindFuelStation: {
		initial:  domain.StatusAvailable,
		statuses: []domain.Status{domain.StatusAvailable, domain.StatusUnavailable},
		edges: map[domain.Status][]domain.Status{
			domain.StatusAvailable:   {domain.StatusUnavailable},
			domain.StatusUnavailable: {domain.StatusAvailable},
		},
	},
	domain.KindMaintenanceOrder: {
		initial:  domain.StatusOpen,
		statuses: []domain.Status{domain.StatusOpen, domain.StatusInProgress, domain.StatusCollected, domain.StatusCancelled},
		edges: map[domain.Status][]domain.Status{
			domain.StatusOpen:       {domain.StatusInProgress, domain.StatusCancelled},
			domain.StatusInProgress: {domain.StatusCollected, domain.StatusCancelled},
		},
	},
	domain.KindCroqui: {
		initial:  domain.StatusDraft,
		statuses: []domain.Status{domain.StatusDraft, domain.StatusSubmitted, domain.StatusValidated, domain.StatusRejected},
		edges: map[domain.Status][]domain.Status{
			domain.StatusDraft:     {domain.StatusSubmitted},
			domain.StatusSubmitted: {domain.StatusValidated, domain.StatusRejected},
			domain.StatusRejected:  {domain.StatusDraft},
		},
		reopen: map[edge]bool{{domain.StatusRejected, domain.StatusDraft}: true},
	},
	domain.KindGreenArea: {
		initial:  domain.StatusProposed,
		statuses: []domain.Status{domain.StatusProposed, domain.StatusActive, domain.StatusNeedsMaintenance, domain.StatusRetired},
		edges: map[domain.Status][]domain.Status{
			domain.StatusProposed:         {domain.StatusActive, domain.StatusRetired},
			domain.StatusActive:           {domain.StatusNeedsMaintenance, domain.StatusRetired},
			domain.StatusNeedsMaintenance: {domain.StatusActive, domain.StatusRetired},
		},
	},
	domain.KindBikeLane: {
		initial:  domain.StatusProposed,
		statuses: []domain.Status{domain.StatusProposed, domain.StatusUnderReview, domain.StatusApproved, domain.StatusRejected, domain.StatusBuilt},
		edges: map[domain.Status][]domain.Status{
			domain.StatusProposed:    {domain.StatusUnderReview},
			domain.StatusUnderReview: {domain.StatusApproved, domain.StatusRejected},
			domain.StatusApproved:    {domain.StatusBuilt},
			domain.StatusRejected:    {domain.StatusProposed},
		},
		reopen: map[edge]bool{{domain.StatusRejected, domain.StatusProposed}: true},
	},
	domain.KindLicensing: {
		initial:  domain.StatusSubmitted,
		statuses: []domain.Status{domain.StatusSubmitted, domain.StatusUnderReview, domain.StatusApproved, domain.StatusRejected, domain.StatusInsufficientInformation},
		edges: map[domain.Status][]domain.Status{
			domain.StatusSubmitted:               {domain.StatusUnderReview},
			domain.StatusUnderReview:             {domain.StatusApproved, domain.StatusRejected, domain.StatusInsufficientInformation},
			domain.StatusInsufficientInformation: {domain.StatusUnderReview},
			domain.StatusRejected:                {domain.StatusUnderReview},
		},
		reopen: map[edge]bool{
			{domain.StatusInsufficientInformation, domain.StatusUnderReview}: true,
			{domain.StatusRejected, domain.StatusUnderReview}:                true,
		},
		restricted: map[edge]bool{{domain.StatusRejected, domain.StatusUnderReview}: true},
	},
}

// Initial returns the status a new POI of kind starts in.
func Initial(kind domain.Kind) domain.Status {
	return graphs[kind].initial
}

// Statuses returns the status vocabulary of kind.
func Statuses(kind domain.Kind) []domain.Status {
	g, ok := graphs[kind]
	if !ok {
		return nil
	}
	return append([]domain.Status(nil), g.statuses...)
}

func Known(kind domain.Kind, status domain.Status) bool {
	for _, s := range graphs[kind].statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Next lists the statuses directly reachable from status.
func Next(kind domain.Kind, status domain.Status) []domain.Status {
	return append([]domain.Status(nil), graphs[kind].edges[status]...)
}

// IsTerminal reports whether status has no outgoing edges other than reopen edges.
func IsTerminal(kind domain.Kind, status domain.Status) bool {
	g := graphs[kind]
	for _, to := range g.edges[status] {
		if !g.reopen[edge{status, to}] {
			return false
		}
	}
	return Known(kind, status)
}

// IsReopen reports whether from -> to is a reopen edge.
func IsReopen(kind domain.Kind, from, to domain.Status) bool {
	return graphs[kind].reopen[edge{from, to}]
}

// Validate decides whether kind may move from -> to and which obligations follow.
func Validate(kind domain.Kind, from, to domain.Status, facts Facts) (Decision, error) {
	g, ok := graphs[kind]
	if !ok {
		return Decision{}, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if !Known(kind, to) {
		return Decision{}, domain.InvalidTransitionError{Kind: kind, From: from, To: to, Reason: "unknown status"}
	}
	declared := false
	for _, s := range g.edges[from] {
		if s == to {
			declared = true
			break
		}
	}
	if !declared {
		return Decision{}, domain.InvalidTransitionError{Kind: kind, From: from, To: to}
	}
	e := edge{from, to}
	if g.restricted[e] && !facts.Reopen {
		return Decision{}, domain.InvalidTransitionError{Kind: kind, From: from, To: to, Reason: "requires workflow reopen"}
	}
	var d Decision
	switch kind {
	case domain.KindMaintenanceOrder:
		if to == domain.StatusCollected && facts.PartsLines > 0 {
			d.Obligations = append(d.Obligations, InventoryReconcile)
		}
	case domain.KindLicensing:
		if to == domain.StatusApproved || to == domain.StatusRejected {
			if facts.WorkflowOutcome != domain.StepStatus(to) {
				return Decision{}, domain.InvalidTransitionError{Kind: kind, From: from, To: to, Reason: "required workflow steps are not resolved to " + string(to)}
			}
			d.Obligations = append(d.Obligations, WorkflowGate)
		}
	}
	return d, nil
}

// Reachable reports whether to can be reached from from through declared edges.
func Reachable(kind domain.Kind, from, to domain.Status) bool {
	if from == to {
		return true
	}
	g := graphs[kind]
	seen := map[domain.Status]bool{from: true}
	queue := []domain.Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range g.edges[cur] {
			if n == to {
				return true
			}
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}
