package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"poiledger/internal/app"
	"poiledger/internal/domain"
	"poiledger/internal/engine"
	"poiledger/internal/ledger"
	"poiledger/internal/repo"
)

// mutationFlags are shared by every write on an existing POI.
type mutationFlags struct {
	expected int64
	retry    int
}

func (m *mutationFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&m.expected, "expected-version", 0, "version the change is based on (0 reads the current one)")
	cmd.Flags().IntVar(&m.retry, "retry", 0, "re-apply on version conflicts up to n times")
}

func (m mutationFlags) options() []engine.MutateOption {
	if m.retry <= 0 {
		return nil
	}
	return []engine.MutateOption{engine.WithRetry(m.retry)}
}

// reportFlags describe an observation.
type reportFlags struct {
	status        string
	note          string
	denominations []string
	fuels         []string
	queue         string
	attachment    string
	at            string
}

func (r *reportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.status, "reported-status", "", "status observed on site")
	cmd.Flags().StringVar(&r.note, "note", "", "free text note")
	cmd.Flags().StringSliceVar(&r.denominations, "denominations", nil, "available ATM denominations")
	cmd.Flags().StringSliceVar(&r.fuels, "fuels", nil, "available fuels")
	cmd.Flags().StringVar(&r.queue, "queue", "", "queue time (none, lt_15, 15_30, 30_60, gt_60)")
	cmd.Flags().StringVar(&r.attachment, "attachment", "", "attachment reference")
	cmd.Flags().StringVar(&r.at, "at", "", "observation time (RFC3339, defaults to now)")
}

func (r reportFlags) update(author string) (domain.Update, error) {
	u := domain.Update{
		Type:                   domain.UpdateReport,
		AuthorID:               author,
		Note:                   r.note,
		ReportedStatus:         domain.Status(r.status),
		AvailableDenominations: r.denominations,
		AvailableFuels:         r.fuels,
		QueueTime:              domain.QueueTime(r.queue),
		AttachmentRef:          r.attachment,
	}
	if r.at != "" {
		ts, err := time.Parse(time.RFC3339, r.at)
		if err != nil {
			return domain.Update{}, fmt.Errorf("--at: %w", err)
		}
		u.Timestamp = ts
	}
	return u, nil
}

func poiCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "poi", Short: "Manage points of interest"}
	cmd.AddCommand(poiCreateCmd())
	cmd.AddCommand(poiGetCmd())
	cmd.AddCommand(poiListCmd())
	cmd.AddCommand(poiReportCmd())
	cmd.AddCommand(poiStatusCmd())
	cmd.AddCommand(poiPriorityCmd())
	cmd.AddCommand(poiDerivedCmd())
	cmd.AddCommand(poiUpdatesCmd())
	return cmd
}

func poiCreateCmd() *cobra.Command {
	var id, kind, status, priority, details, polygon, polyline string
	var lat, lon float64
	var report reportFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a POI",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := domain.Kind(kind)
			if !k.Valid() {
				return fmt.Errorf("--kind %q is not a known kind", kind)
			}
			opts := engine.CreateOptions{
				ID:       id,
				Kind:     k,
				Position: domain.Position{Lat: lat, Lon: lon},
				Status:   domain.Status(status),
				Priority: domain.Priority(priority),
				AuthorID: actorID(),
			}
			var err error
			if opts.Polygon, err = parsePositions(polygon); err != nil {
				return fmt.Errorf("--polygon: %w", err)
			}
			if opts.Polyline, err = parsePositions(polyline); err != nil {
				return fmt.Errorf("--polyline: %w", err)
			}
			if details != "" {
				if opts.Details, err = domain.DecodeDetails(k, []byte(details)); err != nil {
					return err
				}
			}
			if opts.Update, err = report.update(actorID()); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePOI(ctx, opts)
				if err != nil {
					return err
				}
				return printPOI(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "POI id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "", "POI kind")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().StringVar(&polygon, "polygon", "", "area outline as lat,lon;lat,lon;...")
	cmd.Flags().StringVar(&polyline, "polyline", "", "line as lat,lon;lat,lon;...")
	cmd.Flags().StringVar(&status, "status", "", "initial status (defaults per kind)")
	cmd.Flags().StringVar(&priority, "priority", "", "manual priority override")
	cmd.Flags().StringVar(&details, "details", "", "kind-specific details as JSON")
	report.register(cmd)
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func poiGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a POI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printPOI(p)
			})
		},
	}
}

func poiListCmd() *cobra.Command {
	var f repo.POIFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List POIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Kind, p.Status, p.Priority, p.Version, p.AuthorID, p.UpdatedAt})
				}
				return printJSONOrTable(items, table.Row{"ID", "Kind", "Status", "Priority", "Version", "Author", "Updated"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AuthorID, "author", "", "author filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func poiReportCmd() *cobra.Command {
	var m mutationFlags
	var report reportFlags
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Append an observation to a POI's timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := report.update(actorID())
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ApplyMutation(ctx, args[0], m.expected, engine.AppendUpdate{Update: u}, m.options()...)
				if err != nil {
					return err
				}
				return printPOI(p)
			})
		},
	}
	m.register(cmd)
	report.register(cmd)
	return cmd
}

func poiStatusCmd() *cobra.Command {
	var m mutationFlags
	var note string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Change a POI's lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ChangeStatus(ctx, args[0], m.expected, domain.Status(args[1]), actorID(), note, m.options()...)
				if err != nil {
					return err
				}
				return printPOI(p)
			})
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the change")
	return cmd
}

func poiPriorityCmd() *cobra.Command {
	var m mutationFlags
	cmd := &cobra.Command{
		Use:   "priority <id> <low|medium|high|auto>",
		Short: "Override or release an incident's priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority := domain.Priority(args[1])
			if args[1] == "auto" {
				priority = ""
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetPriority(ctx, args[0], m.expected, priority, actorID(), m.options()...)
				if err != nil {
					return err
				}
				return printPOI(p)
			})
		},
	}
	m.register(cmd)
	return cmd
}

func poiDerivedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "derived <id>",
		Short: "Show the state derived from a POI's timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDerivedState(ctx, args[0])
				if err != nil {
					return err
				}
				c := d.Consensus
				rows := []table.Row{
					{"status", d.Status},
					{"version", d.Version},
					{"reported", c.Reported},
					{"consensus status", c.Status},
					{"priority", c.Priority},
					{"reports", c.ReportCount},
					{"reporters", c.DistinctReporters},
					{"denominations", strings.Join(c.AvailableDenominations, ",")},
					{"fuels", strings.Join(c.AvailableFuels, ",")},
					{"queue", c.QueueTime},
				}
				if d.WorkflowOutcome != "" {
					rows = append(rows, table.Row{"workflow outcome", d.WorkflowOutcome})
				}
				if len(d.PartsConsumed) > 0 {
					rows = append(rows, table.Row{"parts", formatParts(d.PartsConsumed)})
				}
				return printJSONOrTable(d, table.Row{"Field", "Value"}, rows)
			})
		},
	}
}

func poiUpdatesCmd() *cobra.Command {
	var desc bool
	cmd := &cobra.Command{
		Use:   "updates <id>",
		Short: "Show a POI's timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order := ledger.Asc
			if desc {
				order = ledger.Desc
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Updates(ctx, args[0], order)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, u := range items {
					rows = append(rows, table.Row{u.Seq, u.Timestamp.Format(time.RFC3339), u.Type, u.AuthorID, u.ReportedStatus, u.Note})
				}
				return printJSONOrTable(items, table.Row{"Seq", "Time", "Type", "Author", "Status", "Note"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&desc, "desc", false, "newest first")
	return cmd
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Resolve licensing approval steps"}
	cmd.AddCommand(workflowResolveCmd())
	cmd.AddCommand(workflowReopenCmd())
	return cmd
}

func workflowResolveCmd() *cobra.Command {
	var m mutationFlags
	var reason string
	var departments, roles []string
	cmd := &cobra.Command{
		Use:   "resolve <poi-id> <step-id> <approved|rejected>",
		Short: "Approve or reject a workflow step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.Directory.Actor(ctx, actorID(), departments, roles)
				if err != nil {
					return err
				}
				p, err := rt.Engine.ResolveWorkflowStep(ctx, args[0], m.expected, args[1], domain.StepStatus(args[2]), actor, reason, m.options()...)
				if err != nil {
					return err
				}
				return printSteps(p)
			})
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason")
	cmd.Flags().StringSliceVar(&departments, "department", nil, "department asserted for this call")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role asserted for this call")
	return cmd
}

func workflowReopenCmd() *cobra.Command {
	var m mutationFlags
	var note string
	var roles []string
	cmd := &cobra.Command{
		Use:   "reopen <poi-id> <step-id>",
		Short: "Return a resolved step to pending",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.Directory.Actor(ctx, actorID(), nil, roles)
				if err != nil {
					return err
				}
				p, err := rt.Engine.ReopenWorkflowStep(ctx, args[0], m.expected, args[1], actor, note, m.options()...)
				if err != nil {
					return err
				}
				return printSteps(p)
			})
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the reopen")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role asserted for this call")
	return cmd
}

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "maintenance", Short: "Edit maintenance orders"}
	var m mutationFlags
	var parts []string
	var labor, partsCost, note string
	edit := &cobra.Command{
		Use:   "edit <order-id>",
		Short: "Replace the parts consumed by an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := parsePartUsage(parts)
			if err != nil {
				return err
			}
			change := engine.EditMaintenanceOrder{Parts: usage, ActorID: actorID(), Note: note}
			if labor != "" {
				v, err := decimal.NewFromString(labor)
				if err != nil {
					return fmt.Errorf("--labor-cost: %w", err)
				}
				change.LaborCost = &v
			}
			if partsCost != "" {
				v, err := decimal.NewFromString(partsCost)
				if err != nil {
					return fmt.Errorf("--parts-cost: %w", err)
				}
				change.PartsCost = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.EditMaintenanceOrder(ctx, args[0], m.expected, change, m.options()...)
				if err != nil {
					return err
				}
				return printPOI(p)
			})
		},
	}
	m.register(edit)
	edit.Flags().StringSliceVar(&parts, "part", nil, "part usage as item-id=quantity (repeatable; omit all to release every part)")
	edit.Flags().StringVar(&labor, "labor-cost", "", "labor cost")
	edit.Flags().StringVar(&partsCost, "parts-cost", "", "parts cost (priced from unit costs when empty)")
	edit.Flags().StringVar(&note, "note", "", "note recorded with the edit")
	cmd.AddCommand(edit)
	return cmd
}

func printPOI(p domain.POI) error {
	rows := []table.Row{
		{"id", p.ID},
		{"kind", p.Kind},
		{"status", p.Status},
		{"priority", priorityText(p)},
		{"version", p.Version},
		{"position", fmt.Sprintf("%.6f,%.6f", p.Position.Lat, p.Position.Lon)},
		{"author", p.AuthorID},
		{"updated", p.UpdatedAt},
	}
	if len(p.WorkflowSteps) > 0 {
		rows = append(rows, table.Row{"steps", len(p.WorkflowSteps)})
	}
	return printJSONOrTable(p, table.Row{"Field", "Value"}, rows)
}

func priorityText(p domain.POI) string {
	if p.Priority == "" {
		return ""
	}
	if p.PriorityManual {
		return string(p.Priority) + " (manual)"
	}
	return string(p.Priority)
}

func printSteps(p domain.POI) error {
	rows := make([]table.Row, 0, len(p.WorkflowSteps))
	for _, s := range p.WorkflowSteps {
		rows = append(rows, table.Row{s.Position, s.ID, s.Department, s.Required, s.Status, s.ResolvedBy, s.Reason})
	}
	return printJSONOrTable(p, table.Row{"#", "Step", "Department", "Required", "Status", "By", "Reason"}, rows)
}

func parsePositions(s string) ([]domain.Position, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []domain.Position
	for _, pair := range strings.Split(s, ";") {
		lat, lon, ok := strings.Cut(strings.TrimSpace(pair), ",")
		if !ok {
			return nil, fmt.Errorf("expected lat,lon got %q", pair)
		}
		la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
		if err != nil {
			return nil, err
		}
		lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Position{Lat: la, Lon: lo})
	}
	return out, nil
}

func parsePartUsage(items []string) ([]domain.PartUsage, error) {
	out := make([]domain.PartUsage, 0, len(items))
	for _, item := range items {
		id, qty, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("--part %q: expected item-id=quantity", item)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(qty), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("--part %q: %w", item, err)
		}
		out = append(out, domain.PartUsage{PartID: strings.TrimSpace(id), Quantity: n})
	}
	return out, nil
}

func formatParts(parts []domain.PartUsage) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, fmt.Sprintf("%s=%d", p.PartID, p.Quantity))
	}
	return strings.Join(out, ",")
}
