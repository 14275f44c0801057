package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"poiledger/internal/app"
	"poiledger/internal/archive"
	"poiledger/internal/domain"
	"poiledger/internal/engine"
	"poiledger/internal/inventory"
	"poiledger/internal/repo"
)

func inventoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "inventory", Short: "Manage spare parts stock"}
	cmd.AddCommand(inventoryCreateCmd())
	cmd.AddCommand(inventoryListCmd())
	cmd.AddCommand(inventoryRestockCmd())
	cmd.AddCommand(inventoryMovementsCmd())
	return cmd
}

func inventoryCreateCmd() *cobra.Command {
	var id, name, unitCost string
	var stock int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an inventory item",
		RunE: func(cmd *cobra.Command, args []string) error {
			cost := decimal.Zero
			if unitCost != "" {
				var err error
				if cost, err = decimal.NewFromString(unitCost); err != nil {
					return fmt.Errorf("--unit-cost: %w", err)
				}
			}
			item := domain.InventoryItem{ID: id, Name: name, Stock: stock, UnitCost: cost}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateItem(ctx, item, actorID())
				if err != nil {
					return err
				}
				return printItems([]domain.InventoryItem{created})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id")
	cmd.Flags().StringVar(&name, "name", "", "item name")
	cmd.Flags().Int64Var(&stock, "stock", 0, "initial stock")
	cmd.Flags().StringVar(&unitCost, "unit-cost", "", "unit cost")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func inventoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List inventory items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListItems(ctx)
				if err != nil {
					return err
				}
				return printItems(items)
			})
		},
	}
}

func inventoryRestockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restock <item-id> <quantity>",
		Short: "Add units to an item's stock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var qty int64
			if _, err := fmt.Sscan(args[1], &qty); err != nil {
				return fmt.Errorf("quantity: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.Restock(ctx, args[0], qty, actorID())
				if err != nil {
					return err
				}
				return printItems([]domain.InventoryItem{item})
			})
		},
	}
}

func inventoryMovementsCmd() *cobra.Command {
	var f inventory.MovementFilters
	cmd := &cobra.Command{
		Use:   "movements",
		Short: "Show stock movements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Movements(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.ID, m.TS, m.ItemID, m.Delta, m.Reason, m.OrderID, m.ActorID})
				}
				return printJSONOrTable(items, table.Row{"ID", "Time", "Item", "Delta", "Reason", "Order", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.ItemID, "item", "", "item filter")
	cmd.Flags().StringVar(&f.OrderID, "order", "", "maintenance order filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func printItems(items []domain.InventoryItem) error {
	rows := make([]table.Row, 0, len(items))
	for _, it := range items {
		rows = append(rows, table.Row{it.ID, it.Name, it.Stock, it.UnitCost.StringFixed(2), it.Version})
	}
	return printJSONOrTable(items, table.Row{"ID", "Name", "Stock", "Unit cost", "Version"}, rows)
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, evt := range items {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID})
				}
				return printJSONOrTable(items, table.Row{"ID", "Time", "Type", "Entity", "Entity ID", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().Int64Var(&f.Cursor, "before", 0, "only events older than this id")
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "archive", Short: "Export, import and verify registry archives"}

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every POI and its timeline to a compressed archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := archive.Export(ctx, e, f)
				if err != nil {
					return err
				}
				if err := f.Sync(); err != nil {
					return err
				}
				return printStats(out, stats)
			})
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "registry.poa", "archive path")

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load an archive into an empty registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := archive.Import(ctx, e, f)
				if err != nil {
					return err
				}
				return printStats(args[0], stats)
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify <file>",
		Short: "Check an archive's timelines against its recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			report, err := archive.Verify(f)
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(report.Issues))
			for _, is := range report.Issues {
				rows = append(rows, table.Row{is.POIID, is.Check, is.Detail})
			}
			if err := printJSONOrTable(report, table.Row{"POI", "Check", "Detail"}, rows); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d issue(s) in %d POIs", len(report.Issues), report.Stats.POIs)
			}
			return nil
		},
	}

	cmd.AddCommand(export, importCmd, verify)
	return cmd
}

func printStats(path string, stats archive.Stats) error {
	return printJSONOrTable(stats, table.Row{"Archive", "POIs", "Updates"}, []table.Row{{path, stats.POIs, stats.Updates}})
}

func membersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "members", Short: "Manage department memberships"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <actor-id> <department>",
		Short: "Add an actor to a department",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Directory.AddMember(ctx, args[0], args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <actor-id> <department>",
		Short: "Remove an actor from a department",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Directory.RemoveMember(ctx, args[0], args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <actor-id>",
		Short: "Show an actor's departments and roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions(), func(ctx context.Context, rt *app.Runtime) error {
				actor, err := rt.Directory.Actor(ctx, args[0], nil, nil)
				if err != nil {
					return err
				}
				rows := []table.Row{{"departments", fmt.Sprint(actor.Departments)}, {"roles", fmt.Sprint(actor.Roles)}}
				return printJSONOrTable(actor, table.Row{"Field", "Value"}, rows)
			})
		},
	})
	return cmd
}

func rolesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "roles", Short: "Manage actor roles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <actor-id> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Directory.GrantRole(ctx, args[0], args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <actor-id> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), runtimeOptions(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Directory.RevokeRole(ctx, args[0], args[1])
			})
		},
	})
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys for the HTTP server"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue an API key (the secret is shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret, key, err := repo.NewAPIKey(args[0], name, time.Now())
				if err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := struct {
					domain.APIKey
					Secret string `json:"secret"`
				}{key, secret}
				return printJSONOrTable(out, table.Row{"ID", "Actor", "Name", "Secret"}, []table.Row{{key.ID, key.ActorID, key.Name, secret}})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")

	var actor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printJSONOrTable(keys, table.Row{"ID", "Actor", "Name", "Created"}, rows)
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "actor filter")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}
