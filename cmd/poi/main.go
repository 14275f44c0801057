package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"poiledger/internal/app"
	"poiledger/internal/config"
	"poiledger/internal/db"
	"poiledger/internal/domain"
	"poiledger/internal/engine"
	"poiledger/internal/metrics"
	"poiledger/internal/notify"
	"poiledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "poi",
	Short: "Geospatial POI registry",
	Long: `poi manages a registry of points of interest: incidents, construction sites,
fuel stations, licensing requests, maintenance orders and more.
- Every change is an immutable update on the POI's timeline.
- Writes carry the version they were based on; stale writes are rejected.
- Observable POIs (ATMs, fuel stations) derive their status from recent reports.
- Licensing requests move through department approval workflows from registry.yml.
- Maintenance orders consume inventory atomically with each edit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("dsn") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("POI")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("driver", "sqlite", "database driver (sqlite or postgres)")
	flags.String("dsn", "", "database DSN (defaults to the workspace sqlite file)")
	flags.String("config", "", "registry config path (defaults to <workspace>/registry.yml)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "driver", "dsn", "config", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(poiCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(inventoryCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(membersCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		Driver:     viper.GetString("driver"),
		DSN:        viper.GetString("dsn"),
		ConfigPath: viper.GetString("config"),
		Logger:     newLogger(),
	}
}

func withRuntime(ctx context.Context, opts app.Options, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, runtimeOptions(), func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage registry.yml"}
	var name string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default registry.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if name == "" {
				name = "registry"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&name, "name", "", "registry name")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cfgCmd.AddCommand(initCmd, showCmd)
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var departments, roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the current actor (uses POI_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), actorID(), departments, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&departments, "department", nil, "department claim (repeatable)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				fmt.Fprintln(os.Stderr, "POI_JWT_SECRET not set: bearer tokens are rejected, use API keys")
			}
			prom := metrics.NewPrometheus()
			opts := runtimeOptions()
			opts.Metrics = prom
			return withRuntime(cmd.Context(), opts, func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(server.Config{
					Engine:    rt.Engine,
					Directory: rt.Directory,
					BasePath:  basePath,
					Auth:      server.AuthConfig{JWTSecret: secret, AllowDevHeaders: devHeaders, APIKeys: rt.Engine.Repo, Logger: rt.Logger},
					Metrics:   prom,
				})
				if err != nil {
					return err
				}
				unsubscribe := rt.Bus.Subscribe(nil, func(ctx context.Context, evt domain.Event) {
					rt.Logger.Debug("event", "id", evt.ID, "type", evt.Type, "entity", evt.EntityID)
				})
				defer unsubscribe()
				if d := notify.NewDispatcher(rt.Engine.Repo, rt.Config.Webhooks, rt.Logger); d != nil {
					go d.Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving", "addr", addr, "base_path", basePath, "dev_headers", devHeaders)
				fmt.Printf("Serving POI registry on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devHeaders, "dev-headers", false, "accept X-Actor-* headers without a token")
	return cmd
}

func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
