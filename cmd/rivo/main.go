package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rivo/internal/config"
	"rivo/internal/db"
	"rivo/internal/domain"
	"rivo/internal/engine"
	"rivo/internal/migrate"
	"rivo/internal/repo"
	"rivo/internal/review"
	"rivo/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rivo",
	Short: "Rivo pipeline CLI",
	Long: `Rivo moves sales records through drafting stages with human review.
- Records: leads, deals, contracts and invoices, each with a strict status chain.
- Stages: sdr, proposal, contract and dunning draft outreach for eligible records.
- Reviews: every draft waits for an approval or rejection before the record moves.
- Runs: each stage invocation is tracked with retries and a dead-letter path.
- Event log: every run boundary and decision is audited, view with 'rivo log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RIVO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialise a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialised workspace: %s and %s\n", path, db.Path(workspace))
			return nil
		},
	}
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Manage pipeline records"}
	rec.AddCommand(recordAddCmd())
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordShowCmd())
	return rec
}

func recordAddCmd() *cobra.Command {
	var kind, status, tenant, payload string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind is required")
			}
			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.AddRecord(ctx, kind, status, tenant, payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "record kind (lead, deal, contract, invoice)")
	cmd.Flags().StringVar(&status, "status", "", "initial status (defaults per kind)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON")
	return cmd
}

func recordListCmd() *cobra.Command {
	var f repo.RecordFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.Repo.ListRecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Tenant", "Updated"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.ID, r.Kind, r.Status, r.TenantID, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TenantID, "tenant", "", "tenant filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func recordShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show a record with its runs and drafts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Repo.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{RecordID: rec.ID})
				if err != nil {
					return err
				}
				artifacts, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{RecordID: rec.ID})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"record":    rec,
					"runs":      runs,
					"artifacts": artifacts,
				})
			})
		},
	}
	return cmd
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Run the pipeline"}
	var stageName, tenant string
	run := &cobra.Command{
		Use:   "run",
		Short: "Sweep eligible records through the stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if stageName != "" {
					summary, err := e.RunStage(ctx, stageName, tenant)
					if err != nil {
						return err
					}
					return printJSONOrTable(summary)
				}
				summaries, err := e.RunAll(ctx, tenant)
				if err != nil {
					return err
				}
				return printJSONOrTable(summaries)
			})
		},
	}
	run.Flags().StringVar(&stageName, "stage", "", "sweep only this stage")
	run.Flags().StringVar(&tenant, "tenant", "", "sweep only this tenant")
	p.AddCommand(run)
	return p
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{Use: "review", Short: "Review draft artifacts"}
	rev.AddCommand(reviewListCmd())
	rev.AddCommand(reviewDecisionCmd("approve", domain.DecisionApproved))
	rev.AddCommand(reviewDecisionCmd("reject", domain.DecisionRejected))
	rev.AddCommand(reviewShowCmd())
	return rev
}

func reviewListCmd() *cobra.Command {
	var f repo.ArtifactFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List draft artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				artifacts, err := e.Repo.ListArtifacts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(artifacts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Record", "Stage", "Routing", "Review", "Confidence"})
				for _, a := range artifacts {
					tw.AppendRow(table.Row{a.ID, a.RecordID, a.Stage, a.Routing, a.ReviewStatus, fmt.Sprintf("%.2f", a.Confidence)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.ReviewStatus, "status", "pending", "review status filter")
	cmd.Flags().StringVar(&f.RecordID, "record", "", "record filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func reviewShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <artifact-id>",
		Short: "Show a draft artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				artifact, err := e.Repo.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(artifact)
			})
		},
	}
}

func reviewDecisionCmd(use, decision string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <artifact-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a draft artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			if actor == review.SystemActor {
				return fmt.Errorf("actor %q is reserved for auto-approval", review.SystemActor)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var reasonPtr *string
				if reason != "" {
					reasonPtr = &reason
				}
				d, err := e.Reviews.RecordDecision(ctx, args[0], decision, actor, reasonPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decision reason")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect stage runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsRetryCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stage runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Record", "Stage", "Status", "Attempt", "Enqueued"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.RecordID, r.Stage, r.Status, r.Attempt, r.EnqueuedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RecordID, "record", "", "record filter")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a stage run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func runsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Redispatch a dead-lettered run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Dispatcher.Redispatch(ctx, args[0])
				if err != nil {
					return err
				}
				if err := e.Dispatcher.Drain(ctx); err != nil {
					return err
				}
				run, err = e.Repo.GetRun(ctx, run.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Pipeline diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.Health(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, repo.EventFilters{
					Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, engine.DraftClient(cfg), newLogger())
			if err := e.StartWorkers(cmd.Context()); err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), e)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Rivo API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, engine.DraftClient(cfg), newLogger())
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
