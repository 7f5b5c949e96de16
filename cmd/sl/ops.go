package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/mcptools"
	"storyline/internal/repo"
	"storyline/internal/server"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default storyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Keeping existing %s\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Database ready at %s\n", db.Path(a.Workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing storyline.yml")
	return cmd
}

func capacityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "capacity", Short: "Check agent capacity and find schedule slots"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <agent-id> <date> <hours>",
		Short: "Check whether hours fit on an agent's day",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("hours: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CheckCapacity(ctx, args[0], args[1], h)
				if err != nil {
					return err
				}
				return printJSONOrText(c, func() {
					verdict := "fits"
					if !c.OK {
						verdict = "does not fit"
					}
					fmt.Printf("%sh on %s for %s %s: %s of %s allocated, %s remaining\n",
						hours(h), args[1], args[0], verdict, hours(c.AllocatedHours), hours(c.CeilingHours), hours(c.RemainingHours))
				})
			})
		},
	})
	cmd.AddCommand(capacitySuggestCmd())
	cmd.AddCommand(capacityPickCmd())
	cmd.AddCommand(workloadCmd())
	return cmd
}

func capacitySuggestCmd() *cobra.Command {
	var earliest string
	cmd := &cobra.Command{
		Use:   "suggest <agent-id> <hours>",
		Short: "Earliest day the agent can take the hours",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("hours: %w", err)
			}
			from, err := parseEarliest(earliest)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				date, err := e.SuggestSchedule(ctx, args[0], h, from)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"agent_id": args[0], "date": date}, func() {
					fmt.Println(date)
				})
			})
		},
	}
	cmd.Flags().StringVar(&earliest, "earliest", "", "first day to consider (YYYY-MM-DD, default today)")
	return cmd
}

func capacityPickCmd() *cobra.Command {
	var earliest string
	var candidates []string
	cmd := &cobra.Command{
		Use:   "pick <hours>",
		Short: "Pick the candidate agent with the earliest free slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("hours: %w", err)
			}
			from, err := parseEarliest(earliest)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agent, date, err := e.PickAgent(ctx, candidates, h, from)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"agent_id": agent, "date": date}, func() {
					fmt.Printf("%s on %s\n", agent, date)
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&candidates, "candidates", nil, "agent ids (default: configured agent pool)")
	cmd.Flags().StringVar(&earliest, "earliest", "", "first day to consider (YYYY-MM-DD, default today)")
	return cmd
}

func workloadCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Allocated hours per agent for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Workload(ctx, date)
				if err != nil {
					return err
				}
				return printJSONOrText(items, func() { printWorkload(items) })
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to report (YYYY-MM-DD, default today)")
	return cmd
}

func parseEarliest(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return domain.ParseDate(s)
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Overview of projects, stories, tasks and today's workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetStatus(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrText(st, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Project", "Workflow", "State", "Done", "Stories"})
					for _, p := range st.Projects {
						tw.AppendRow(table.Row{p.ID + " " + p.Name, p.WorkflowType, p.State, hours(p.CompletionPercentage) + "%", formatCounts(p.StoriesByState)})
					}
					tw.Render()
					fmt.Printf("Tasks: %s (%d%% of %d completed)\n", formatCounts(st.TasksByStatus), st.CompletionRate, st.TotalTasks)
					fmt.Printf("Hours: %s of %s completed (%d%%)\n", hours(st.HoursCompleted), hours(st.HoursAllocated), st.ProgressPercentage)
					fmt.Printf("Capacity used today: %d%%\n", st.CapacityUsage)
					if len(st.Workload) > 0 {
						printWorkload(st.Workload)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "limit to one project")
	return cmd
}

func exportCmd() *cobra.Command {
	var withEvents bool
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export projects, stories and tasks as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Export(ctx, withEvents)
				if err != nil {
					return err
				}
				if out == "" {
					return printJSON(snap)
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				enc := jsonEncoder(f)
				if err := enc.Encode(snap); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Exported %d projects, %d stories, %d tasks to %s\n",
					len(snap.Projects), len(snap.Stories), len(snap.Tasks), out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the event log")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrText(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
					for _, ev := range items {
						tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID, ev.Payload})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().Int64Var(&f.After, "after", 0, "only events after this id")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noMonitor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background monitor",
		Long:  "Serves the API under --base-path. Set STORYLINE_JWT_SECRET to require bearer tokens; without it the X-Actor-Id header names the caller.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: os.Getenv("STORYLINE_JWT_SECRET")},
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			if !noMonitor {
				g.Go(func() error { return a.Monitor(nil).Run(gctx) })
			}
			g.Go(func() error {
				a.Logger.Info("serving", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Printf("Serving Storyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from storyline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not run reminders and staleness checks")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool surface over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			return mcptools.ServeStdio(a.Engine, a.Logger)
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with STORYLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("STORYLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("STORYLINE_JWT_SECRET is required to sign tokens")
			}
			tok, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printWorkload(items []domain.CapacityWindow) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Agent", "Date", "Allocated", "Max"})
	for _, w := range items {
		tw.AppendRow(table.Row{w.AgentID, w.Date, hours(w.AllocatedHours), hours(w.MaxHours)})
	}
	tw.Render()
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k + "=" + strconv.Itoa(m[k])
	}
	return out
}
