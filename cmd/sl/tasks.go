package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskGetCmd())
	cmd.AddCommand(taskProgressCmd())
	cmd.AddCommand(taskCorrectCmd())
	cmd.AddCommand(taskStatusCmd())
	cmd.AddCommand(taskDeleteCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var followUps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range followUps {
				f, err := parseFollowUp(raw)
				if err != nil {
					return err
				}
				opts.FollowUps = append(opts.FollowUps, f)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().Float64Var(&opts.AllocatedHours, "hours", 0, "allocated hours")
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&opts.ScheduledDate, "date", "", "scheduled date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "task ids this task depends on")
	cmd.Flags().StringArrayVar(&followUps, "follow-up", nil, "task created on completion, as name[:hours[:agent]] (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("hours")
	return cmd
}

// parseFollowUp reads name[:hours[:agent]]. Omitted hours and agent take the
// engine defaults.
func parseFollowUp(raw string) (domain.FollowUp, error) {
	parts := strings.SplitN(raw, ":", 3)
	f := domain.FollowUp{Name: strings.TrimSpace(parts[0])}
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		h, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return domain.FollowUp{}, fmt.Errorf("follow-up %q: hours: %w", raw, err)
		}
		f.Hours = h
	}
	if len(parts) > 2 {
		f.AgentID = strings.TrimSpace(parts[2])
	}
	return f, nil
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrText(tasks, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Name", "Status", "Agent", "Date", "Hours"})
					for _, t := range tasks {
						tw.AppendRow(table.Row{t.ID, t.Name, t.Status, t.AgentID, t.ScheduledDate,
							hours(t.CompletedHours) + "/" + hours(t.AllocatedHours)})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().StringVar(&f.Date, "date", "", "scheduled date filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <task-id> <delta-hours>",
		Short: "Report hours worked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("delta-hours: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateProgress(ctx, args[0], delta)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskCorrectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "correct <task-id> <completed-hours>",
		Short: "Overwrite completed hours",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("completed-hours: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CorrectProgress(ctx, args[0], h)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <pending|in_progress|blocked|completed>",
		Short: "Set task status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetStatus(ctx, args[0], domain.TaskStatus(args[1]))
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTask(ctx, args[0], force); err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"task_id": args[0], "deleted": true}, func() {
					fmt.Printf("Deleted task %s\n", args[0])
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "detach from active stories first")
	return cmd
}

func printTask(t domain.Task) error {
	return printJSONOrText(t, func() {
		fmt.Printf("Task %s: %s\n", t.ID, t.Name)
		fmt.Printf("  status:  %s\n", t.Status)
		fmt.Printf("  hours:   %s of %s\n", hours(t.CompletedHours), hours(t.AllocatedHours))
		if t.AgentID != "" {
			fmt.Printf("  agent:   %s\n", t.AgentID)
		}
		if t.ScheduledDate != "" {
			fmt.Printf("  date:    %s\n", t.ScheduledDate)
		}
	})
}
