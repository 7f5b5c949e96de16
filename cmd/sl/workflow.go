package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAdvanceCmd())
	prj.AddCommand(projectRollbackCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	var workflow string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkflowType = domain.WorkflowType(workflow)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&workflow, "workflow", string(domain.WorkflowFull), "full, planning_only or development_only")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Name", "Workflow", "State", "Stories"})
					for _, p := range items {
						tw.AppendRow(table.Row{p.ID, p.Name, p.WorkflowType, p.State, len(p.StoryIDs)})
					}
					tw.Render()
				})
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

func projectAdvanceCmd() *cobra.Command {
	var expected string
	cmd := &cobra.Command{
		Use:   "advance <project-id>",
		Short: "Advance project one state",
		Long:  "Advances the project if it is still in --expected. Entering a planning state dispatches its action to the routed agent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AdvanceProject(ctx, args[0], domain.ProjectState(expected))
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringVar(&expected, "expected", "", "state the project is expected to be in")
	_ = cmd.MarkFlagRequired("expected")
	return cmd
}

func projectRollbackCmd() *cobra.Command {
	var to, reason string
	cmd := &cobra.Command{
		Use:   "rollback <project-id>",
		Short: "Record a rollback request",
		Long:  "Projects never move backward; this records the request in the audit log.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RequestProjectRollback(ctx, args[0], domain.ProjectState(to), reason); err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"project_id": args[0], "to_state": to, "recorded": true}, func() {
					fmt.Printf("Recorded rollback request for %s to %s\n", args[0], to)
				})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().StringVar(&reason, "reason", "", "why the rollback is needed")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func storyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "story", Short: "Manage stories"}
	cmd.AddCommand(storyCreateCmd())
	cmd.AddCommand(storyListCmd())
	cmd.AddCommand(storyShowCmd())
	cmd.AddCommand(storyAdvanceCmd())
	cmd.AddCommand(storyAttachCmd())
	return cmd
}

func storyCreateCmd() *cobra.Command {
	var opts engine.StoryCreateOptions
	var descFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create story",
		Long:  "Acceptance criteria are parsed from the description unless --criteria is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if descFile != "" {
				data, err := os.ReadFile(descFile)
				if err != nil {
					return err
				}
				opts.Description = string(data)
			}
			if !cmd.Flags().Changed("criteria") {
				opts.AcceptanceCriteria = nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStory(ctx, opts)
				if err != nil {
					return err
				}
				return printStory(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "story id (generated when empty)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "story title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "story description")
	cmd.Flags().StringVar(&descFile, "description-file", "", "read the description from a file")
	cmd.Flags().StringArrayVar(&opts.AcceptanceCriteria, "criteria", nil, "acceptance criterion (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func storyListCmd() *cobra.Command {
	var f repo.StoryFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStories(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrText(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Project", "Title", "State", "Tasks", "Last gate"})
					for _, s := range items {
						last := ""
						if n := len(s.GateHistory); n > 0 {
							g := s.GateHistory[n-1]
							last = string(g.GateType) + " " + string(g.Verdict)
						}
						tw.AppendRow(table.Row{s.ID, s.ProjectID, s.Title, s.State, len(s.TaskIDs), last})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	return cmd
}

func storyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <story-id>",
		Short: "Show story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStory(ctx, args[0])
				if err != nil {
					return err
				}
				return printStory(s)
			})
		},
	}
}

func storyAdvanceCmd() *cobra.Command {
	var expected string
	cmd := &cobra.Command{
		Use:   "advance <story-id>",
		Short: "Advance story one state",
		Long:  "Advances the story if it is still in --expected, running the gate attached to the target state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AdvanceStory(ctx, args[0], domain.StoryState(expected))
				if err != nil {
					return err
				}
				return printStory(s)
			})
		},
	}
	cmd.Flags().StringVar(&expected, "expected", "", "state the story is expected to be in")
	_ = cmd.MarkFlagRequired("expected")
	return cmd
}

func storyAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <story-id> <task-id>",
		Short: "Attach task to story",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AttachTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printStory(s)
			})
		},
	}
}

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gate", Short: "Run and inspect quality gates"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <story-id> <risk|design|trace|nfr|review|gate>",
		Short: "Run a gate on a story",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.RunGate(ctx, args[0], domain.GateType(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrText(g, func() { printGates([]domain.GateResult{g}) })
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <story-id>",
		Short: "Gate history of a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(s.GateHistory, func() { printGates(s.GateHistory) })
			})
		},
	})
	return cmd
}

func printProject(p domain.Project) error {
	return printJSONOrText(p, func() {
		fmt.Printf("Project %s: %s\n", p.ID, p.Name)
		fmt.Printf("  workflow: %s\n", p.WorkflowType)
		fmt.Printf("  state:    %s\n", p.State)
		fmt.Printf("  stories:  %d\n", len(p.StoryIDs))
		for _, a := range p.Artifacts {
			fmt.Printf("  artifact: %s by %s at %s\n", a.Action, a.AgentID, a.ProducedAt)
		}
	})
}

func printStory(s domain.Story) error {
	return printJSONOrText(s, func() {
		fmt.Printf("Story %s: %s\n", s.ID, s.Title)
		fmt.Printf("  project: %s\n", s.ProjectID)
		fmt.Printf("  state:   %s\n", s.State)
		if len(s.TaskIDs) > 0 {
			fmt.Printf("  tasks:   %s\n", strings.Join(s.TaskIDs, ", "))
		}
		for _, ac := range s.AcceptanceCriteria {
			fmt.Printf("  - %s\n", ac)
		}
		if len(s.GateHistory) > 0 {
			printGates(s.GateHistory)
		}
	})
}

func printGates(items []domain.GateResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "Gate", "Verdict", "Score", "Produced", "Findings"})
	for _, g := range items {
		tw.AppendRow(table.Row{g.Seq, g.GateType, g.Verdict, hours(g.Score), g.ProducedAt, strings.Join(g.Findings, "; ")})
	}
	tw.Render()
}
