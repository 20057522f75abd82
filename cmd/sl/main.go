package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"specline/internal/app"
	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/fetch"
	"specline/internal/llm"
	"specline/internal/migrate"
	"specline/internal/repo"
	"specline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Specline CLI",
	Long: `Specline turns product conversations into tracked requirements.
- Workspace: your .specline directory holding only the database; configs live in the DB.
- Analyze: 'sl analyze -m "..."' fetches any linked page, runs the model cascade,
  and extracts a requirement with its use cases.
- Requirements: accepted units of analysis; content edits bump the version.
- Use cases: draft -> pending_review -> approved/rejected -> assigned -> in_development -> completed.
- Approval hands off to the architect role automatically when one is granted.
- Deliverables: 'sl requirement deliverables' breaks a requirement into epic/story/task items.
- Event log: diary of every change, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("SPECLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(requirementCmd())
	rootCmd.AddCommand(usecaseCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Project configuration"}

	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default specline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "default"
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file into the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.UpsertProjectConfig(ctx, c.Project.ID, c)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "YAML config file")
	_ = importCmd.MarkFlagRequired("file")
	cfg.AddCommand(importCmd)

	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	})

	return cfg
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Description", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.Description, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg, nil, nil)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
}

// --- analyze ---

func analyzeCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Extract a requirement and use cases from a message (URLs are fetched)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" && len(args) > 0 {
				message = strings.Join(args, " ")
			}
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("--message required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.AnalyzeMessage(ctx, e.Config.Project.ID, message, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.ResponseText)
				if res.RequirementID != "" {
					fmt.Printf("requirement: %s\n", res.RequirementID)
				}
				for _, id := range res.UseCaseIDs {
					fmt.Printf("use case: %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to analyze")
	return cmd
}

// --- requirement ---

func requirementCmd() *cobra.Command {
	req := &cobra.Command{Use: "requirement", Short: "Manage requirements"}
	req.AddCommand(requirementListCmd())
	req.AddCommand(requirementShowCmd())
	req.AddCommand(requirementAcceptCmd())
	req.AddCommand(requirementUpdateCmd())
	req.AddCommand(requirementDeliverablesCmd())
	return req
}

func requirementListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListRequirements(ctx, repo.RequirementFilters{
					ProjectID: e.Config.Project.ID,
					Status:    status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Version", "Source"})
				for _, r := range items {
					source := ""
					if r.SourceURL != nil {
						source = *r.SourceURL
					}
					tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Version, source})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func requirementShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				r, err := e.Repo.GetRequirement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(r)
			})
		},
	}
}

func requirementAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a requirement (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				r, err := e.AcceptRequirement(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(r)
			})
		},
	}
}

func requirementUpdateCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace requirement content (bumps version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				r, err := e.UpdateRequirementContent(ctx, args[0], content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(r)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "new content")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func requirementDeliverablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliverables <id>",
		Short: "Generate deliverables for a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.GenerateDeliverables(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Fallback {
					fmt.Println("model breakdown unavailable; generated the standard set")
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Priority", "Points"})
				for _, d := range res.Deliverables {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Type, d.Priority, d.StoryPoints})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- use case ---

func usecaseCmd() *cobra.Command {
	uc := &cobra.Command{Use: "usecase", Short: "Manage use cases"}
	uc.AddCommand(usecaseListCmd())
	uc.AddCommand(usecaseShowCmd())
	uc.AddCommand(usecaseCreateCmd())
	uc.AddCommand(usecaseSubmitCmd())
	uc.AddCommand(usecaseApproveCmd())
	uc.AddCommand(usecaseRejectCmd())
	uc.AddCommand(usecaseAssignCmd())
	uc.AddCommand(usecaseStartCmd())
	uc.AddCommand(usecaseCompleteCmd())
	return uc
}

func usecaseListCmd() *cobra.Command {
	var status, requirementID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List use cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListUseCases(ctx, repo.UseCaseFilters{
					ProjectID:     e.Config.Project.ID,
					RequirementID: requirementID,
					Status:        status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assigned"})
				for _, u := range items {
					assigned := ""
					if u.AssignedTo != nil {
						assigned = *u.AssignedTo
					}
					tw.AppendRow(table.Row{u.ID, u.Title, u.Status, u.Priority, assigned})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&requirementID, "requirement", "", "requirement id filter")
	return cmd
}

func usecaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a use case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.Repo.GetUseCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
}

func usecaseCreateCmd() *cobra.Command {
	var title, description, requirementID, priority string
	var actors []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create use case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.CreateUseCase(ctx, engine.UseCaseCreateOptions{
					ProjectID:     e.Config.Project.ID,
					RequirementID: requirementID,
					Title:         title,
					Description:   description,
					Actors:        actors,
					Priority:      priority,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&requirementID, "requirement", "", "parent requirement id")
	cmd.Flags().StringVar(&priority, "priority", "", "low|medium|high|critical")
	cmd.Flags().StringSliceVar(&actors, "actor", nil, "actor (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func usecaseTransitionCmd(use, short string, apply func(ctx context.Context, e *engine.Engine, id string) (domain.UseCase, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := apply(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
}

func usecaseSubmitCmd() *cobra.Command {
	return usecaseTransitionCmd("submit", "Submit a draft for review", func(ctx context.Context, e *engine.Engine, id string) (domain.UseCase, error) {
		return e.SubmitUseCase(ctx, id, viper.GetString("actor-id"))
	})
}

func usecaseApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a use case under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, assignment, err := e.ApproveUseCase(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if assignment != nil {
					fmt.Printf("handed off to %s (assignment %s, due %s)\n", assignment.ToRole, assignment.ID, deref(assignment.DueDate))
				}
				return printJSONOrIndent(u)
			})
		},
	}
}

func usecaseRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a use case under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.RejectUseCase(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func usecaseAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign an approved use case to an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.AssignUseCase(ctx, args[0], assignee, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee actor id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func usecaseStartCmd() *cobra.Command {
	return usecaseTransitionCmd("start", "Start development", func(ctx context.Context, e *engine.Engine, id string) (domain.UseCase, error) {
		return e.StartUseCase(ctx, id, viper.GetString("actor-id"))
	})
}

func usecaseCompleteCmd() *cobra.Command {
	return usecaseTransitionCmd("complete", "Complete development", func(ctx context.Context, e *engine.Engine, id string) (domain.UseCase, error) {
		return e.CompleteUseCase(ctx, id, viper.GetString("actor-id"))
	})
}

// --- assignment ---

func assignmentCmd() *cobra.Command {
	a := &cobra.Command{Use: "assignment", Short: "Manage handoffs"}
	a.AddCommand(assignmentListCmd())
	a.AddCommand(assignmentCreateCmd())
	a.AddCommand(assignmentUpdateCmd())
	return a
}

func assignmentListCmd() *cobra.Command {
	var entityKind, entityID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
					ProjectID:  e.Config.Project.ID,
					EntityKind: entityKind,
					EntityID:   entityID,
					Status:     status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "To", "Due", "Status"})
				for _, a := range items {
					to := a.ToActor
					if to == "" {
						to = "role:" + a.ToRole
					}
					tw.AppendRow(table.Row{a.ID, a.EntityKind + "/" + a.EntityID, to, deref(a.DueDate), a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "requirement|use_case")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func assignmentCreateCmd() *cobra.Command {
	var entityKind, entityID, toRole, toActor, due, comments string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.CreateAssignment(ctx, engine.AssignmentCreateOptions{
					ProjectID:  e.Config.Project.ID,
					EntityKind: entityKind,
					EntityID:   entityID,
					ToRole:     toRole,
					ToActor:    toActor,
					DueDate:    due,
					Comments:   comments,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "requirement|use_case")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&toRole, "to-role", "", "target role")
	cmd.Flags().StringVar(&toActor, "to-actor", "", "target actor")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	_ = cmd.MarkFlagRequired("entity-kind")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func assignmentUpdateCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update assignment status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.SetAssignmentStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "accepted|completed|rejected")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// --- roles ---

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Workflow roles"}
	cmd.AddCommand(roleGrantCmd())
	cmd.AddCommand(roleRevokeCmd())
	return cmd
}

func roleGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Project.ID, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Project.ID, target, role, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: analyses, transitions, handoffs, and recoveries.",
	}
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
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- export ---

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the project as a markdown document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				doc, err := e.ExportDocument(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					fmt.Print(doc)
					return nil
				}
				return os.WriteFile(out, []byte(doc), 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, newModels(cfg), fetch.New(cfg))
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("SPECLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("SPECLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Specline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (local use only)")
	return cmd
}

// --- api keys ---

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nactor: %s\nkey: %s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- helpers ---

func newModels(cfg *config.Config) llm.Client {
	apiKey := os.Getenv("SPECLINE_OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return llm.FromCascadeModels(
		apiKey,
		cfg.Models.Cascade,
		cfg.Models.MaxTokens,
		time.Duration(cfg.AttemptTimeoutSecondsOrDefault())*time.Second,
		time.Duration(cfg.CascadeTimeoutSecondsOrDefault())*time.Second,
	)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, newModels(cfg), fetch.New(cfg))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrIndent(v any) error {
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
