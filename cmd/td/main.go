package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskdesk/internal/app"
	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/filestore"
	"taskdesk/internal/repo"
	"taskdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "td",
	Short: "Taskdesk CLI",
	Long: `Taskdesk assigns tasks to developers and tracks them through review.
- Persons: developers, project managers, admins and HR, each with skills and a track record.
- Tasks: created with a zipped specification and assigned automatically to the best developer
  under the workload cap whose skills clear the match floor.
- Lifecycle: assigned -> in_progress -> submitted -> completed, or back to assigned on reject.
- Deliverables: developers submit a zip archive; resubmitting replaces the previous one.
Every command acts as --actor-id; the role always comes from the person store.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", app.BootstrapAdminID, "acting person id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(personCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(recommendCmd())
	rootCmd.AddCommand(projectTypesCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var adminName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and seed the first admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			wrote, err := config.WriteDefault(workspace)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Printf("wrote %s\n", config.Path(workspace))
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				p, created, err := env.Bootstrap(ctx, adminName)
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("seeded admin %s (%s)\n", p.ID, p.Name)
				} else {
					fmt.Println("persons already present; nothing seeded")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&adminName, "admin-name", "admin", "name of the bootstrap admin")
	return cmd
}

func personCmd() *cobra.Command {
	c := &cobra.Command{Use: "person", Short: "Manage personnel"}
	c.AddCommand(personCreateCmd())
	c.AddCommand(personListCmd())
	c.AddCommand(personShowCmd())
	c.AddCommand(personUpdateCmd())
	c.AddCommand(personDeleteCmd())
	return c
}

func personCreateCmd() *cobra.Command {
	var opts engine.CreatePersonOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a person",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				opts.Actor = actor
				p, err := e.CreatePerson(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "person id (generated from the role when omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.Role, "role", "developer", "developer, project_manager, admin or human_resource")
	cmd.Flags().StringSliceVar(&opts.Skills, "skills", nil, "skills (comma separated or repeated)")
	cmd.Flags().IntVar(&opts.Experience, "experience", 0, "years of experience")
	cmd.Flags().Float64Var(&opts.SuccessRate, "success-rate", 0, "historical success rate, 0-100")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func personListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				persons, err := e.ListPersons(ctx, actor, repo.PersonFilters{Role: domain.Role(role)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(persons)
				}
				counts, err := e.Repo.ActiveTaskCounts(ctx)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Skills", "Exp", "Done", "Success %", "Active"})
				for _, p := range persons {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Role, strings.Join(p.Skills, ", "), p.Experience, p.TasksCompleted, fmt.Sprintf("%.2f", p.SuccessRate), counts[p.ID]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func personShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				p, err := e.GetPerson(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func personUpdateCmd() *cobra.Command {
	var name, email, role string
	var skills []string
	var experience int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a person's profile (only the given flags change)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdatePersonOptions{ID: args[0]}
			flags := cmd.Flags()
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("email") {
				opts.Email = &email
			}
			if flags.Changed("role") {
				opts.Role = &role
			}
			if flags.Changed("skills") {
				opts.Skills = &skills
			}
			if flags.Changed("experience") {
				opts.Experience = &experience
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				opts.Actor = actor
				p, err := e.UpdatePerson(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address (empty clears it)")
	cmd.Flags().StringVar(&role, "role", "", "developer, project_manager, admin or human_resource")
	cmd.Flags().StringSliceVar(&skills, "skills", nil, "replacement skill list")
	cmd.Flags().IntVar(&experience, "experience", 0, "years of experience")
	return cmd
}

func personDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a person and unassign their tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				n, err := e.DeletePerson(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": args[0], "unassigned_tasks": n})
			})
		},
	}
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Manage tasks"}
	c.AddCommand(taskCreateCmd())
	c.AddCommand(taskListCmd())
	c.AddCommand(taskGetCmd())
	c.AddCommand(taskStartCmd())
	c.AddCommand(taskSubmitCmd())
	c.AddCommand(taskApproveCmd())
	c.AddCommand(taskRejectCmd())
	c.AddCommand(taskSubmissionCmd())
	c.AddCommand(taskDownloadCmd("download-spec", "Download the specification archive", false))
	c.AddCommand(taskDownloadCmd("download-submission", "Download the live deliverable", true))
	return c
}

func taskCreateCmd() *cobra.Command {
	var opts engine.CreateTaskOptions
	var specPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task and assign it",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(specPath)
			if err != nil {
				return err
			}
			defer f.Close()
			opts.Spec = &filestore.Upload{Name: filepath.Base(specPath), Reader: f}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				opts.Actor = actor
				t, rec, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "recommendation": rec})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ProjectType, "project-type", "", "project type, used to derive skills when --skills is empty")
	cmd.Flags().StringVar(&opts.Complexity, "complexity", "medium", "low, medium or high")
	cmd.Flags().StringVar(&opts.Priority, "priority", "medium", "low, medium or high")
	cmd.Flags().StringSliceVar(&opts.Skills, "skills", nil, "required skills")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date, YYYY-MM-DD or RFC3339")
	cmd.Flags().StringVar(&specPath, "spec", "", "path to the zipped specification")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("project-type")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				tasks, err := e.ListTasks(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Priority", "Due"})
				for _, t := range tasks {
					due := ""
					if t.DueDate != nil {
						due = *t.DueDate
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.AssignedToID(), t.Priority, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				t, err := e.GetTask(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start an assigned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				t, err := e.Start(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskSubmitCmd() *cobra.Command {
	var filePath, notes string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a deliverable archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var up *filestore.Upload
			if filePath != "" {
				f, err := os.Open(filePath)
				if err != nil {
					return err
				}
				defer f.Close()
				up = &filestore.Upload{Name: filepath.Base(filePath), Reader: f}
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				t, err := e.Submit(ctx, args[0], actor, up, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the zipped deliverable")
	cmd.Flags().StringVar(&notes, "notes", "", "submission notes")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a submitted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				t, err := e.Approve(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Send a submitted task back to its assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				t, err := e.Reject(ctx, args[0], actor, strings.TrimSpace(feedback))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback")
	return cmd
}

func taskSubmissionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submission <id>",
		Short: "Show submission metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				sub, err := e.GetSubmission(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
}

func taskDownloadCmd(use, short string, submission bool) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				var d engine.Download
				var err error
				if submission {
					d, err = e.DownloadSubmission(ctx, args[0], actor)
				} else {
					d, err = e.DownloadSpec(ctx, args[0], actor)
				}
				if err != nil {
					return err
				}
				defer d.File.Close()
				target := out
				if target == "" {
					target = filestore.SanitizeName(d.Name)
				}
				n, err := copyToFile(target, d.File)
				if err != nil {
					return err
				}
				fmt.Printf("wrote %s (%d bytes)\n", target, n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (defaults to the original file name)")
	return cmd
}

func recommendCmd() *cobra.Command {
	var opts engine.RecommendOptions
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Preview the assignee for a skill set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				opts.Actor = actor
				rec, ok, err := e.Recommend(ctx, opts)
				if err != nil {
					return err
				}
				if !ok {
					return printJSONOrTable(map[string]any{"found": false})
				}
				return printJSONOrTable(map[string]any{"found": true, "recommendation": rec})
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Skills, "skills", nil, "required skills")
	cmd.Flags().StringVar(&opts.ProjectType, "project-type", "", "project type used when --skills is empty")
	return cmd
}

func projectTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "project-types [name]",
		Short: "List the project type catalog, or the skills for one type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				types := e.ProjectTypes()
				if len(args) == 1 {
					pt, err := e.SkillsForProject(args[0])
					if err != nil {
						return err
					}
					types = []engine.ProjectType{pt}
				}
				if viper.GetBool("json") {
					return printJSON(types)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project type", "Skills"})
				for _, pt := range types {
					tw.AppendRow(table.Row{pt.Name, strings.Join(pt.Skills, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{Use: "token", Short: "Manage API tokens"}
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue <person-id>",
		Short: "Issue a bearer token (requires TASKDESK_JWT_SECRET)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TASKDESK_JWT_SECRET is required to sign tokens")
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				if err := auth.Require(actor, auth.ActionIssueToken); err != nil {
					return err
				}
				p, err := e.GetPerson(ctx, actor, args[0])
				if err != nil {
					return err
				}
				tok, err := server.SignToken(secret, p.ID, ttl, time.Now().UTC())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"person_id": p.ID, "token": tok})
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", server.DefaultTokenTTL, "token lifetime")
	c.AddCommand(issue)
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Open(cmd.Context(), viper.GetString("workspace"), os.Stderr)
			if err != nil {
				return err
			}
			defer env.Close()
			if _, _, err := env.Bootstrap(cmd.Context(), ""); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: env.Logger}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TASKDESK_JWT_SECRET is required for bearer auth")
			}
			if !cmd.Flags().Changed("addr") {
				addr = env.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = env.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (defaults to server.base_path)")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, viper.GetString("workspace"), os.Stderr)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEnv(ctx, func(ctx context.Context, env *app.Env) error {
		return fn(ctx, env.Engine)
	})
}

// withActor resolves --actor-id against the person store before running fn.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, domain.Actor) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		actor, err := auth.Service{Repo: e.Repo}.ResolveActor(ctx, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, e, actor)
	})
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

func copyToFile(target string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
	}
	return n, err
}
