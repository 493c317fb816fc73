package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"sepflow/internal/app"
	"sepflow/internal/config"
	"sepflow/internal/domain"
	"sepflow/internal/engine"
	"sepflow/internal/engine/lifecycle"
	"sepflow/internal/logging"
	"sepflow/internal/platform/ratelimiter"
	"sepflow/internal/server"
	"sepflow/internal/store"
	"sepflow/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "sep",
	Short: "sepflow CLI",
	Long: `sepflow runs the event-planning workflow: applications move through review and
staffing, tasks are assigned to employees, and budget or resource requests are decided
by finance and HR.
- Identities: configured in sepflow.yml, each with one role code (CS, SCS, AM, FM, HR, PM, SM, Sub).
- Every write names the actor (--actor) and, for existing entities, the version it last read.
- Event log: every committed change, view with 'sep log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describeError(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SEPFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("actor", "a", "", "identity id performing the command")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (default from config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reqCmd())
	rootCmd.AddCommand(empCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create sepflow.yml and seed employee records for Sub identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			wrote, err := app.InitWorkspace(workspace)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Printf("wrote %s\n", config.Path(workspace))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := app.SeedEmployees(ctx, a.Engine)
				if err != nil {
					return err
				}
				for _, id := range created {
					fmt.Printf("recruited employee %s\n", id)
				}
				return nil
			})
		},
	}
}

func appCmd() *cobra.Command {
	c := &cobra.Command{Use: "app", Short: "Event applications"}
	c.AddCommand(appCreateCmd())
	c.AddCommand(appListCmd())
	c.AddCommand(appShowCmd())
	c.AddCommand(appReviewCmd())
	c.AddCommand(appAdvanceCmd())
	return c
}

func appCreateCmd() *cobra.Command {
	var opts engine.ApplicationCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an application (CS starts in review, SCS starts open)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ActorID = actor()
				res, err := a.Engine.CreateApplication(ctx, opts)
				if err != nil {
					return err
				}
				return printApplication(res.Application())
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "application id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "application name")
	cmd.Flags().StringVar(&opts.Description, "desc", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func appListCmd() *cobra.Command {
	var f engine.ApplicationFilter
	var needsReview string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch needsReview {
			case "":
			case "true", "false":
				v := needsReview == "true"
				f.NeedsReview = &v
			default:
				return fmt.Errorf("--needs-review must be true or false")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListApplications(ctx, actor(), f)
				if err != nil {
					return err
				}
				return printApplications(items)
			})
		},
	}
	cmd.Flags().StringSliceVar(&f.Statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&needsReview, "needs-review", "", "true or false")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator identity")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func appShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an application, its tasks and what you can do next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who := actor()
				item, err := a.Engine.GetApplication(ctx, who, args[0])
				if err != nil {
					return err
				}
				tasks, err := a.Engine.ListTasks(ctx, who, args[0])
				if err != nil {
					return err
				}
				actions, err := a.Engine.AvailableActions(ctx, who, domain.EntityApplication, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{
						"application":       item,
						"tasks":             tasks,
						"available_actions": actions,
					})
				}
				if err := printApplication(item); err != nil {
					return err
				}
				if len(tasks) > 0 {
					fmt.Println()
					if err := printTasks(tasks); err != nil {
						return err
					}
				}
				fmt.Printf("\navailable actions: %s\n", joinActions(actions))
				return nil
			})
		},
	}
}

func appReviewCmd() *cobra.Command {
	var opts engine.ReviewOptions
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Approve, reject or comment on an application under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ID = args[0]
				opts.ActorID = actor()
				ev, err := expectedVersion(ctx, cmd, a.Engine, domain.EntityApplication, opts.ID)
				if err != nil {
					return err
				}
				opts.ExpectedVersion = ev
				res, err := a.Engine.ReviewApplication(ctx, opts)
				if err != nil {
					return err
				}
				return printApplication(res.Application())
			})
		},
	}
	cmd.Flags().StringVar(&opts.Action, "action", "", "approve, reject or comment")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment text")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "rejection reason")
	addExpectedVersionFlag(cmd)
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func appAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Move an application one step: approved, open, in_progress, closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := expectedVersion(ctx, cmd, a.Engine, domain.EntityApplication, args[0])
				if err != nil {
					return err
				}
				res, err := a.Engine.ChangeStatus(ctx, args[0], actor(), ev)
				if err != nil {
					return err
				}
				return printApplication(res.Application())
			})
		},
	}
	addExpectedVersionFlag(cmd)
	return cmd
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Tasks under applications"}
	c.AddCommand(taskAssignCmd())
	c.AddCommand(taskReassignCmd())
	c.AddCommand(taskCommentCmd())
	c.AddCommand(taskListCmd())
	c.AddCommand(taskMineCmd())
	return c
}

func taskAssignCmd() *cobra.Command {
	var opts engine.TaskAssignOptions
	cmd := &cobra.Command{
		Use:   "assign <application-id>",
		Short: "Create a task under an open or in-progress application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ApplicationID = args[0]
				opts.ActorID = actor()
				ev, err := expectedVersion(ctx, cmd, a.Engine, domain.EntityApplication, opts.ApplicationID)
				if err != nil {
					return err
				}
				opts.ExpectedVersion = ev
				res, err := a.Engine.TaskAssign(ctx, opts)
				if err != nil {
					return err
				}
				task := res.CreatedTask()
				if jsonOutput() {
					return printJSON(map[string]any{"application": res.Application(), "task": task})
				}
				return printTasks([]*domain.Task{task})
			})
		},
	}
	cmd.Flags().StringVar(&opts.TaskID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.Description, "desc", "", "description")
	cmd.Flags().StringVar(&opts.EmployeeID, "employee", "", "employee id")
	addExpectedVersionFlag(cmd)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("employee")
	return cmd
}

func taskReassignCmd() *cobra.Command {
	var employee string
	cmd := &cobra.Command{
		Use:   "reassign <task-id>",
		Short: "Assign a task to another employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := expectedVersion(ctx, cmd, a.Engine, domain.EntityTask, args[0])
				if err != nil {
					return err
				}
				res, err := a.Engine.ReassignTask(ctx, args[0], employee, actor(), ev)
				if err != nil {
					return err
				}
				return printTasks([]*domain.Task{res.Task()})
			})
		},
	}
	cmd.Flags().StringVar(&employee, "employee", "", "employee id")
	addExpectedVersionFlag(cmd)
	_ = cmd.MarkFlagRequired("employee")
	return cmd
}

func taskCommentCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "comment <task-id>",
		Short: "Comment on a task assigned to you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := expectedVersion(ctx, cmd, a.Engine, domain.EntityTask, args[0])
				if err != nil {
					return err
				}
				res, err := a.Engine.CommentTask(ctx, args[0], text, actor(), ev)
				if err != nil {
					return err
				}
				return printTasks([]*domain.Task{res.Task()})
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	addExpectedVersionFlag(cmd)
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <application-id>",
		Short: "List the tasks of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListTasks(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
}

func taskMineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mine",
		Short: "Tasks assigned to your employee record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.MyTasks(ctx, actor())
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
}

func reqCmd() *cobra.Command {
	c := &cobra.Command{Use: "req", Short: "Budget and resource requests"}
	c.AddCommand(reqCreateCmd())
	c.AddCommand(reqDecideCmd())
	c.AddCommand(reqListCmd())
	return c
}

func reqCreateCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a request for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ActorID = actor()
				res, err := a.Engine.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printRequests([]*domain.Request{res.Request()})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "budget or resource")
	cmd.Flags().StringVar(&opts.ApplicationID, "app", "", "application id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "request name")
	cmd.Flags().StringVar(&opts.Description, "desc", "", "description")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func reqDecideCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := expectedVersion(ctx, cmd, a.Engine, domain.EntityRequest, args[0])
				if err != nil {
					return err
				}
				res, err := a.Engine.ChangeRequestStatus(ctx, args[0], decision, actor(), ev)
				if err != nil {
					return err
				}
				return printRequests([]*domain.Request{res.Request()})
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject")
	addExpectedVersionFlag(cmd)
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func reqListCmd() *cobra.Command {
	var f engine.RequestFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListRequests(ctx, actor(), f)
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ApplicationID, "app", "", "application id")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "budget or resource")
	cmd.Flags().StringSliceVar(&f.Statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func empCmd() *cobra.Command {
	c := &cobra.Command{Use: "emp", Short: "Employee directory"}
	c.AddCommand(empRecruitCmd())
	c.AddCommand(empListCmd())
	return c
}

func empRecruitCmd() *cobra.Command {
	var opts engine.EmployeeCreateOptions
	cmd := &cobra.Command{
		Use:   "recruit",
		Short: "Add an employee (HR)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.ActorID = actor()
				res, err := a.Engine.RecruitEmployee(ctx, opts)
				if err != nil {
					return err
				}
				return printEmployees([]*domain.Employee{res.Employee()})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "employee id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "full name")
	cmd.Flags().StringVar(&opts.Department, "department", "", "department")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func empListCmd() *cobra.Command {
	var department string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEmployees(ctx, actor(), department)
				if err != nil {
					return err
				}
				return printEmployees(items)
			})
		},
	}
	cmd.Flags().StringVar(&department, "department", "", "department filter")
	return cmd
}

func inboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Work waiting on your role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				box, err := a.Engine.Inbox(ctx, actor())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(box)
				}
				printed := false
				if len(box.Applications) > 0 {
					printed = true
					if err := printApplications(box.Applications); err != nil {
						return err
					}
				}
				if len(box.Tasks) > 0 {
					printed = true
					if err := printTasks(box.Tasks); err != nil {
						return err
					}
				}
				if len(box.Requests) > 0 {
					printed = true
					if err := printRequests(box.Requests); err != nil {
						return err
					}
				}
				if !printed {
					fmt.Println("inbox is empty")
				}
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting identity and its capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Me(actor())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(p)
				}
				fmt.Printf("%s (%s)", p.Identity.ID, p.Identity.Role)
				if p.Identity.EmployeeID != "" {
					fmt.Printf(" employee %s", p.Identity.EmployeeID)
				}
				fmt.Println()
				for _, c := range p.Capabilities {
					fmt.Printf("  %s\n", c)
				}
				return nil
			})
		},
	}
}

func policyCmd() *cobra.Command {
	c := &cobra.Command{Use: "policy", Short: "Transition table"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective transition table",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			t, err := cfg.Table(workspace)
			if err != nil {
				return err
			}
			return printTransitions(t.Transitions())
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a transition table file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := lifecycle.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d transitions over %d entities\n", args[0], len(t.Transitions()), len(t.Entities()))
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in transition table YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := os.Stdout.Write(lifecycle.DefaultYAML())
			return err
		},
	})
	return c
}

func logCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed change, newest first.",
	}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var q store.EventQuery
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q.Desc = true
				q.Limit = n
				events, err := a.Engine.Events(ctx, actor(), q)
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{Enabled: cfg.Tracing.Enabled})
				if err != nil {
					return err
				}
				defer shutdownTracing(context.Background())

				secret := jwtSecret(cfg)
				if secret == "" && cfg.Server.DevLogin {
					return fmt.Errorf("server.dev_login needs a jwt secret (server.jwt_secret or SEPFLOW_JWT_SECRET)")
				}
				var limiter *ratelimiter.MapLimiter
				if cfg.Server.RateLimit.RPS > 0 {
					limiter = ratelimiter.New(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst, 10*time.Minute)
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:        secret,
						APIKeys:          cfg.APIKeys,
						AllowActorHeader: cfg.Server.AllowActorHeader,
						Logger:           a.Logger,
					},
					Metrics:  a.Metrics,
					Limiter:  limiter,
					DevLogin: cfg.Server.DevLogin,
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				hooks := server.NewWebhookDispatcher(a.Store, cfg.Webhooks, a.Logger)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving", "addr", addr, "base_path", basePath, "backend", cfg.Store.Backend)
					fmt.Printf("Serving sepflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return hooks.Run(gctx)
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who := actor()
				if _, err := a.Engine.Me(who); err != nil {
					return err
				}
				secret := jwtSecret(a.Config)
				if secret == "" {
					return fmt.Errorf("no jwt secret: set server.jwt_secret or SEPFLOW_JWT_SECRET")
				}
				token, err := server.SignToken(secret, who, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, workspace, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Log.Level
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return logging.New(lvl), nil
}

func actor() string {
	return strings.TrimSpace(viper.GetString("actor"))
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func addExpectedVersionFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("expected-version", 0, "version you last read (default: the stored version)")
}

// expectedVersion reads --expected-version, falling back to the stored version so
// interactive use does not need a prior show.
func expectedVersion(ctx context.Context, cmd *cobra.Command, e engine.Engine, t domain.EntityType, id string) (int64, error) {
	v, err := cmd.Flags().GetInt64("expected-version")
	if err != nil {
		return 0, err
	}
	if v > 0 {
		return v, nil
	}
	ent, err := e.Get(ctx, actor(), t, id)
	if err != nil {
		return 0, err
	}
	return ent.CurrentVersion(), nil
}

func describeError(err error) string {
	var werr *domain.Error
	if !errors.As(err, &werr) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s: %s", werr.Kind, werr.Error())
	if v, ok := werr.Details["current_version"]; ok {
		msg += fmt.Sprintf(" (current version %v)", v)
	}
	return msg
}
