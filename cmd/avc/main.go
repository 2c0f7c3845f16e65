package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"artifactvc/internal/app"
	"artifactvc/internal/config"
	"artifactvc/internal/conflict"
	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/engine"
	"artifactvc/internal/engine/auth"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
	"artifactvc/internal/server"
	"artifactvc/internal/sweeper"
)

var rootCmd = &cobra.Command{
	Use:   "avc",
	Short: "Artifact version control",
	Long: `avc versions architecture artifacts (applications, interfaces, processes) inside initiatives.
- Initiative: a named change set. Edits made in it stay invisible to production until promoted.
- Baseline: the single production version of an artifact.
- Checkout: lock an artifact for one initiative and copy the baseline into a draft.
- Checkin: save the draft and release the lock; the draft waits for promotion.
- Promote: turn a draft into the next baseline, blocked when another initiative changed the same fields.
- Locks expire on their own; admins can override them and the sweeper cleans them up.
- Event log: every change is recorded, view with 'avc log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("AVC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/avc.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "acting user id")
	flags.StringSlice("roles", nil, "roles of the acting user")
	flags.String("db-driver", "", "database driver: sqlite or postgres")
	flags.String("db-dsn", "", "database DSN")
	flags.String("redis-addr", "", "Redis address for event broadcast")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "roles", "db-driver", "db-dsn", "redis-addr", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func overrides() app.Overrides {
	return app.Overrides{
		ConfigFile: viper.GetString("config"),
		DBDriver:   viper.GetString("db-driver"),
		DSN:        viper.GetString("db-dsn"),
		Addr:       viper.GetString("addr"),
		JWTSecret:  viper.GetString("jwt-secret"),
		RedisAddr:  viper.GetString("redis-addr"),
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
	}
}

func actor() auth.Actor {
	return auth.Actor{ID: viper.GetString("actor-id"), Roles: viper.GetStringSlice("roles")}
}

func serveCmd() *cobra.Command {
	var basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the lock sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace, overrides())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowDevHeaders {
				return fmt.Errorf("AVC_JWT_SECRET or auth.jwt_secret is required unless auth.allow_dev_headers is set")
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			logger := app.NewLogger(cfg, os.Stderr)
			slog.SetDefault(logger)
			a, err := app.Open(cmd.Context(), workspace, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:       cfg.Auth.JWTSecret,
					AllowDevHeaders: cfg.Auth.AllowDevHeaders,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			sw := sweeper.Sweeper{Store: a.Engine, Interval: cfg.Locks.SweepInterval, Logger: logger}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("serving API", "addr", cfg.Server.Addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return sw.Run(ctx)
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Fprintf(os.Stderr, "migrations applied (%s)\n", a.Config.Database.Driver)
				return nil
			})
		},
	}
}

func initiativeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "initiative",
		Short: "Manage initiatives",
		Long:  "An initiative is a change set. Its drafts are promoted together on complete and discarded together on cancel.",
	}
	cmd.AddCommand(initiativeCreateCmd())
	cmd.AddCommand(initiativeListCmd())
	cmd.AddCommand(initiativeShowCmd())
	cmd.AddCommand(initiativeChangesCmd())
	cmd.AddCommand(initiativeCompleteCmd())
	cmd.AddCommand(initiativeCancelCmd())
	return cmd
}

func initiativeCreateCmd() *cobra.Command {
	var id, name, desc, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateInitiative(ctx, engine.InitiativeCreate{
					ID:          id,
					Name:        name,
					Description: desc,
					Priority:    priority,
					ActorID:     actor().ID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "initiative id (default INIT-<uuid>)")
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInitiatives(ctx, domain.InitiativeStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Priority", "Created By", "Created")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Name, it.Status, it.Priority, it.CreatedBy, db.FormatTime(it.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, completed, cancelled)")
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.GetInitiative(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func initiativeChangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "changes <id>",
		Short: "List the drafts of an initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				changes, err := e.InitiativeChanges(ctx, args[0], actor().ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(changes)
				}
				tw := newTable("Artifact", "Change", "Based On", "State", "Changed Fields", "Updated By")
				for _, c := range changes {
					v := c.Version
					tw.AppendRow(table.Row{v.Ref().String(), v.ChangeType, v.BasedOnVersion, c.State, strings.Join(v.ChangedFields, ","), v.UpdatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func initiativeCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Promote every draft and close the initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteInitiative(ctx, args[0], actor().ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("initiative %s is %s: %d promoted, %d conflicted\n", res.InitiativeID, res.Status, len(res.Promoted), len(res.Conflicted))
				for _, c := range res.Conflicted {
					fmt.Printf("  %s#%d conflicts on %s\n", c.ArtifactType, c.ArtifactID, strings.Join(c.ConflictingFields, ", "))
				}
				return nil
			})
		},
	}
}

func initiativeCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Discard every draft and lock of the initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CancelInitiative(ctx, args[0], actor().ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

type artifactFlags struct {
	typ        string
	id         int64
	initiative string
}

func (f *artifactFlags) bind(cmd *cobra.Command, withInitiative bool) {
	cmd.Flags().StringVar(&f.typ, "type", "", "artifact type ("+typeList()+")")
	cmd.Flags().Int64Var(&f.id, "id", 0, "artifact id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	if withInitiative {
		cmd.Flags().StringVar(&f.initiative, "initiative", "", "initiative id")
		_ = cmd.MarkFlagRequired("initiative")
	}
}

func (f *artifactFlags) ref() (registry.Ref, error) {
	typ, err := registry.ParseType(f.typ)
	if err != nil {
		return registry.Ref{}, err
	}
	r := registry.Ref{Type: typ, ID: f.id}
	return r, r.Validate()
}

func typeList() string {
	var names []string
	for _, t := range registry.Types() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

type payloadFlags struct {
	inline string
	file   string
}

func (p *payloadFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.inline, "payload", "", "JSON object")
	cmd.Flags().StringVar(&p.file, "file", "", "read the JSON object from a file, - for stdin")
}

// read returns nil when neither flag is set.
func (p *payloadFlags) read() (json.RawMessage, error) {
	switch {
	case p.inline != "" && p.file != "":
		return nil, fmt.Errorf("--payload and --file are mutually exclusive")
	case p.inline != "":
		return json.RawMessage(p.inline), nil
	case p.file == "-":
		return io.ReadAll(os.Stdin)
	case p.file != "":
		return os.ReadFile(p.file)
	}
	return nil, nil
}

func artifactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Version artifacts inside initiatives",
	}
	cmd.AddCommand(artifactBaselineCmd())
	cmd.AddCommand(artifactCheckoutCmd())
	cmd.AddCommand(artifactUpdateCmd())
	cmd.AddCommand(artifactCheckinCmd())
	cmd.AddCommand(artifactCancelCmd())
	cmd.AddCommand(artifactPromoteCmd())
	cmd.AddCommand(artifactResolveCmd())
	cmd.AddCommand(artifactCreateCmd())
	cmd.AddCommand(artifactDecommissionCmd())
	cmd.AddCommand(artifactStateCmd())
	cmd.AddCommand(artifactHistoryCmd())
	cmd.AddCommand(artifactConflictsCmd())
	return cmd
}

func artifactBaselineCmd() *cobra.Command {
	var af artifactFlags
	var pf payloadFlags
	var register bool
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Show the production version, or register version 1 with --register",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !register {
					v, err := e.GetBaseline(ctx, ref)
					if err != nil {
						return err
					}
					return printJSONOrTable(v)
				}
				payload, err := pf.read()
				if err != nil {
					return err
				}
				v, err := e.RegisterBaseline(ctx, ref, payload, actor().ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	af.bind(cmd, false)
	pf.bind(cmd)
	cmd.Flags().BoolVar(&register, "register", false, "register the payload as version 1")
	return cmd
}

func artifactCheckoutCmd() *cobra.Command {
	var af artifactFlags
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Lock an artifact and open a draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Checkout(ctx, engine.CheckoutRequest{Ref: ref, InitiativeID: af.initiative, UserID: actor().ID, TTL: ttl})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	af.bind(cmd, true)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lock lifetime (default from config)")
	return cmd
}

func artifactUpdateCmd() *cobra.Command {
	var af artifactFlags
	var pf payloadFlags
	var reason string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace the draft payload while holding the lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			payload, err := pf.read()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.UpdateDraft(ctx, engine.DraftUpdate{Ref: ref, InitiativeID: af.initiative, UserID: actor().ID, Payload: payload, Reason: reason})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	af.bind(cmd, true)
	pf.bind(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "change reason")
	return cmd
}

func artifactCheckinCmd() *cobra.Command {
	var af artifactFlags
	var pf payloadFlags
	var reason string
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Save the draft and release the lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			payload, err := pf.read()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Checkin(ctx, engine.CheckinRequest{Ref: ref, InitiativeID: af.initiative, UserID: actor().ID, Payload: payload, Reason: reason})
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && res.Conflict.HasConflict {
					fmt.Fprintf(os.Stderr, "warning: baseline moved to v%d; conflicting fields: %s\n",
						res.Conflict.CurrentVersion, strings.Join(res.Conflict.ConflictingFields, ", "))
				}
				return printJSONOrTable(res)
			})
		},
	}
	af.bind(cmd, true)
	pf.bind(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "change reason")
	return cmd
}

func artifactCancelCmd() *cobra.Command {
	var af artifactFlags
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Discard the draft and release the lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.CancelCheckout(ctx, ref, af.initiative, actor().ID); err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"discarded": true})
			})
		},
	}
	af.bind(cmd, true)
	return cmd
}

func artifactPromoteCmd() *cobra.Command {
	var af artifactFlags
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote a draft to the production baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Promote(ctx, ref, af.initiative, actor().ID)
				var ce *engine.ConflictError
				if errors.As(err, &ce) && !viper.GetBool("json") {
					printConflicts(ce.Result.Details)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	af.bind(cmd, true)
	return cmd
}

func artifactResolveCmd() *cobra.Command {
	var af artifactFlags
	var strategy string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Rebase a conflicting draft onto the current baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveConflict(ctx, engine.ResolveRequest{Ref: ref, InitiativeID: af.initiative, UserID: actor().ID, Strategy: strategy})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	af.bind(cmd, true)
	cmd.Flags().StringVar(&strategy, "strategy", engine.KeepInitiative, "keep_initiative or accept_baseline")
	return cmd
}

func artifactCreateCmd() *cobra.Command {
	var af artifactFlags
	var pf payloadFlags
	var reason string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new artifact inside an initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			payload, err := pf.read()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateInInitiative(ctx, engine.DraftUpdate{Ref: ref, InitiativeID: af.initiative, UserID: actor().ID, Payload: payload, Reason: reason})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	af.bind(cmd, true)
	pf.bind(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "change reason")
	return cmd
}

func artifactDecommissionCmd() *cobra.Command {
	var af artifactFlags
	var reason string
	cmd := &cobra.Command{
		Use:   "decommission",
		Short: "Schedule removal of an artifact inside an initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Decommission(ctx, ref, af.initiative, actor().ID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	af.bind(cmd, true)
	cmd.Flags().StringVar(&reason, "reason", "", "why the artifact is removed")
	return cmd
}

func artifactStateCmd() *cobra.Command {
	var af artifactFlags
	var pending, decommissioning bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the state of an artifact for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.ResolveState(ctx, engine.StateQuery{
					Ref:             ref,
					InitiativeID:    af.initiative,
					Viewer:          actor().ID,
					Pending:         pending,
					Decommissioning: decommissioning,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	af.bind(cmd, false)
	cmd.Flags().StringVar(&af.initiative, "initiative", "", "restrict to one initiative")
	cmd.Flags().BoolVar(&pending, "pending", false, "artifact record is pending creation")
	cmd.Flags().BoolVar(&decommissioning, "decommissioning", false, "artifact record is scheduled for removal")
	return cmd
}

func artifactHistoryCmd() *cobra.Command {
	var af artifactFlags
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List numbered versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Version", "Baseline", "Change", "Based On", "Initiative", "Changed Fields", "By", "At")
				for _, v := range items {
					tw.AppendRow(table.Row{v.VersionNumber, v.IsBaseline, v.ChangeType, v.BasedOnVersion, deref(v.PromotedFromInitiative),
						strings.Join(v.ChangedFields, ","), v.CreatedBy, db.FormatTime(v.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	af.bind(cmd, false)
	return cmd
}

func artifactConflictsCmd() *cobra.Command {
	var af artifactFlags
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Compare an initiative draft with the current baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DetectConflicts(ctx, ref, af.initiative)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.HasConflict {
					fmt.Printf("no conflicts (draft based on v%d, baseline v%d)\n", res.BasedOnVersion, res.CurrentVersion)
					return nil
				}
				printConflicts(res.Details)
				return nil
			})
		},
	}
	af.bind(cmd, true)
	return cmd
}

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and manage artifact locks",
	}
	cmd.AddCommand(lockListCmd())
	cmd.AddCommand(lockAcquireCmd())
	cmd.AddCommand(lockReleaseCmd())
	cmd.AddCommand(lockOverrideCmd())
	cmd.AddCommand(lockSweepCmd())
	return cmd
}

func lockListCmd() *cobra.Command {
	var initiative, lockedBy string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				locks, err := e.ListActiveLocks(ctx, repo.LockFilters{InitiativeID: initiative, LockedBy: lockedBy})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(locks)
				}
				tw := newTable("ID", "Artifact", "Initiative", "Locked By", "Expires", "Reason")
				for _, l := range locks {
					tw.AppendRow(table.Row{l.ID, l.Ref().String(), l.InitiativeID, l.LockedBy, db.FormatTime(l.LockExpiry), l.LockReason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&initiative, "initiative", "", "filter by initiative")
	cmd.Flags().StringVar(&lockedBy, "locked-by", "", "filter by holder")
	return cmd
}

func lockAcquireCmd() *cobra.Command {
	var af artifactFlags
	var ttl time.Duration
	var reason string
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire or refresh a lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.AcquireLock(ctx, engine.LockRequest{Ref: ref, InitiativeID: af.initiative, UserID: actor().ID, TTL: ttl, Reason: reason})
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	af.bind(cmd, true)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lock lifetime (default from config)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the lock is taken")
	return cmd
}

func lockReleaseCmd() *cobra.Command {
	var af artifactFlags
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release your lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := af.ref()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReleaseLock(ctx, ref, af.initiative, actor().ID)
			})
		},
	}
	af.bind(cmd, true)
	return cmd
}

func lockOverrideCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override <lock-id>",
		Short: "Force-release another user's lock (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.AdminOverrideLock(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]domain.ArtifactLock{"released": l})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded in the audit log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func lockSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and orphaned locks now (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := actor()
				if err := e.Auth.Require(a, auth.PermLockSweep); err != nil {
					return err
				}
				res, err := e.SweepExpiredLocks(ctx, a.ID)
				if err != nil {
					return err
				}
				reaped, err := e.SweepClosedInitiatives(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"locks": res, "closed_initiatives": reaped})
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every lock, draft, promotion and initiative change is recorded here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		Long:  "Print the latest events. With --follow, keep streaming new events from Redis until interrupted (requires redis.addr).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var live <-chan domain.Event
				if follow {
					if a.Redis() == nil {
						return errors.New("--follow needs redis.addr to be configured")
					}
					// subscribe first so nothing committed during the backlog query is missed
					sub, err := a.Redis().Subscribe(ctx)
					if err != nil {
						return err
					}
					live = sub
				}
				items, err := a.Engine.ListEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				asJSON := viper.GetBool("json")
				if asJSON && !follow {
					return printJSON(items)
				}
				var lastID int64
				for _, evt := range items {
					lastID = max(lastID, evt.ID)
				}
				if asJSON {
					for i := len(items) - 1; i >= 0; i-- {
						if err := writeEvent(os.Stdout, items[i], true); err != nil {
							return err
						}
					}
				} else {
					tw := newTable("ID", "Time", "Type", "Initiative", "Entity", "Actor", "Payload")
					for _, evt := range items {
						tw.AppendRow(table.Row{evt.ID, db.FormatTime(evt.TS), evt.Type, evt.InitiativeID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.PayloadJSON})
					}
					tw.Render()
				}
				if !follow {
					return nil
				}
				return followEvents(ctx, live, f, lastID, asJSON, os.Stdout)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events from Redis")
	cmd.Flags().StringVar(&f.InitiativeID, "initiative", "", "initiative filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (lock, version, initiative)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// followEvents writes events from live that match f until ctx ends or live
// closes. Events at or below afterID were already printed from the backlog.
func followEvents(ctx context.Context, live <-chan domain.Event, f repo.EventFilters, afterID int64, asJSON bool, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			if evt.ID <= afterID || !matchesEvent(f, evt) {
				continue
			}
			if err := writeEvent(w, evt, asJSON); err != nil {
				return err
			}
		}
	}
}

func matchesEvent(f repo.EventFilters, evt domain.Event) bool {
	return (f.InitiativeID == "" || f.InitiativeID == evt.InitiativeID) &&
		(f.Type == "" || f.Type == evt.Type) &&
		(f.EntityKind == "" || f.EntityKind == evt.EntityKind) &&
		(f.EntityID == "" || f.EntityID == evt.EntityID)
}

func writeEvent(w io.Writer, evt domain.Event, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(evt)
	}
	_, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s:%s\t%s\t%s\n",
		evt.ID, db.FormatTime(evt.TS), evt.Type, evt.InitiativeID, evt.EntityKind, evt.EntityID, evt.ActorID, evt.PayloadJSON)
	return err
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration lives in avc.yml in the workspace. AVC_* environment variables and flags override it.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default avc.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), overrides())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(viper.GetString("workspace"), overrides())
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, overrides())
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printConflicts(details []conflict.FieldConflict) {
	tw := newTable("Field", "Severity", "Base", "Initiative", "Baseline", "Auto")
	for _, d := range details {
		tw.AppendRow(table.Row{d.Field, d.Severity, compact(d.BaseValue), compact(d.DraftValue), compact(d.CurrentValue), d.AutoResolvable})
	}
	tw.Render()
}

func compact(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
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
