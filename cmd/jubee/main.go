package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jubee/internal/app"
	"jubee/internal/config"
	"jubee/internal/db"
	"jubee/internal/domain"
	"jubee/internal/intake"
	"jubee/internal/migrate"
	"jubee/internal/repo"
	"jubee/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jubee",
	Short: "Jubee intake CLI",
	Long: `Jubee runs guided intake conversations that collect the inputs a legal tool needs.
- Tools: drafting, precheck and precedent; each is a graph of stages defined in jubee.yml.
- Sessions: one conversation through a tool; answer with choices, text or files until the result is generated.
- Workspace: the .jubee directory holding the session database and event log.
- Event log: every answer and status change, view with 'jubee log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("JUBEE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/jubee.yml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- tools ---

func toolsCmd() *cobra.Command {
	tools := &cobra.Command{Use: "tools", Short: "Inspect configured tools"}
	tools.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Tools)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Name", "Title", "Generator", "Start", "Terminal", "Stages"})
			for _, t := range cfg.Tools {
				tw.AppendRow(table.Row{t.Name, t.Title, t.Generator, t.Start, t.Terminal, len(t.Stages)})
			}
			tw.Render()
			return nil
		},
	})
	tools.AddCommand(&cobra.Command{
		Use:   "show <tool>",
		Short: "Show a tool's stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tool, ok := cfg.Tool(args[0])
			if !ok {
				return fmt.Errorf("unknown tool %q", args[0])
			}
			if viper.GetBool("json") {
				return printJSON(tool)
			}
			fmt.Printf("%s (%s) start=%s terminal=%s\n", tool.Title, tool.Name, tool.Start, tool.Terminal)
			tw := newTable()
			tw.AppendHeader(table.Row{"Stage", "Mode", "Field", "Required", "Options", "Next"})
			for _, st := range tool.Stages {
				next := st.Next
				if len(st.Branches) > 0 {
					next = fmt.Sprintf("%d branches", len(st.Branches))
				}
				field := st.Field
				if st.Category != "" {
					field = "docs:" + st.Category
				}
				tw.AppendRow(table.Row{st.Name, st.Mode, field, st.Required, len(st.Options), next})
			}
			tw.Render()
			return nil
		},
	})
	return tools
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage jubee.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := c.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := c.Graphs(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default jubee.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

// --- sessions ---

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Run intake sessions"}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionActionCmd("choose <session-id> <option>", "Pick an option", 2, func(ctx context.Context, rt *app.Runtime, actor string, args []string) (intake.Snapshot, error) {
		return rt.Engine.Choose(ctx, args[0], actor, args[1])
	}))
	s.AddCommand(sessionActionCmd("text <session-id> <value>", "Answer a text stage", 2, func(ctx context.Context, rt *app.Runtime, actor string, args []string) (intake.Snapshot, error) {
		return rt.Engine.Text(ctx, args[0], actor, args[1])
	}))
	s.AddCommand(sessionFilesCmd())
	s.AddCommand(sessionActionCmd("remove <session-id> <category> <doc-id>", "Remove an uploaded document", 3, func(ctx context.Context, rt *app.Runtime, actor string, args []string) (intake.Snapshot, error) {
		return rt.Engine.RemoveDocument(ctx, args[0], actor, args[1], args[2])
	}))
	s.AddCommand(sessionActionCmd("reset <session-id>", "Start the session over", 1, func(ctx context.Context, rt *app.Runtime, actor string, args []string) (intake.Snapshot, error) {
		return rt.Engine.Reset(ctx, args[0], actor)
	}))
	s.AddCommand(sessionActionCmd("retry <session-id>", "Retry a failed generation", 1, func(ctx context.Context, rt *app.Runtime, actor string, args []string) (intake.Snapshot, error) {
		return rt.Engine.Retry(ctx, args[0], actor)
	}))
	s.AddCommand(sessionActionCmd("delete <session-id>", "Delete a session", 1, func(ctx context.Context, rt *app.Runtime, actor string, args []string) (intake.Snapshot, error) {
		return intake.Snapshot{}, rt.Engine.DeleteSession(ctx, args[0], actor)
	}))
	return s
}

func sessionStartCmd() *cobra.Command {
	var seed []string
	cmd := &cobra.Command{
		Use:   "start <tool>",
		Short: "Start a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := domain.Fields{}
			for _, kv := range seed {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("invalid --seed %q (want key=value)", kv)
				}
				fields[strings.TrimSpace(k)] = v
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap, err := rt.Engine.CreateSession(ctx, args[0], viper.GetString("actor-id"), fields)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringArrayVar(&seed, "seed", nil, "seed field as key=value (repeatable)")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var f repo.SessionFilters
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all {
				f.OwnerID = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Tool", "Status", "Stage", "Owner", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Tool, s.Status, s.Stage, s.OwnerID, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Tool, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum sessions")
	cmd.Flags().BoolVar(&all, "all", false, "include sessions of every actor")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap, err := rt.Engine.Snapshot(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
}

func sessionFilesCmd() *cobra.Command {
	var mime string
	cmd := &cobra.Command{
		Use:   "files <session-id> <file>...",
		Short: "Attach files to an upload stage",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]domain.FileDescriptor, 0, len(args)-1)
			for _, name := range args[1:] {
				fd := domain.FileDescriptor{Name: name, Type: mime}
				if info, err := os.Stat(name); err == nil {
					fd.Size = info.Size()
				}
				files = append(files, fd)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap, err := rt.Engine.Files(ctx, args[0], viper.GetString("actor-id"), files)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&mime, "type", "", "media type recorded for every file")
	return cmd
}

type sessionAction func(ctx context.Context, rt *app.Runtime, actor string, args []string) (intake.Snapshot, error)

func sessionActionCmd(use, short string, nargs int, fn sessionAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				snap, err := fn(ctx, rt, viper.GetString("actor-id"), args)
				if err != nil {
					return err
				}
				if snap.ID == "" {
					fmt.Println("ok")
					return nil
				}
				return printSnapshot(snap)
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, sessionID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Session", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SessionID, e.ActorID, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   viper.GetString("actor-id"),
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := struct {
					domain.APIKey
					Key string `json:"key"`
				}{key, secret}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("created key %s for %s\n%s\n(store it now, it is not shown again)\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return keys
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "jb_" + hex.EncodeToString(buf), nil
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			rt, err := app.Open(app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("JUBEE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				logger.Warn().Msg("JUBEE_JWT_SECRET unset; only API keys will authenticate")
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			hooks := server.NewWebhookDispatcher(rt.Engine.Repo, rt.Config.Webhooks, logger)
			updates, err := rt.Engine.Bus.Subscribe(ctx, "")
			if err != nil {
				return err
			}
			go func() {
				for range updates {
					hooks.Wake()
				}
			}()
			go hooks.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Jubee API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr in config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path in config)")
	cmd.Flags().BoolVar(&allowLegacy, "allow-actor-header", false, "accept the unauthenticated X-Actor-Id header")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

// withRuntime opens the workspace with delays disabled so each command
// returns once the session has settled.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(app.Options{
		Workspace:   viper.GetString("workspace"),
		ConfigPath:  viper.GetString("config"),
		Synchronous: true,
		Logger:      newLogger(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
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

func printSnapshot(snap intake.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(snap)
	}
	fmt.Printf("session %s  tool=%s  status=%s  stage=%s\n\n", snap.ID, snap.Tool, snap.Status, snap.Stage.Name)
	for _, t := range snap.Turns {
		who := "jubee"
		if t.Speaker == domain.SpeakerUser {
			who = "you"
		}
		fmt.Printf("%6s: %s\n", who, t.Text)
		for _, d := range t.Attachments {
			fmt.Printf("        [%s] %s\n", d.ID, d.Name)
		}
	}
	if len(snap.Stage.Options) > 0 && !snap.Stage.Terminal {
		fmt.Println()
		tw := newTable()
		tw.AppendHeader(table.Row{"Option", "Label"})
		for _, o := range snap.Stage.Options {
			tw.AppendRow(table.Row{o.ID, o.Label})
		}
		tw.Render()
	}
	if snap.Failure != "" {
		fmt.Printf("\ngeneration failed: %s (run 'jubee session retry %s')\n", snap.Failure, snap.ID)
	}
	if len(snap.Result) > 0 {
		fmt.Println("\nresult:")
		var pretty any
		if err := json.Unmarshal(snap.Result, &pretty); err == nil {
			return printJSON(pretty)
		}
		fmt.Println(string(snap.Result))
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
