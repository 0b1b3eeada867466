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
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"aapkit/internal/app"
	"aapkit/internal/config"
	"aapkit/internal/domain"
	"aapkit/internal/server"
)

var (
	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "aap",
	Short: "Agent Authorization Profile toolkit",
	Long: `aap builds, validates and signs Agent Authorization Profile tokens.
- Schemas: the aap-*.schema.json documents; bundled by default, or schemas.dir in aap.yml.
- Validation: payloads are checked against aap-token.schema.json and every violation is reported with its path.
- Templates: preset payloads (aap templates list) that are re-stamped with fresh timestamps when used.
- Signing: HS256/HS384/HS512 compact JWTs, locally or through a running server (--remote).
- Issuance log: every locally signed token is recorded in .aap/aap.db; view with 'aap log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		var err error
		if path := viper.GetString("config"); path != "" {
			cfg, err = config.FromFile(path)
		} else {
			cfg, err = config.LoadOrDefault(workspace)
		}
		if err != nil {
			return err
		}
		cfg.Resolve(workspace)
		logger, err = newLogger(cfg.Log.Level, viper.GetBool("verbose"))
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/aap.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(schemasCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger(level string, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			return withContext(cmd.Context(), true, func(ctx context.Context, ac *app.Context) error {
				handler, err := server.New(server.Config{
					Engine:         ac.Engine,
					Schemas:        ac.Docs,
					SchemaFS:       ac.SchemaFS,
					BasePath:       cfg.Server.BasePath,
					CORSOrigin:     cfg.Server.CORSOrigin,
					DocsDir:        existingDir(cfg.Content.DocsDir),
					TestVectorsDir: existingDir(cfg.Content.TestVectorsDir),
					Logger:         logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				fmt.Printf("Serving AAP API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func validateCmd() *cobra.Command {
	var claim string
	cmd := &cobra.Command{
		Use:   "validate <file|->",
		Short: "Validate a token payload or a single claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readJSON(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return withContext(cmd.Context(), false, func(ctx context.Context, ac *app.Context) error {
				var res domain.ValidationResult
				if claim == "" {
					res = ac.Engine.Validate(value)
				} else if res, err = ac.Engine.ValidateClaim(claim, value); err != nil {
					return err
				}
				if err := printResult(res); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("payload invalid: %d error(s)", len(res.Errors))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&claim, "claim", "", "validate one claim instead: agent, task or capabilities")
	return cmd
}

func templatesCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "templates",
		Short: "Preset token payloads",
	}
	tpl.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.Template
			for _, key := range domain.TemplateKeys() {
				t, _ := domain.LookupTemplate(key)
				items = append(items, t)
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Key", "Name", "Description"})
			for _, t := range items {
				tw.AppendRow(table.Row{t.Key, t.Name, t.Description})
			}
			tw.Render()
			return nil
		},
	})
	tpl.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Print a template payload with fresh timestamps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := domain.LookupTemplate(args[0])
			if !ok {
				return fmt.Errorf("unknown template %q (see aap templates list)", args[0])
			}
			return printJSON(t.Instantiate(time.Now()))
		},
	})
	return tpl
}

func schemasCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "schemas",
		Short: "Inspect the schema registry",
	}
	sc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schema documents and their load status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), false, func(ctx context.Context, ac *app.Context) error {
				entries := ac.Registry.Entries()
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Depends On", "Compiled", "Error"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Name, strings.Join(e.DependsOn, ", "), e.Compiled, e.Error})
				}
				tw.Render()
				if !ac.Registry.Initialized() {
					return fmt.Errorf("schemas not initialized")
				}
				return nil
			})
		},
	})
	return sc
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Issuance log",
		Long:  "Every token signed by this workspace is recorded without its secret or token value.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent issuance events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), true, func(ctx context.Context, ac *app.Context) error {
				events, err := ac.Engine.ListIssued(ctx, n, 0)
				if err != nil {
					return err
				}
				if err := printEvents(events); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				var last int64
				if len(events) > 0 {
					last = events[0].ID
				} else if last, err = ac.Engine.Repo.LatestEventID(ctx); err != nil {
					return err
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						next, err := ac.Engine.Repo.EventsAfter(ctx, 100, last)
						if err != nil {
							return err
						}
						if len(next) == 0 {
							continue
						}
						last = next[len(next)-1].ID
						if err := printEvents(next); err != nil {
							return err
						}
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create aap.yml",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSONOrTable(cfg)
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default aap.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	return c
}

// --- helpers ---

func withContext(ctx context.Context, withLog bool, fn func(context.Context, *app.Context) error) error {
	ac, err := app.Open(ctx, viper.GetString("workspace"), cfg, app.Options{WithLog: withLog, Logger: logger})
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac)
}

func readJSON(stdin io.Reader, name string) (any, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func existingDir(dir string) string {
	if dir == "" {
		return ""
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ""
	}
	return dir
}

func printResult(res domain.ValidationResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.Valid {
		fmt.Println("valid")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Path", "Message"})
	for _, e := range res.Errors {
		tw.AppendRow(table.Row{e.Path, e.Message})
	}
	tw.Render()
	return nil
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Agent", "Subject", "Payload"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.TS, e.EntityID, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
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
