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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/salesdrill/internal/draft"
	"github.com/pavelanni/salesdrill/internal/exercise"
	"github.com/pavelanni/salesdrill/internal/handler"
	appI18n "github.com/pavelanni/salesdrill/internal/i18n"
	"github.com/pavelanni/salesdrill/internal/identity"
	"github.com/pavelanni/salesdrill/internal/live"
	"github.com/pavelanni/salesdrill/internal/llm"
	"github.com/pavelanni/salesdrill/internal/llm/prompts"
	"github.com/pavelanni/salesdrill/internal/model"
	"github.com/pavelanni/salesdrill/internal/propagate"
	"github.com/pavelanni/salesdrill/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "salesdrill",
		Short: "Sales training exercises with live sync, scoring and AI review",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), evaluateCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "salesdrill.db", "SQLite database path")
	f.StringP("lang", "l", "en", "Default message language (en, fr)")
	f.Duration("debounce", draft.DefaultDebounce, "Quiet period before a draft is written")
	f.Duration("flush-timeout", draft.DefaultFlushTimeout, "Upper bound on a single draft write")
	f.Duration("draft-idle", draft.DefaultIdle, "Close a written draft buffer after this long without edits")
	f.Float64("scale-target", 0, "Scaled score target (0 keeps each exercise type's own)")
	f.String("cohort", "", "Cohort label recorded in exports")
	f.String("redis-addr", "", "Redis address for sharing live changes between instances (empty = in-process only)")
	f.String("redis-channel", "salesdrill.changes", "Redis pub/sub channel")
	f.String("identity-url", "", "Identity provider admin API base URL (empty = skip account deletion)")
	f.String("identity-key", "", "Identity provider admin API key")
	addAIFlags(f)
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exercise results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "salesdrill.db", "SQLite database path")
	f.String("cohort", "", "Cohort label for the output (defaults to the stored one)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run AI evaluation on one submitted exercise",
		RunE:  runEvaluate,
	}
	f := cmd.Flags()
	f.String("db", "salesdrill.db", "SQLite database path")
	f.StringP("user", "u", "", "Learner user ID (required)")
	f.StringP("type", "t", "", "Exercise type (required)")
	addAIFlags(f)
	addLogFlags(f)

	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

type flagSet interface {
	String(name, value, usage string) *string
	Duration(name string, value time.Duration, usage string) *time.Duration
}

func addAIFlags(f flagSet) {
	f.String("ai-backend", llm.BackendNone, "AI evaluator backend (agent, openai, none)")
	f.String("ai-url", "", "AI service base URL")
	f.String("ai-key", "", "AI service API key")
	f.String("ai-agent-id", "", "Agent ID for the agent backend")
	f.String("ai-model", "", "Model name for the openai backend")
	f.Duration("ai-timeout", 60*time.Second, "AI request timeout")
	f.String("prompts-dir", "", "Directory holding templates/<type>.txt prompt overrides")
}

func addLogFlags(f flagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SALESDRILL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("salesdrill")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/salesdrill")
	v.AddConfigPath("/etc/salesdrill")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func newEvaluator(v *viper.Viper) (llm.Evaluator, error) {
	if dir := v.GetString("prompts-dir"); dir != "" {
		if err := prompts.Load(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
		slog.Info("loaded prompt overrides", "dir", dir)
	}
	return llm.New(llm.Config{
		Backend: v.GetString("ai-backend"),
		BaseURL: v.GetString("ai-url"),
		APIKey:  v.GetString("ai-key"),
		AgentID: v.GetString("ai-agent-id"),
		Model:   v.GetString("ai-model"),
		Timeout: v.GetDuration("ai-timeout"),
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	cfg := model.Config{
		Lang:         v.GetString("lang"),
		Debounce:     v.GetDuration("debounce"),
		FlushTimeout: v.GetDuration("flush-timeout"),
		ScaleTarget:  v.GetFloat64("scale-target"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if cohort := v.GetString("cohort"); cohort != "" {
		if err := db.SetMetadata(ctx, store.MetaCohort, cohort); err != nil {
			return fmt.Errorf("record cohort: %w", err)
		}
	}

	if err := appI18n.Init(cfg.Lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	hub := live.NewHub()
	db.SetPublisher(hub)
	if addr := v.GetString("redis-addr"); addr != "" {
		bus, err := live.NewRedisBus(ctx, addr, v.GetString("redis-channel"))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer bus.Close()
		if err := hub.UseBus(ctx, bus); err != nil {
			return fmt.Errorf("start redis forwarder: %w", err)
		}
		slog.Info("sharing live changes over redis", "addr", addr, "channel", v.GetString("redis-channel"))
	}

	repos := exercise.NewSet(db, hub, exercise.Options{ScaleTarget: cfg.ScaleTarget})
	drafts := draft.NewManager(repos, db.Drafts(), cfg.Debounce, cfg.FlushTimeout)
	defer drafts.Close()
	if idle := v.GetDuration("draft-idle"); idle > 0 {
		go drafts.Run(ctx, idle/2, idle)
	}

	stopPropagation := propagate.NewCDAB(repos).Start(hub)
	defer stopPropagation()

	var deleter identity.AccountDeleter
	if u := v.GetString("identity-url"); u != "" {
		client, err := identity.NewClient(u, v.GetString("identity-key"))
		if err != nil {
			return fmt.Errorf("create identity client: %w", err)
		}
		deleter = client
	} else {
		slog.Warn("no identity provider configured; deleted users keep their accounts")
	}
	stopIdentity := identity.NewListener(deleter, drafts.DropUser).Start(hub)
	defer stopIdentity()

	evaluator, err := newEvaluator(v)
	if err != nil {
		return fmt.Errorf("create AI evaluator: %w", err)
	}
	var grader *exercise.AutoGrader
	if evaluator != nil {
		grader = exercise.NewAutoGrader(repos, evaluator)
	}

	h := handler.New(db, repos, drafts, grader, hub)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(cfg.Lang))
	h.Routes(r)

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("starting server",
		"addr", srv.Addr,
		"lang", cfg.Lang,
		"debounce", cfg.Debounce,
		"scale_target", cfg.ScaleTarget,
		"ai_backend", v.GetString("ai-backend"),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	export, err := db.ExportAll(ctx)
	if err != nil {
		return fmt.Errorf("export exercises: %w", err)
	}
	if cohort := v.GetString("cohort"); cohort != "" {
		export.Cohort = cohort
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported results", "count", export.Count, "output", outPath)
	return nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	evaluator, err := newEvaluator(v)
	if err != nil {
		return fmt.Errorf("create AI evaluator: %w", err)
	}
	if evaluator == nil {
		return fmt.Errorf("no AI backend configured: set --ai-backend or SALESDRILL_AI_BACKEND")
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repos := exercise.NewSet(db, live.NewHub(), exercise.Options{})
	ex, err := exercise.NewAutoGrader(repos, evaluator).Grade(cmd.Context(), v.GetString("user"), model.ExerciseType(v.GetString("type")))
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(ex)
}
