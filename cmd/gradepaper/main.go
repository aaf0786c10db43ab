package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/hoangtnm/gradepaper/internal/export"
	"github.com/hoangtnm/gradepaper/internal/grader"
	"github.com/hoangtnm/gradepaper/internal/handler"
	appI18n "github.com/hoangtnm/gradepaper/internal/i18n"
	"github.com/hoangtnm/gradepaper/internal/llm"
	"github.com/hoangtnm/gradepaper/internal/llm/prompts"
	"github.com/hoangtnm/gradepaper/internal/model"
	"github.com/hoangtnm/gradepaper/internal/session"
	"github.com/hoangtnm/gradepaper/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gradepaper",
		Short: "Exam paper grading assistant powered by vision LLMs",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `gradepaper --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "gradepaper.db", "SQLite database path for the run archive")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2-vision", "Vision LLM model name")
	f.Duration("llm-timeout", 2*time.Minute, "Timeout per grading call (0 = none)")
	f.StringP("lang", "l", "vi", "UI language (vi, en)")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /grading)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("password", "", "Access password; leave empty to disable login (or set GRADEPAPER_PASSWORD)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an archived grading run as CSV",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "gradepaper.db", "SQLite database path for the run archive")
	f.String("run", "latest", "Run id to export, or \"latest\"")
	f.String("format", "detailed", "Export format (detailed, brief)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.StringP("lang", "l", "vi", "Header language (vi, en)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

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

	v.SetEnvPrefix("GRADEPAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("gradepaper")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gradepaper")
	v.AddConfigPath("/etc/gradepaper")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	// ctx ends on SIGINT/SIGTERM; an in-flight grading run is cancelled
	// through it and the remaining submissions are marked failed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the run archive.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.CleanupExpiredSessions(); err != nil {
		slog.Warn("cleanup expired auth sessions", "error", err)
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// Create LLM client.
	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		promptVariant,
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := llmClient.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	// Hash the access password, if one is configured.
	var passwordHash []byte
	if password := v.GetString("password"); password != "" {
		passwordHash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
	} else {
		slog.Warn("no password configured, API is open")
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	cfg := model.AppConfig{
		Lang:          lang,
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
		PromptVariant: promptVariant,
		LLMTimeout:    v.GetDuration("llm-timeout"),
		PasswordHash:  passwordHash,
	}

	loc := appI18n.NewLocalizer(lang)
	sess := session.New(appI18n.T(appI18n.WithLocalizer(ctx, loc), "StudentPrefix"))
	runner := grader.New(sess, llmClient, db, cfg.LLMTimeout)

	h, err := handler.New(ctx, sess, runner, db, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}()

	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"prompt_variant", promptVariant,
		"llm_timeout", cfg.LLMTimeout,
		"base_path", basePath,
		"auth", cfg.AuthRequired(),
	)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	runID, err := resolveRunID(db, v.GetString("run"))
	if err != nil {
		return err
	}
	run, err := db.GetRun(runID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", runID, err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx := appI18n.WithLocalizer(context.Background(), appI18n.NewLocalizer(lang))

	subs := submissionsFromRun(run)

	var table export.Table
	switch format := v.GetString("format"); format {
	case "detailed":
		table = export.DetailTable(ctx, subs)
	case "brief":
		table = export.BriefTable(ctx, subs)
	default:
		return fmt.Errorf("unknown format %q (want detailed or brief)", format)
	}

	if table.Empty() {
		return fmt.Errorf("run %d has no completed submissions, nothing to export", runID)
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

	if _, err := w.Write(export.EncodeCSV(table)); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if outPath != "" && outPath != "-" {
		slog.Info("exported run", "run", runID, "rows", len(table.Rows), "file", outPath)
	}
	return nil
}

func resolveRunID(db *store.Store, arg string) (int64, error) {
	if arg == "latest" || arg == "" {
		id, err := db.LatestRunID()
		if err != nil {
			return 0, fmt.Errorf("find latest run: %w", err)
		}
		if id == 0 {
			return 0, fmt.Errorf("archive is empty, nothing to export")
		}
		return id, nil
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", arg)
	}
	return id, nil
}

// submissionsFromRun rebuilds just enough of a submission list from an
// archived run for the export builders to consume.
func submissionsFromRun(run model.RunRecord) []model.Submission {
	subs := make([]model.Submission, 0, len(run.Results))
	for _, rr := range run.Results {
		subs = append(subs, model.Submission{
			ID:          fmt.Sprintf("run%d-%d", run.ID, rr.Position),
			DisplayName: rr.DisplayName,
			Status:      rr.Status,
			Result:      rr.Result,
			Error:       rr.Error,
		})
	}
	return subs
}
