package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"farmadvisor/internal/app"
	"farmadvisor/internal/config"
	"farmadvisor/internal/domain"
	"farmadvisor/internal/httpapi"
	"farmadvisor/internal/observability"
	"farmadvisor/internal/service"
	"farmadvisor/internal/tui"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var (
		configPath string
		lang       string
		jsonOut    bool
		related    int
		addr       string
	)

	rootCmd := &cobra.Command{
		Use:           "farmadvisor",
		Short:         "Answer farming questions from a curated advice knowledge base",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (defaults to ~/.config/farmadvisor/config.yaml)")

	buildCmd := &cobra.Command{
		Use:   "build-index",
		Short: "Embed the corpus and write a fresh index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuildIndex(cmd.Context(), configPath)
		},
	}

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question, or start the interactive advisor without arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), configPath, strings.Join(args, " "), lang, related, jsonOut)
		},
	}
	askCmd.Flags().StringVar(&lang, "lang", "", "Language of the question and answer (en, hi, ta)")
	askCmd.Flags().BoolVar(&jsonOut, "json", false, "Print the response as JSON")
	askCmd.Flags().IntVar(&related, "related", 0, "Also print this many nearest entries")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, addr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the loaded knowledge base and index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), configPath)
		},
	}

	rootCmd.AddCommand(buildCmd, askCmd, serveCmd, statusCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.AppConfig, *zap.Logger, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if path == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openApp(ctx context.Context, configPath string) (*app.App, error) {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	a, err := app.Open(ctx, cfg, logger, version)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("shutdown", zap.Error(err))
	}
	_ = a.Logger.Sync()
}

func runBuildIndex(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	start := time.Now()
	h, err := app.BuildIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d entries (model %s, dimension %d, metric %s) in %s\n",
		h.Size, h.Model, h.Dimension, h.Metric, time.Since(start).Round(time.Millisecond))
	return nil
}

func runAsk(ctx context.Context, configPath, question, lang string, related int, jsonOut bool) error {
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if question == "" {
		stats := a.Advisor.Stats()
		m := tui.New(a.Advisor, summary(stats), lang, stats.TopK)
		_, err := tea.NewProgram(m).Run()
		return err
	}

	var (
		resp    domain.QueryResponse
		matches []service.Match
	)
	if related > 0 {
		if resp, matches, err = a.Advisor.AnswerWithRelated(ctx, question, lang, related); err != nil {
			return err
		}
	} else {
		resp = a.Advisor.AnswerIn(ctx, question, lang)
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(httpapi.AnswerResponse{QueryResponse: resp, Related: matches})
	}

	fmt.Println(resp.AdviceText)
	if resp.TopDistance != nil {
		fmt.Printf("\n(distance %.3f)\n", *resp.TopDistance)
	}
	for _, m := range matches {
		fmt.Printf("\n%d. [%.3f] %s\n   %s\n", m.Rank+1, m.Distance, m.Question, m.Summary)
	}
	return nil
}

func runServe(ctx context.Context, configPath, addr string) error {
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if addr == "" {
		addr = a.Config.Server.Addr
	}
	router := httpapi.NewRouter(httpapi.NewHandler(a.Advisor, a.Logger), httpapi.Options{
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		RequestTimeout: config.Timeout(a.Config.Server.RequestTimeoutSecs),
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		a.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runStatus(ctx context.Context, configPath string) error {
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer closeApp(a)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(a.Advisor.Stats())
}

func summary(s service.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loaded %d entries from %d file(s) · %s index · %s embedder",
		s.Entries, len(s.Files), s.Backend, s.Embedder)
	if len(s.Topics) > 0 {
		terms := make([]string, 0, len(s.Topics))
		for _, t := range s.Topics {
			terms = append(terms, t.Term)
		}
		fmt.Fprintf(&b, "\nTopics: %s", strings.Join(terms, ", "))
	}
	return b.String()
}
