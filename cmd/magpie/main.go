// Magpie is a conversational agent for a personal todo product.
//
// It exposes a chat endpoint that turns free-text messages into task
// mutations by driving a completion service through a fixed set of task
// tools. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	magpie serve             Start the API server
//	magpie init              Write an example config file to magpie.yaml
//	magpie version           Print version and build information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/magpie-todo/magpie/examples"
	"github.com/magpie-todo/magpie/internal/agent"
	"github.com/magpie-todo/magpie/internal/api"
	"github.com/magpie-todo/magpie/internal/buildinfo"
	"github.com/magpie-todo/magpie/internal/config"
	"github.com/magpie-todo/magpie/internal/llm"
	"github.com/magpie-todo/magpie/internal/store"
	"github.com/magpie-todo/magpie/internal/tasks"
	"github.com/magpie-todo/magpie/internal/tools"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("magpie", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	command := fs.Arg(0)
	if command == "" {
		command = "serve"
	}

	switch command {
	case "version":
		fmt.Println(buildinfo.String())
		return nil
	case "init":
		return initConfig()
	case "serve":
		return serve(*configPath)
	default:
		return fmt.Errorf("unknown command %q (valid: serve, init, version)", command)
	}
}

// initConfig writes the example config to ./magpie.yaml, refusing to
// clobber an existing file.
func initConfig() error {
	const path = "magpie.yaml"
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("wrote %s — edit it and run `magpie serve`\n", path)
	return nil
}

func serve(configPath string) error {
	// Secrets like LLM_API_KEY typically arrive via .env in development;
	// the config file references them through ${VAR} expansion.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting", "build", buildinfo.String(), "config", path)

	conversations, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer conversations.Close()

	taskStore, err := tasks.Open(cfg.Database.TasksPath)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer taskStore.Close()

	client := llm.NewOpenAIClient(
		cfg.LLM.BaseURL,
		cfg.LLM.APIKey,
		time.Duration(cfg.LLM.TimeoutSec)*time.Second,
		cfg.LLM.MaxRetries,
		logger,
	)
	if err := client.Ping(context.Background()); err != nil {
		logger.Warn("completion service unreachable at startup", "error", err)
	}

	registry := tools.NewRegistry(taskStore, logger)
	loop := agent.NewLoop(logger, client, registry, cfg.LLM.Model, cfg.Agent.MaxIterations)

	authTokens := make(map[string]int64, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		authTokens[t.Token] = t.UserID
	}
	if len(authTokens) == 0 {
		logger.Warn("no auth tokens configured; every request will be rejected")
	}

	server := api.NewServer(
		cfg.Listen.Address,
		cfg.Listen.Port,
		loop,
		conversations,
		api.NewTokenResolver(authTokens),
		cfg.Agent.HistoryWindow,
		logger,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("stopped cleanly")
	return nil
}
