package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/seantiz/shardline/internal/api"
	"github.com/seantiz/shardline/internal/artifact"
	"github.com/seantiz/shardline/internal/backend"
	"github.com/seantiz/shardline/internal/config"
	"github.com/seantiz/shardline/internal/dispatch"
	"github.com/seantiz/shardline/internal/model"
	"github.com/seantiz/shardline/internal/store"
)

var Version = "v0.1.0"

const (
	exitFailedMatrices = 1
	exitRuntimeError   = 2

	httpClientTimeout = 60 * time.Second
)

func main() {
	cfg := config.Load()

	app := cli.NewApp()
	app.Name = "shardline"
	app.Usage = "Dispatch sharded instrumentation test matrices to a remote test lab"
	app.Version = Version
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "db", Usage: "SQLite database path", Value: cfg.DBPath},
		&cli.StringFlag{Name: "mode", Usage: "default execution mode (live or mock)", Value: string(cfg.Mode)},
		&cli.StringFlag{Name: "backend-url", Usage: "remote test lab base URL", Value: cfg.BackendURL},
		&cli.StringFlag{Name: "storage-url", Usage: "object store upload endpoint", Value: cfg.StorageURL},
		&cli.StringFlag{Name: "storage-dir", Usage: "local bucket directory used without --storage-url", Value: cfg.StorageDir},
		&cli.StringFlag{Name: "bucket", Usage: "fallback bucket for uploads without a destination bucket", Value: cfg.Bucket},
		&cli.StringFlag{Name: "results-dir", Usage: "directory for matrix_ids.json files", Value: cfg.ResultsDir},
		&cli.IntFlag{Name: "max-attempts", Usage: "submission attempts per matrix", Value: cfg.MaxAttempts},
		&cli.IntFlag{Name: "max-in-flight", Usage: "concurrent requests to the test lab (0 = unbounded)", Value: cfg.MaxInFlight},
	}
	app.Before = func(c *cli.Context) error {
		return applyFlags(c, &cfg)
	}
	app.Commands = []*cli.Command{
		{
			Name:  "serve",
			Usage: "Run the HTTP API",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "listen", Usage: "listen address", Value: cfg.ListenAddr},
			},
			Action: func(c *cli.Context) error {
				cfg.ListenAddr = c.String("listen")
				return serve(cfg)
			},
		},
		{
			Name:  "run",
			Usage: "Dispatch one plan file and print its result set",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "plan", Aliases: []string{"p"}, Usage: "plan YAML file", Required: true},
			},
			Action: func(c *cli.Context) error {
				return runPlan(c, cfg, c.String("plan"))
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// applyFlags copies global flag values over the environment configuration.
func applyFlags(c *cli.Context, cfg *config.Config) error {
	mode, err := model.ParseExecutionMode(c.String("mode"))
	if err != nil {
		return err
	}
	cfg.Mode = mode
	cfg.DBPath = c.String("db")
	cfg.BackendURL = c.String("backend-url")
	cfg.StorageURL = c.String("storage-url")
	cfg.StorageDir = c.String("storage-dir")
	cfg.Bucket = c.String("bucket")
	cfg.ResultsDir = c.String("results-dir")
	cfg.MaxAttempts = c.Int("max-attempts")
	cfg.MaxInFlight = c.Int("max-in-flight")
	return nil
}

// components is the wiring shared by every command.
type components struct {
	store      *store.SQLiteStore
	registry   *backend.Registry
	dispatcher *dispatch.Dispatcher
}

func build(cfg config.Config, logger *slog.Logger) (*components, error) {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	client := &http.Client{Timeout: httpClientTimeout}

	reg := backend.NewRegistry()
	reg.Register(model.MockBackendName, backend.NewMockBackend())
	if cfg.BackendURL != "" {
		reg.Register(model.DefaultBackendName,
			backend.NewHTTPBackend(model.DefaultBackendName, cfg.BackendURL, cfg.MaxInFlight, client))
	}

	var storage artifact.Storage
	if cfg.StorageURL != "" {
		storage = artifact.NewHTTPStorage(cfg.StorageURL, cfg.Bucket, client)
	} else {
		storage = artifact.NewBucketStorage(cfg.StorageDir, cfg.Bucket)
	}

	d := dispatch.New(reg, artifact.NewResolver(storage, logger), db, logger,
		dispatch.WithRetryPolicy(cfg.RetryPolicy()),
		dispatch.WithResultsDir(cfg.ResultsDir),
	)

	for _, b := range reg.List() {
		logger.Info("backend registered", "name", b.Name, "remote", b.Capabilities.Remote)
	}

	return &components{store: db, registry: reg, dispatcher: d}, nil
}

func serve(cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("shardline: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"mode", cfg.Mode,
	)

	comp, err := build(cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeError)
	}
	defer comp.store.Close()

	srv := api.NewServer(cfg.ListenAddr, comp.store, comp.registry, comp.dispatcher, cfg.Mode, logger)
	if err := srv.Run(); err != nil {
		return cli.Exit(fmt.Sprintf("server error: %v", err), exitRuntimeError)
	}
	return nil
}

func runPlan(c *cli.Context, cfg config.Config, planPath string) error {
	// Logs go to stderr so stdout carries only the result set.
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	plan, err := config.LoadPlanFile(planPath, cfg.Mode)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeError)
	}

	comp, err := build(cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeError)
	}
	defer comp.store.Close()

	set, err := comp.dispatcher.Dispatch(c.Context, plan)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeError)
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(set); err != nil {
		return cli.Exit(fmt.Sprintf("encode result set: %v", err), exitRuntimeError)
	}

	if failed := len(set.Failed()); failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d matrices failed to submit", failed, set.Len()), exitFailedMatrices)
	}
	return nil
}
