// testlab starts an in-memory remote test lab and object store for trying
// shardline end to end without a device farm.
// Usage: go run ./cmd/testlab
//
// Point shardline at it with SHARDLINE_BACKEND_URL and SHARDLINE_STORAGE_URL
// set to the lab address.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/shardline/internal/testlab"
)

func main() {
	addr := ":8081"
	if v := os.Getenv("SHARDLINE_TESTLAB_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	lab := testlab.New(logger)

	srv := &http.Server{
		Addr:              addr,
		Handler:           lab.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("testlab: starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("testlab: stopped")
}
