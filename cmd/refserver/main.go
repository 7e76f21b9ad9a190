// Command refserver hosts the throwaway reference remote,
// internal/remoteref, for local development and integration tests. It is
// not a production sync backend.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/kodewave/goatsync/internal/remoteref"
)

func main() {
	addr := flag.String("addr", ":8091", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	server := remoteref.New()
	handler := remoteref.NewHandler(server, logger)

	router := mux.NewRouter()
	handler.Register(router)

	httpServer := &http.Server{Addr: *addr, Handler: router}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("refserver listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("refserver failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("refserver shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("refserver forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("refserver exited")
}
