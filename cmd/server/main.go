// ltmc-server serves the long-term memory API over HTTP: one process
// coordinating the relational catalog, vector index, universal index,
// and the optional graph and cache backends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"ltmc/internal/api"
	"ltmc/internal/config"
	"ltmc/internal/di"
	"ltmc/internal/logging"
	"ltmc/pkg/types"
)

const shutdownGrace = 10 * time.Second

func main() {
	var (
		addr       = flag.String("addr", "", "listen address (overrides config host:port)")
		configPath = flag.String("config", "", "path to "+config.ConfigFileName)
		dev        = flag.Bool("dev", false, "console log encoding for local development")
	)
	flag.Parse()

	mode := "production"
	if *dev {
		mode = "dev"
	}
	log, err := logging.New(mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	if err := run(*addr, *configPath, log); err != nil {
		log.Error("server exited", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(addr, configPath string, log *logging.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.NewContainer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := container.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown incomplete", "error", err)
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	renderBackendBanner(os.Stdout, container.BackendHealth(probeCtx))
	cancel()

	router := api.NewRouter(container.Memory, container.Search, container, log)
	srv := &http.Server{
		Addr:         listenAddr(addr, cfg),
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// listenAddr picks the flag override when present, else the configured
// host and port.
func listenAddr(flagAddr string, cfg *config.Config) string {
	if flagAddr != "" {
		return flagAddr
	}
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}

// bannerOrder fixes the banner layout; writes fan out in this order too.
var bannerOrder = []struct {
	backend types.Backend
	name    string
}{
	{types.BackendRelational, "relational catalog (sqlite)"},
	{types.BackendVector, "vector index"},
	{types.BackendUniversal, "universal index"},
	{types.BackendGraph, "graph store (neo4j)"},
	{types.BackendCache, "cache store (redis)"},
}

// renderBackendBanner prints one line per backend: green when its
// probe passes, yellow when disabled by configuration, red when down.
func renderBackendBanner(w io.Writer, health map[types.Backend]error) {
	up := color.New(color.FgGreen).SprintFunc()
	disabled := color.New(color.FgYellow).SprintFunc()
	down := color.New(color.FgRed, color.Bold).SprintFunc()

	fmt.Fprintln(w, "ltmc backends:")
	for _, entry := range bannerOrder {
		err, wired := health[entry.backend]
		label := fmt.Sprintf("  %-3s  %-28s", entry.backend, entry.name)
		switch {
		case !wired:
			fmt.Fprintf(w, "%s %s\n", label, disabled("disabled"))
		case err != nil:
			fmt.Fprintf(w, "%s %s  %v\n", label, down("down"), err)
		default:
			fmt.Fprintf(w, "%s %s\n", label, up("up"))
		}
	}
}
