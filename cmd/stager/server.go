package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/stager/internal/api"
	"github.com/kalambet/stager/internal/config"
)

const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and the batch scheduler (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve batch review tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// setupLogging installs a stderr text handler; unknown levels mean info.
func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// startup loads config and logging shared by serve and mcp, and returns a
// context cancelled on SIGINT or SIGTERM.
func startup() (config.Config, context.Context, context.CancelFunc, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	setupLogging(cfg.Log.Level)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return cfg, ctx, stop, nil
}

// claimPort fails when another instance already answers /health on addr.
func claimPort(addr string) error {
	hc := &http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get("http://" + addr + "/health")
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return fmt.Errorf("stager already answering on %s", addr)
}

// pidFile records the serving process in dataDir and returns its remover.
func pidFile(dataDir string) (func(), error) {
	path := filepath.Join(dataDir, "stager.pid")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, err
	}
	return func() { os.Remove(path) }, nil
}

func runServer() error {
	cfg, ctx, stop, err := startup()
	if err != nil {
		return err
	}
	defer stop()
	slog.Info("starting stager", "version", version, "data_dir", cfg.Storage.DataDir)

	token, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.Port))
	if err := claimPort(addr); err != nil {
		printWarning("%v", err)
		return err
	}
	removePID, err := pidFile(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePID()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler: api.NewAdminHandler(api.AdminDeps{
			Store:    a.store,
			Machine:  a.machine,
			Intake:   a.intake,
			Registry: a.registry,
			Token:    token,
			Logger:   slog.Default(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("admin API listening", "addr", addr, "max_conns", cfg.Server.MaxConns)
		if err := srv.Serve(netutil.LimitListener(ln, cfg.Server.MaxConns)); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMCP() error {
	cfg, ctx, stop, err := startup()
	if err != nil {
		return err
	}
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tools := api.NewMCPServer(api.MCPDeps{
		Store:    a.store,
		Machine:  a.machine,
		Registry: a.registry,
	})
	// stdout carries the protocol; logs stay on stderr.
	slog.Info("MCP server started", "transport", "stdio")
	if err := server.NewStdioServer(tools).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
