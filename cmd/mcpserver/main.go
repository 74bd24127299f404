package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"sponsorhub-backend/config"
	"sponsorhub-backend/container"
	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/logger"
	"sponsorhub-backend/mcp"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("SPONSORHUB_CONFIG"), "path to the YAML config file")
	httpAddr := pflag.String("http", os.Getenv("MCP_HTTP_ADDR"), "serve streamable HTTP on this address instead of stdio")
	pflag.Parse()

	if err := run(*configPath, *httpAddr); err != nil {
		fmt.Fprintf(os.Stderr, "sponsorhub-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// stdout carries the stdio transport.
	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File, Stderr: true})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.NewContainer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	if httpAddr != "" {
		return serveHTTP(ctx, c, httpAddr, log)
	}

	token := os.Getenv("MCP_SESSION_TOKEN")
	if token == "" {
		return fmt.Errorf("MCP_SESSION_TOKEN is required for stdio")
	}
	actor, err := c.AuthService.ParseSession(token)
	if err != nil {
		return fmt.Errorf("parse MCP_SESSION_TOKEN: %w", err)
	}

	s := mcp.NewServer(c.DealService, actor, log.Named("mcp"))
	log.Info("SponsorHub MCP server starting on stdio",
		zap.String("actor_id", actor.ID),
		zap.String("store", cfg.Store.Driver),
		zap.Int("tools", len(s.Tools())),
	)
	return server.ServeStdio(s.MCPServer())
}

// serveHTTP runs the streamable transport. Each request authenticates with its own session.
func serveHTTP(ctx context.Context, c *container.Container, addr string, log *zap.Logger) error {
	s := mcp.NewServer(c.DealService, deal.Actor{}, log.Named("mcp"))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.HTTPHandler(c.AuthService.ParseSession),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("SponsorHub MCP server starting on HTTP",
		zap.String("addr", addr),
		zap.String("store", c.Config.Store.Driver),
		zap.Int("tools", len(s.Tools())),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
