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

	"docsync/api/internal/app"
	"docsync/api/internal/auth"
	"docsync/api/internal/config"
	"docsync/api/internal/docstore"
	"docsync/api/internal/metrics"
	"docsync/api/internal/storage"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli/v2"
)

func main() {
	cliApp := &cli.App{
		Name:           "docsync",
		Usage:          "Collaborative document session and sync server",
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP and realtime server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "YAML config file",
						EnvVars: []string{config.EnvPrefix + "CONFIG_FILE"},
					},
				},
				Action: serve,
			},
			{
				Name:  "gen-auth",
				Usage: "Generate an auth key and a matching server token",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "Server token lifetime; 0 never expires",
					},
				},
				Action: genAuth,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "docsync",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
		Output:     os.Stderr,
	})
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := context.Background()

	backend, err := storage.Open(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}
	defer backend.Close()

	var authenticator *auth.Authenticator
	if cfg.AuthEnabled() {
		authenticator, err = auth.NewAuthenticator(cfg.AuthKey)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("auth_key not set, documents are open to anyone who can reach the server")
	}

	m := metrics.New()
	opts := docstore.OptionsFromConfig(cfg)
	opts.Observer = m
	opts.FlushObserver = m
	opts.Logger = logger
	docs := docstore.New(backend, opts)
	m.TrackResidency(
		func() int { documents, _ := docs.Stats(); return documents },
		func() int { _, sessions := docs.Stats(); return sessions },
	)
	docs.Start()

	service := app.New(cfg, docs, authenticator, m, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: realtime sessions set their own write deadlines
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("docsync listening", "addr", cfg.Addr, "storage", cfg.Storage.Kind, "auth", cfg.AuthEnabled())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := docs.Close(shutdownCtx); err != nil {
		logger.Error("final flush failed", "error", err)
		return err
	}
	return nil
}

func genAuth(c *cli.Context) error {
	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(key)
	if err != nil {
		return err
	}
	token, err := authenticator.IssueServerToken(c.Duration("valid-for"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "DOCSYNC_AUTH_KEY=%s\n", key)
	fmt.Fprintf(c.App.Writer, "server token: %s\n", token)
	return nil
}
