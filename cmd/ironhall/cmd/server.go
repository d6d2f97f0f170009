package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironhall/account"
	"github.com/jmcleod/ironhall/admin"
	"github.com/jmcleod/ironhall/api"
	"github.com/jmcleod/ironhall/config"
	"github.com/jmcleod/ironhall/identity"
	"github.com/jmcleod/ironhall/internal/metrics"
	"github.com/jmcleod/ironhall/internal/util"
	"github.com/jmcleod/ironhall/roomlock"
	"github.com/jmcleod/ironhall/rooms"
	"github.com/jmcleod/ironhall/uiaa"
)

var (
	listenAddr string
	dataDir    string
	tlsCert    string
	tlsKey     string
	selfSigned bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the account server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyServerFlags(cmd, cfg); err != nil {
			return err
		}
		logger, err := newLogger(cfg.Logging, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cmd, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on (overrides listen.address)")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for persistent data (overrides data_dir)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().BoolVar(&selfSigned, "self-signed", false, "Serve TLS with a runtime generated certificate")
}

// applyServerFlags lays explicitly set flags over cfg and revalidates.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen.Address = listenAddr
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.Listen.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.Listen.TLSKey = tlsKey
	}
	if flags.Changed("self-signed") {
		cfg.Listen.SelfSigned = selfSigned
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func runServer(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) error {
	repo, closeRepo, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	sessions, closeSessions, err := openSessionStore(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	m := metrics.New()
	m.SetBuildInfo(Version, Commit)

	users := identity.NewStore(repo, identity.WithArgon2idParams(cfg.Argon2id))
	roomStore := rooms.NewStore(repo, cfg.ServerName)
	locks := roomlock.New(m)

	adm := admin.New(roomStore, locks, users, cfg.ServerName,
		admin.WithLogger(logger),
		admin.WithQueueSize(cfg.Admin.NoticeQueueSize),
		admin.WithDropObserver(m),
	)
	defer adm.Close()
	if err := adm.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap admin room: %w", err)
	}

	engine := uiaa.NewEngine(sessions, buildVerifiers(cfg, users),
		uiaa.WithTTL(cfg.UIAA.SessionTTL),
		uiaa.WithObserver(m),
		uiaa.WithLogger(logger),
	)

	accounts := account.New(account.Config{
		ServerName:               cfg.ServerName,
		AllowRegistration:        cfg.Registration.Enabled,
		RequireRegistrationToken: len(cfg.Registration.Tokens) > 0,
		RequireRecaptcha:         cfg.Registration.Recaptcha.Enabled(),
	}, account.Deps{
		Auth:        engine,
		Users:       users,
		AccountData: users,
		Membership:  roomStore,
		Events:      roomStore,
		Locks:       locks,
		Notifier:    adm,
		Admin:       adm,
		Recorder:    m,
	}, account.WithLogger(logger))

	proxies, err := api.WithTrustedProxies(cfg.Listen.TrustedProxies)
	if err != nil {
		return err
	}
	opts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(m),
		api.WithAppserviceTokens(cfg.AppserviceTokens()),
		api.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		proxies,
		api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Warn("security alert",
				"alert", string(ev.Type),
				"count", ev.Count,
				"threshold", ev.Threshold,
				"message", ev.Message,
			)
		}),
	}
	if cfg.Audit.Trail {
		opts = append(opts, api.WithAuditTrail(repo))
	}
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader))
	}
	a := api.New(accounts, users, engine, cfg.ServerName, opts...)
	defer a.Close()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)
	r.Use(m.Instrument)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", m.Handler())
	r.Mount("/_matrix/client", a.Router())

	tlsConfig, err := serverTLSConfig(cfg.Listen, cfg.ServerName)
	if err != nil {
		return err
	}
	if tlsConfig != nil && cfg.Listen.TLSCert == "" {
		logger.Warn("using self-signed runtime generated certificate for TLS")
	}

	server := &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(cmd.OutOrStdout(), cfg.ServerName)
	logger.Info("server started",
		"address", cfg.Listen.Address,
		"tls", tlsConfig != nil,
		"storage", cfg.Storage.Backend,
		"uiaa_store", cfg.UIAA.Store,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

// serverTLSConfig returns nil when the listener should serve plain HTTP.
func serverTLSConfig(listen config.ListenConfig, serverName string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	switch {
	case listen.TLSCert != "" && listen.TLSKey != "":
		cert, err = tls.LoadX509KeyPair(listen.TLSCert, listen.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	case listen.SelfSigned:
		cert, err = util.GenerateSelfSignedCert(serverName)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	default:
		return nil, nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
