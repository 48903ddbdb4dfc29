package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/fieldkey/adminapi"
	"github.com/jmcleod/fieldkey/config"
)

var (
	tlsCert string
	tlsKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the admin API and Prometheus metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Production && cfg.AdminToken == "" {
			return errors.New("FIELDKEY_ADMIN_TOKEN is required to serve in production")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.keys.EnsureMaster(ctx, false); err != nil {
			return err
		}

		api := adminapi.New(a.orch, a.monitor,
			adminapi.WithLogger(logger),
			adminapi.WithToken(cfg.AdminToken),
			adminapi.WithAuditTrail(a.trail),
			adminapi.WithMetrics(a.metrics),
			adminapi.WithCompleteOptions(completeOptions(true)),
			adminapi.WithWarnWithin(cfg.WarnWithin()))
		go api.SweepLimiter(ctx, 10*time.Minute)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", api.Router())

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Bulk rotation can run for a while.
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		}
		if tlsCert != "" || tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
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

		printBanner(cmd.OutOrStdout())
		logger.Info("admin API listening",
			slog.String("addr", cfg.Listen),
			slog.Bool("tls", server.TLSConfig != nil),
			slog.String("storage", cfg.Storage),
			slog.String("kms_provider", string(cfg.KMSProvider)))

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
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "address to listen on")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to TLS key file")
	if err := v.BindPFlag(config.KeyListen, serveCmd.Flags().Lookup("listen")); err != nil {
		panic(fmt.Sprintf("failed to bind listen flag: %v", err))
	}
}
