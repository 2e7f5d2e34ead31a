package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/skyfold/skywallet/api"
	"github.com/skyfold/skywallet/internal/config"
	"github.com/skyfold/skywallet/mail"
	"github.com/skyfold/skywallet/oauth"
	bboltstorage "github.com/skyfold/skywallet/storage/bbolt"
	"github.com/skyfold/skywallet/wallet"
)

var dataDir string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the wallet gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is fine, the environment may be set directly.
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewFromFile(filepath.Join(dataDir, "skywallet.db"), nil)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer repo.Close()

		wa, err := webauthn.New(&webauthn.Config{
			RPDisplayName: "Skywallet",
			RPID:          cfg.RPID,
			RPOrigins:     []string{cfg.RPOrigin},
		})
		if err != nil {
			return fmt.Errorf("failed to configure webauthn: %w", err)
		}

		var mailer mail.Sender
		if cfg.SMTPHost != "" {
			mailer = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		} else {
			mailer = &mail.LogSender{Logger: logger}
		}

		oauthClient := oauth.NewClient(cfg.ClientID, cfg.RedirectURI, cfg.Scope)

		a, err := api.New(repo, oauthClient, []byte(cfg.MasterSecret),
			api.WithLogger(logger),
			api.WithWebAuthn(wa),
			api.WithMailer(mailer),
			api.WithHomePDS(cfg.HomePDSURL),
			api.WithDailySpendLimit(cfg.DailySpendLimit),
			api.WithWalletClient(wallet.NewClient(cfg.WalletURL, cfg.WalletAPIKey)),
		)
		if err != nil {
			return err
		}
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("server started", slog.Int("port", cfg.Port), slog.String("data_dir", dataDir))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
}
