// Command authstub runs a local stand-in for the remote auth service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirk1998/authsession/internal/config"
	"github.com/amirk1998/authsession/internal/logger"
	"github.com/amirk1998/authsession/internal/stubserver"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	addr     string
	prefix   string
	totpUser string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "authstub",
		Short: "Serve a development auth service with a demo account",
		Long: `authstub serves /auth/login, /auth/verify-2fa, /auth/register, /auth/me and
/auth/logout for local development. The account demo / demo@example.com
with password demo123 is created at startup.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (default from AUTH_STUB_ADDR)")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "/api", "Path prefix the routes are mounted under")
	cmd.Flags().StringVar(&opts.totpUser, "totp", "", "Enable two-factor login for this username and print its secret")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	logger.Init(cfg.LogLevel, cfg.LogFormat)

	addr := opts.addr
	if addr == "" {
		addr = cfg.StubAddr
	}

	srv := stubserver.New(stubserver.Options{
		JWTSecret:      cfg.StubJWTSecret,
		Argon2:         stubserver.DevArgon2Params,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if _, err := srv.AddUser("demo", "demo@example.com", "demo123", nil); err != nil {
		return fmt.Errorf("failed to seed demo account: %w", err)
	}

	if opts.totpUser != "" {
		secret, err := srv.EnableTOTP(opts.totpUser)
		if err != nil {
			return fmt.Errorf("failed to enable two-factor login: %w", err)
		}
		fmt.Printf("TOTP secret for %s: %s\n", opts.totpUser, secret)
	}

	mux := http.NewServeMux()
	if opts.prefix != "" && opts.prefix != "/" {
		mux.Handle(opts.prefix+"/", http.StripPrefix(opts.prefix, srv.Handler()))
	} else {
		mux.Handle("/", srv.Handler())
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("auth stub listening", "addr", addr, "prefix", opts.prefix)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down auth stub")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
