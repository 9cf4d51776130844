package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/amirk1998/authsession/internal/audit"
	"github.com/amirk1998/authsession/internal/config"
	"github.com/amirk1998/authsession/internal/login"
	"github.com/amirk1998/authsession/internal/tui/loginform"
	apperrors "github.com/amirk1998/authsession/pkg/errors"
	"github.com/amirk1998/authsession/pkg/validator"
)

// cli holds the application built before any subcommand runs
type cli struct {
	apiURL string
	app    *Application
}

func (c *cli) close() {
	if c.app != nil {
		c.app.cleanup()
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "authclient",
		Short: "Log in to the auth service and manage the stored session",
		Long: `authclient signs in against the remote auth service, keeps the bearer
token in the encrypted credential store and re-validates it on every run.

Environment Variables:
  AUTH_API_URL               Auth service base URL (default: http://localhost:8000/api)
  AUTH_STORE_BACKEND         sqlcipher, sqlite, redis or memory
  AUTH_STORE_ENCRYPTION_KEY  Secret for the credential store (32+ characters)
  AUTH_CONFIG_FILE           Optional TOML configuration file`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if c.apiURL != "" {
				cfg.APIBaseURL = c.apiURL
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			app, err := initializeApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			c.app = app
			app.startBackground(cmd.Context())
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.apiURL, "api-url", "", "Auth service base URL (overrides AUTH_API_URL)")

	root.AddCommand(
		&cobra.Command{Use: "login", Short: "Log in with username or email", Args: cobra.NoArgs, RunE: c.runLogin},
		&cobra.Command{Use: "logout", Short: "End the stored session", Args: cobra.NoArgs, RunE: c.runLogout},
		&cobra.Command{Use: "whoami", Short: "Show the logged in user", Args: cobra.NoArgs, RunE: c.runWhoami},
		&cobra.Command{Use: "register", Short: "Create an account and log in", Args: cobra.NoArgs, RunE: c.runRegister},
		&cobra.Command{Use: "tui", Short: "Interactive login form", Args: cobra.NoArgs, RunE: c.runTUI},
		newAuditCmd(c),
	)

	return root
}

// restored loads the stored session and reports whether it is still valid
func (c *cli) restored(ctx context.Context) bool {
	if err := c.app.session.Restore(ctx); err != nil && apperrors.Kind(err) == apperrors.KindTransient {
		fmt.Printf("Could not reach the auth service: %s\n", apperrors.UserMessage(err))
	}
	return c.app.session.Snapshot().IsAuthenticated
}

func (c *cli) welcome(out io.Writer) {
	if user := c.app.session.Snapshot().User; user != nil {
		fmt.Fprintf(out, "✓ Login successful! Welcome, %s\n", user.DisplayName())
		return
	}
	fmt.Fprintln(out, "✓ Login successful!")
}

func (c *cli) runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if c.restored(ctx) {
		fmt.Fprintf(out, "Already logged in as %s\n", c.app.session.Snapshot().User.Username)
		return nil
	}

	orch := c.app.newOrchestrator()
	in := newPrompter(cmd.InOrStdin(), out)

	fmt.Fprintln(out, "=== Login ===")
	for {
		identifier, err := in.line("Username or email", orch.State().Identifier)
		if err != nil {
			return err
		}
		password, err := in.secret("Password")
		if err != nil {
			return err
		}

		err = orch.Submit(ctx, identifier, password)
		if err == nil && orch.State().Mode == login.ModeTwoFactor {
			return c.verifyCode(ctx, orch, in, out)
		}
		if err == nil {
			c.welcome(out)
			return nil
		}

		fmt.Fprintf(out, "Login failed: %s\n", apperrors.UserMessage(err))

		if orch.State().IsLocked {
			if err := waitForUnlock(ctx, orch, out); err != nil {
				return err
			}
		}
	}
}

func waitForUnlock(ctx context.Context, orch *login.Orchestrator, out io.Writer) error {
	orch.RunCountdown(ctx, func(s login.State) {
		remaining := apperrors.FormatRemaining(time.Duration(s.LockoutRemainingSeconds) * time.Second)
		fmt.Fprintf(out, "\rLocked. Try again in %s ", remaining)
	})
	fmt.Fprintln(out)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	fmt.Fprintln(out, orch.State().Notice)
	return nil
}

func (c *cli) verifyCode(ctx context.Context, orch *login.Orchestrator, in *prompter, out io.Writer) error {
	fmt.Fprintln(out, "Two-factor authentication is enabled for this account.")
	for {
		code, err := in.line("Code (empty to cancel)", "")
		if err != nil {
			return err
		}
		if code == "" {
			orch.Cancel2FA()
			return errors.New("login cancelled")
		}

		if err := orch.SubmitCode(ctx, code); err != nil {
			fmt.Fprintf(out, "Verification failed: %s\n", apperrors.UserMessage(err))
			continue
		}

		c.welcome(out)
		return nil
	}
}

func (c *cli) runLogout(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	c.restored(cmd.Context())

	snap := c.app.session.Snapshot()
	if snap.Token == "" {
		fmt.Fprintln(out, "Not logged in")
		return nil
	}

	c.app.session.Logout(cmd.Context())
	if snap.User != nil {
		fmt.Fprintf(out, "✓ Goodbye, %s!\n", snap.User.Username)
	} else {
		fmt.Fprintln(out, "✓ Logged out")
	}
	return nil
}

func (c *cli) runWhoami(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !c.restored(cmd.Context()) {
		fmt.Fprintln(out, "Not logged in")
		return nil
	}

	snap := c.app.session.Snapshot()
	fmt.Fprintf(out, "Username: %s\n", snap.User.Username)
	fmt.Fprintf(out, "Email:    %s\n", snap.User.Email)
	if snap.User.FullName != nil {
		fmt.Fprintf(out, "Name:     %s\n", *snap.User.FullName)
	}
	if created, ok := snap.User.Created(); ok {
		fmt.Fprintf(out, "Member since: %s\n", created.Format("2006-01-02"))
	}
	if !snap.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "Session expires: %s\n", snap.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (c *cli) runRegister(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	in := newPrompter(cmd.InOrStdin(), out)

	fmt.Fprintln(out, "=== User Registration ===")

	var data validator.Registration
	var err error
	if data.Username, err = in.line("Username", ""); err != nil {
		return err
	}
	if data.Email, err = in.line("Email", ""); err != nil {
		return err
	}
	if data.FullName, err = in.line("Full name (optional)", ""); err != nil {
		return err
	}
	if data.Password, err = in.secret("Password"); err != nil {
		return err
	}
	if data.ConfirmPassword, err = in.secret("Confirm password"); err != nil {
		return err
	}

	if _, err := c.app.session.Register(cmd.Context(), data); err != nil {
		fmt.Fprintf(out, "Registration failed: %s\n", apperrors.UserMessage(err))
		return err
	}

	fmt.Fprintln(out, "✓ Registration successful")
	c.welcome(out)
	return nil
}

func (c *cli) runTUI(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if c.restored(ctx) {
		fmt.Fprintf(cmd.OutOrStdout(), "Already logged in as %s\n", c.app.session.Snapshot().User.Username)
		return nil
	}

	form := loginform.New(ctx, c.app.newOrchestrator())
	if _, err := tea.NewProgram(form, tea.WithContext(ctx)).Run(); err != nil {
		return fmt.Errorf("login form failed: %w", err)
	}

	if form.LoggedIn() {
		c.welcome(cmd.OutOrStdout())
	}
	return nil
}

func newAuditCmd(c *cli) *cobra.Command {
	var (
		limit    int
		action   string
		username string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent authentication events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			events, err := c.app.auditLogger.QueryLogs(audit.QueryFilters{
				Action:   action,
				Username: username,
				Limit:    limit,
			})
			if err != nil {
				return fmt.Errorf("failed to query logs: %w", err)
			}

			if len(events) == 0 {
				fmt.Fprintln(out, "No audit logs found")
				return nil
			}

			for _, event := range events {
				fmt.Fprintf(out, "[%s] %s - %s",
					event.Timestamp.Local().Format("2006-01-02 15:04:05"),
					event.Level,
					event.Action,
				)
				if event.Username != "" {
					fmt.Fprintf(out, " (%s)", event.Username)
				}
				fmt.Fprintf(out, " | Success: %v\n", event.Success)
				if event.ErrorMsg != "" {
					fmt.Fprintf(out, "  Error: %s\n", event.ErrorMsg)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	cmd.Flags().StringVar(&action, "action", "", "Only show this action (LOGIN, LOGOUT, ...)")
	cmd.Flags().StringVar(&username, "user", "", "Only show events for this identifier")
	return cmd
}
