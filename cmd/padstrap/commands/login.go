package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/padstrap/padstrap/pkg/auth"
)

func newLoginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in through the browser",
		Long: `Log in via the system browser using OAuth2 with PKCE.

A local redirect listener is bound to the loopback interface only. On
success the refresh token is stored encrypted; the access token never
touches disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.cfg.Auth.ClientID == "" {
				return fmt.Errorf("login is not configured: auth.client_id is unset")
			}

			ctrl, err := auth.NewController(auth.Config{
				ClientID:     a.cfg.Auth.ClientID,
				AuthURL:      a.cfg.Auth.AuthURL,
				TokenURL:     a.cfg.Auth.TokenURL,
				Scopes:       a.cfg.Auth.Scopes,
				LoginTimeout: a.cfg.Auth.LoginTimeout.Std(),
				Logger:       a.log,
				Metrics:      a.metrics,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Opening browser to complete login...")
			tok, err := ctrl.BeginLogin(ctx)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrLoginTimeout):
					return fmt.Errorf("login timed out; run padstrap login to try again")
				case errors.Is(err, auth.ErrLoginCancelled):
					return fmt.Errorf("login was abandoned; run padstrap login to try again")
				default:
					return err
				}
			}

			tm, err := a.newTokenManager()
			if err != nil {
				return err
			}
			if err := tm.SetSession(ctx, tok); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Logged in.")
			return nil
		},
	}

	return cmd
}
