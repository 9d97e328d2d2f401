package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored login session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			tm, err := a.newTokenManager()
			if err != nil {
				return err
			}
			if err := tm.Clear(ctx); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}

	return cmd
}
