package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/padstrap/padstrap/pkg/engine"
)

func newProvisionCommand() *cobra.Command {
	var retryStep string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Run the provisioning sequence",
		Long: `Run the provisioning sequence from the first incomplete step.

Steps completed in a previous run are skipped based on their persisted
markers. A step that previously failed or asked for manual action can be
re-entered with --retry.`,
		Example: `  # Provision from wherever the last run stopped
  padstrap provision

  # Re-enter a failed step and continue
  padstrap provision --retry install-toolchain`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			broker, transport, err := a.startBroker(ctx)
			if err != nil {
				return err
			}
			defer func() {
				broker.Close()
				if err := transport.Close(); err != nil {
					a.log.Warn().Err(err).Msg("Failed to close helper transport")
				}
			}()

			runner, err := a.newRunner(ctx, broker)
			if err != nil {
				return err
			}

			if retryStep != "" {
				err = runner.Retry(ctx, retryStep)
			} else {
				err = runner.Run(ctx)
			}

			printStates(cmd, runner.States())

			var mae *engine.ManualActionError
			if errors.As(err, &mae) {
				fmt.Fprintf(cmd.OutOrStdout(),
					"\nManual action required for step %s:\n  %s\n\nRe-run with --retry %s once done.\n",
					mae.StepID, mae.Instructions, mae.StepID)
				return err
			}
			return err
		},
	}

	cmd.Flags().StringVar(&retryStep, "retry", "", "re-enter a failed or manual-action step")

	return cmd
}

func printStates(cmd *cobra.Command, states []engine.StepState) {
	out := cmd.OutOrStdout()
	for _, st := range states {
		line := fmt.Sprintf("%-20s %s", st.StepID, st.Phase)
		if st.Reconciled {
			line += " (from marker)"
		}
		if st.Reason != "" {
			line += "  " + st.Reason
		}
		fmt.Fprintln(out, line)
	}
}
