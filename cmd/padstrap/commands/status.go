package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/padstrap/padstrap/pkg/engine"
	"github.com/padstrap/padstrap/pkg/provision"
	"github.com/padstrap/padstrap/pkg/stores"
)

// stepStatus is one row of the status report.
type stepStatus struct {
	StepID      string     `json:"step_id"`
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// statusReport is the full status report.
type statusReport struct {
	Steps           []stepStatus `json:"steps"`
	PendingInstalls int          `json:"pending_installs"`
	LoggedIn        bool         `json:"logged_in"`
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provisioning and login status",
		Long: `Show which provisioning steps have completed, whether any install
sessions were left open by a previous run, and whether a login session
exists. Reads only local state; the helper is not launched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			markers, err := a.store.ListMarkers(ctx)
			if err != nil {
				return err
			}
			byID := make(map[string]*stores.Marker, len(markers))
			for _, m := range markers {
				if m.SchemaVersion == engine.MarkerSchemaVersion {
					byID[m.StepID] = m
				}
			}

			report := statusReport{}
			for _, step := range provision.Catalog(a.cfg.Provision.ScriptDir) {
				row := stepStatus{StepID: step.ID, Description: step.Description}
				if m, ok := byID[step.ID]; ok {
					row.Completed = true
					at := m.CompletedAt
					row.CompletedAt = &at
				}
				report.Steps = append(report.Steps, row)
			}

			sessions, err := a.store.ListSessions(ctx)
			if err != nil {
				return err
			}
			report.PendingInstalls = len(sessions)

			if a.cfg.Auth.ClientID != "" {
				tm, err := a.newTokenManager()
				if err != nil {
					return err
				}
				loggedIn, err := tm.HasRefreshToken(ctx)
				if err != nil {
					return err
				}
				report.LoggedIn = loggedIn
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			out := cmd.OutOrStdout()
			for _, row := range report.Steps {
				mark := " "
				if row.Completed {
					mark = "x"
				}
				fmt.Fprintf(out, "[%s] %-20s %s\n", mark, row.StepID, row.Description)
			}
			fmt.Fprintf(out, "\nPending install sessions: %d\n", report.PendingInstalls)
			fmt.Fprintf(out, "Logged in: %v\n", report.LoggedIn)
			return nil
		},
	}

	return cmd
}
