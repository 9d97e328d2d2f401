package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/padstrap/padstrap/pkg/installer"
)

func newInstallCommand() *cobra.Command {
	var (
		pkgName    string
		pkgVersion string
	)

	cmd := &cobra.Command{
		Use:   "install <package-file>",
		Short: "Install a package through a durable session",
		Long: `Install a package file through a session-based pipeline.

The identity declared by the package file's name must match the expected
identity given by --name and --version before a single byte is written.
Sessions left open by a previous crashed run are abandoned first.`,
		Example: `  # Install toolchain-1.4.2.pkg, verifying its identity
  padstrap install toolchain-1.4.2.pkg --name toolchain --version 1.4.2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			declared, err := identityFromFilename(path)
			if err != nil {
				return err
			}
			expected := installer.Identity{Name: pkgName, Version: pkgVersion}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			pipeline, err := a.newPipeline()
			if err != nil {
				return err
			}
			if err := pipeline.AbandonStale(ctx); err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open package: %w", err)
			}
			defer f.Close()

			outcome, err := pipeline.Install(ctx, f, declared, expected)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch outcome.Code {
			case installer.StatusSuccess:
				fmt.Fprintf(out, "Installed %s\n", expected)
			case installer.StatusNeedsConfirmation:
				fmt.Fprintf(out, "Install of %s needs confirmation:\n  %s\n",
					expected, outcome.Confirm.Instructions)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pkgName, "name", "", "expected package name")
	cmd.Flags().StringVar(&pkgVersion, "version", "", "expected package version")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("version")

	return cmd
}

// identityFromFilename parses "name-version.ext" into the identity the
// package declares.
func identityFromFilename(path string) (installer.Identity, error) {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	idx := strings.LastIndex(base, "-")
	if idx <= 0 || idx == len(base)-1 {
		return installer.Identity{}, fmt.Errorf("package filename %q does not declare name-version", filepath.Base(path))
	}
	return installer.Identity{Name: base[:idx], Version: base[idx+1:]}, nil
}
