// Package provision defines the step catalog the agent drives through the
// correlation channel. Steps are strictly ordered: each one depends on
// filesystem and environment state created by the ones before it.
package provision

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/padstrap/padstrap/pkg/channel"
	"github.com/padstrap/padstrap/pkg/engine"
)

// Timeout classes. Provisioning steps run package managers and extractors on
// slow storage; verification steps only probe.
const (
	ProvisionTimeout = 5 * time.Minute
	VerifyTimeout    = 30 * time.Second
)

// Catalog returns the provisioning sequence. scriptDir holds the versioned
// step scripts; their bodies are an opaque contract, the agent only knows
// each script's verification marker.
func Catalog(scriptDir string) []engine.Step {
	script := func(name string) string {
		return filepath.Join(scriptDir, name)
	}

	return []engine.Step{
		{
			ID:          "bootstrap-base",
			Description: "Install the base system image",
			Request: &channel.Request{
				Command:    script("bootstrap-base.sh"),
				Foreground: false,
			},
			Timeout: ProvisionTimeout,
			Verify: confirmOr("BOOTSTRAP_OK",
				"Grant padstrap storage access in the system settings, then re-check."),
		},
		{
			ID:          "refresh-index",
			Description: "Refresh the package index",
			Request: &channel.Request{
				Command:    script("refresh-index.sh"),
				Foreground: false,
			},
			Timeout: ProvisionTimeout,
			// No probe on purpose: the index refresh re-runs on every retry
			// even when the index is already current. Safety over speed; the
			// refresh itself is idempotent.
			Verify: stdoutContains("INDEX_OK"),
		},
		{
			ID:          "install-toolchain",
			Description: "Install the development toolchain",
			Request: &channel.Request{
				Command:    script("install-toolchain.sh"),
				Foreground: false,
			},
			Timeout: ProvisionTimeout,
			Verify:  stdoutContains("TOOLCHAIN_OK"),
		},
		{
			ID:          "configure-profile",
			Description: "Write the shell profile",
			Request: &channel.Request{
				Command:    script("configure-profile.sh"),
				Foreground: false,
			},
			Timeout: ProvisionTimeout,
			Verify:  stdoutContains("PROFILE_OK"),
		},
		{
			ID:          "link-binaries",
			Description: "Link toolchain binaries onto the PATH",
			Request: &channel.Request{
				Command:    script("link-binaries.sh"),
				Foreground: false,
			},
			Timeout: ProvisionTimeout,
			Verify:  stdoutContains("LINK_OK"),
		},
		{
			ID:          "verify-toolchain",
			Description: "Verify the toolchain answers",
			Request: &channel.Request{
				Command:    script("verify-toolchain.sh"),
				Foreground: false,
			},
			Timeout: VerifyTimeout,
			Verify:  stdoutContains("VERIFY_OK"),
		},
		{
			ID:          "health-check",
			Description: "Run the final environment health check",
			Request: &channel.Request{
				Command:    script("health-check.sh"),
				Foreground: false,
			},
			Timeout: VerifyTimeout,
			Verify:  stdoutContains("HEALTH_OK"),
		},
	}
}

// stdoutContains builds a predicate that passes when the step's marker text
// appears on stdout, regardless of exit code.
func stdoutContains(marker string) engine.VerifyFunc {
	return func(res *channel.Result) error {
		if strings.Contains(res.Stdout, marker) {
			return nil
		}
		return fmt.Errorf("verification marker %s not found in output", marker)
	}
}

// confirmOr builds a predicate that passes on the marker, converts the
// helper's CONFIRM_REQUIRED token into a manual-action condition, and fails
// otherwise.
func confirmOr(marker, instructions string) engine.VerifyFunc {
	return func(res *channel.Result) error {
		if strings.Contains(res.Stdout, marker) {
			return nil
		}
		if strings.Contains(res.Stdout, "CONFIRM_REQUIRED") {
			return &engine.ManualActionError{Instructions: instructions}
		}
		return fmt.Errorf("verification marker %s not found in output", marker)
	}
}
