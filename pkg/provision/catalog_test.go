package provision

import (
	"path/filepath"
	"testing"

	"github.com/padstrap/padstrap/pkg/channel"
	"github.com/padstrap/padstrap/pkg/engine"
)

func TestCatalogStepsAreValid(t *testing.T) {
	seen := make(map[string]bool)
	for _, step := range Catalog("/opt/padstrap/scripts") {
		if err := step.Validate(); err != nil {
			t.Errorf("step %s invalid: %v", step.ID, err)
		}
		if seen[step.ID] {
			t.Errorf("duplicate step id %s", step.ID)
		}
		seen[step.ID] = true

		if !filepath.IsAbs(step.Request.Command) {
			t.Errorf("step %s: command %q is not rooted in the script dir", step.ID, step.Request.Command)
		}
	}
}

func TestVerifyPassesOnMarkerRegardlessOfExitCode(t *testing.T) {
	verify := stdoutContains("INDEX_OK")

	if err := verify(&channel.Result{Stdout: "refreshing...\nINDEX_OK\n", ExitCode: 1}); err != nil {
		t.Errorf("marker present but predicate failed: %v", err)
	}
	if err := verify(&channel.Result{Stdout: "refreshing...\n", ExitCode: 0}); err == nil {
		t.Error("marker absent but predicate passed")
	}
}

func TestConfirmOrSurfacesManualAction(t *testing.T) {
	verify := confirmOr("BOOTSTRAP_OK", "grant storage access")

	if err := verify(&channel.Result{Stdout: "BOOTSTRAP_OK"}); err != nil {
		t.Errorf("marker present but predicate failed: %v", err)
	}

	err := verify(&channel.Result{Stdout: "CONFIRM_REQUIRED"})
	if !engine.IsManualAction(err) {
		t.Fatalf("expected manual action, got %v", err)
	}

	if err := verify(&channel.Result{Stdout: "garbage"}); err == nil || engine.IsManualAction(err) {
		t.Errorf("expected plain failure, got %v", err)
	}
}

func TestVerificationStepsUseShorterTimeouts(t *testing.T) {
	for _, step := range Catalog("/opt/padstrap/scripts") {
		switch step.ID {
		case "verify-toolchain", "health-check":
			if step.Timeout != VerifyTimeout {
				t.Errorf("step %s: expected verify timeout, got %v", step.ID, step.Timeout)
			}
		default:
			if step.Timeout != ProvisionTimeout {
				t.Errorf("step %s: expected provision timeout, got %v", step.ID, step.Timeout)
			}
		}
	}
}
