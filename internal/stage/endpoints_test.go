package stage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgelabs/build-plane/internal/models"
)

func writeStageConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stages.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEndpoints(t *testing.T) {
	path := writeStageConfig(t, `
stages:
  scout:
    url: http://scout.internal/invoke
    timeout: 2m
  tester:
    url: http://tester.internal/invoke
`)

	cfg, err := LoadEndpoints(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	scout := cfg.Stages[models.StageScout]
	if scout.URL != "http://scout.internal/invoke" {
		t.Errorf("scout url = %q", scout.URL)
	}
	if scout.Timeout != 2*time.Minute {
		t.Errorf("scout timeout = %v, want explicit 2m", scout.Timeout)
	}

	// Omitted timeouts fall back to the per-stage default.
	tester := cfg.Stages[models.StageTester]
	if tester.Timeout != 15*time.Minute {
		t.Errorf("tester timeout = %v, want 15m default", tester.Timeout)
	}
}

func TestLoadEndpointsRequiresURL(t *testing.T) {
	path := writeStageConfig(t, `
stages:
  builder:
    timeout: 1m
`)
	if _, err := LoadEndpoints(path); err == nil {
		t.Fatal("load succeeded without url, want error")
	}
}

func TestLoadEndpointsMissingFile(t *testing.T) {
	if _, err := LoadEndpoints(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("load succeeded for missing file, want error")
	}
}

func TestDefaultStageTimeout(t *testing.T) {
	if d := DefaultStageTimeout(models.StageTester); d != 15*time.Minute {
		t.Errorf("tester default = %v, want 15m", d)
	}
	for _, st := range []models.Stage{models.StageScout, models.StageArchitect, models.StageBuilder, models.StageDeployer} {
		if d := DefaultStageTimeout(st); d != 5*time.Minute {
			t.Errorf("%s default = %v, want 5m", st, d)
		}
	}
}
