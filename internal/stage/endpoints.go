package stage

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgelabs/build-plane/internal/models"
)

// Endpoint configures one remote stage.
type Endpoint struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EndpointsConfig maps stages to their remote endpoints. Stages
// absent from the file fall back to local implementations where one
// exists (splitter) or fail at startup.
type EndpointsConfig struct {
	Stages map[models.Stage]Endpoint `yaml:"stages"`
}

// LoadEndpoints reads a stage endpoint configuration file.
func LoadEndpoints(path string) (*EndpointsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stage config: %w", err)
	}

	var cfg EndpointsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing stage config: %w", err)
	}

	for stageName, ep := range cfg.Stages {
		if ep.URL == "" {
			return nil, fmt.Errorf("stage %s: url is required", stageName)
		}
		if ep.Timeout == 0 {
			ep.Timeout = DefaultStageTimeout(stageName)
			cfg.Stages[stageName] = ep
		}
	}
	return &cfg, nil
}

// DefaultStageTimeout returns the per-invocation timeout for a stage.
// The tester waits on a sandbox run, so it gets a longer budget.
func DefaultStageTimeout(stageName models.Stage) time.Duration {
	if stageName == models.StageTester {
		return 15 * time.Minute
	}
	return 5 * time.Minute
}
