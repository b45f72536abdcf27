package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// manifest is the on-disk shape of a model registry seed file, grounded on
// the teacher's citadel.yaml manifest reader (internal/network/singleton.go):
// a small typed struct decoded with gopkg.in/yaml.v3, tolerant of a missing
// file.
type manifest struct {
	Models []manifestModel `yaml:"models"`
}

type manifestModel struct {
	Key            string  `yaml:"key"`
	SupportsVideo  bool    `yaml:"supports_video"`
	ConnectionMode string  `yaml:"connection_mode"`
	ServiceURL     string  `yaml:"service_url"`
	SSHHost        string  `yaml:"ssh_host"`
	SSHLocalPort   int     `yaml:"ssh_local_port"`
	SSHRemoteHost  string  `yaml:"ssh_remote_host"`
	SSHRemotePort  int     `yaml:"ssh_remote_port"`
	EndpointPath   string  `yaml:"endpoint_path"`
	ModelID        string  `yaml:"model_id"`
	TopK           int     `yaml:"top_k"`
	TopP           float64 `yaml:"top_p"`
}

// Seed loads manifestPath (if it exists) and registers every model it
// declares, but only when the registry is currently empty — spec.md §4.2:
// "Seeds defaults on process start if model:config:_keys is empty." A
// missing manifest file is not an error; a worker can run entirely off a
// registry populated through Registry.Set or by a prior process.
func (r *Registry) Seed(ctx context.Context, manifestPath string) error {
	if manifestPath == "" {
		return nil
	}
	existing, err := r.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("seed registry: list existing keys: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("seed registry: read %s: %w", manifestPath, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("seed registry: parse %s: %w", manifestPath, err)
	}

	for _, mm := range m.Models {
		if mm.Key == "" {
			continue
		}
		cfg := ModelConfig{
			ModelKey:       mm.Key,
			SupportsVideo:  mm.SupportsVideo,
			ConnectionMode: mm.ConnectionMode,
			ServiceURL:     mm.ServiceURL,
			SSHHost:        mm.SSHHost,
			SSHLocalPort:   mm.SSHLocalPort,
			SSHRemoteHost:  mm.SSHRemoteHost,
			SSHRemotePort:  mm.SSHRemotePort,
			EndpointPath:   mm.EndpointPath,
			ModelID:        mm.ModelID,
			TopK:           mm.TopK,
			TopP:           mm.TopP,
		}
		if cfg.ConnectionMode == "" {
			cfg.ConnectionMode = "tunnel"
		}
		if err := r.Set(ctx, cfg); err != nil {
			return fmt.Errorf("seed registry: register %s: %w", mm.Key, err)
		}
	}
	return nil
}
