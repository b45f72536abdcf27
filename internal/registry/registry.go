// Package registry is a Redis-backed model configuration registry: which
// inference backend and tunnel settings apply to a given model key
// ("qwen3_vl_fp8", "minimax", ...). It is the Go equivalent of the original
// ConfigRegistry, backed by the same hash-per-model-plus-keys-set layout so
// existing seed data is wire-compatible.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

const keysSetKey = "model:config:_keys"

func configKey(modelKey string) string { return "model:config:" + modelKey }

// ModelConfig is one model's registered backend configuration.
type ModelConfig struct {
	ModelKey        string  `json:"model_key"`
	SupportsVideo   bool    `json:"supports_video"`
	ConnectionMode  string  `json:"connection_mode"` // "tunnel" or "direct"
	ServiceURL      string  `json:"service_url,omitempty"`
	SSHHost         string  `json:"ssh_host,omitempty"`
	SSHLocalPort    int     `json:"ssh_local_port,omitempty"`
	SSHRemoteHost   string  `json:"ssh_remote_host,omitempty"`
	SSHRemotePort   int     `json:"ssh_remote_port,omitempty"`
	EndpointPath    string  `json:"endpoint_path,omitempty"` // e.g. "/v1/chat/completions"; empty uses the inference client's default
	ModelID         string  `json:"model_id,omitempty"`      // model identifier sent in request bodies; defaults to ModelKey when empty
	TopK            int     `json:"top_k,omitempty"`
	TopP            float64 `json:"top_p,omitempty"`
	UpdatedAt       string  `json:"updated_at,omitempty"`
}

// RequestModelID returns the model identifier to send in inference request
// bodies, falling back to the registry key when no override is configured.
func (c *ModelConfig) RequestModelID() string {
	if c.ModelID != "" {
		return c.ModelID
	}
	return c.ModelKey
}

// NotFoundError reports that modelKey has no registered configuration, and
// lists what is available so the caller can point the operator at a fix —
// mirroring ModelConfigNotFoundError's message.
type NotFoundError struct {
	ModelKey  string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: model %q not configured, available: %v", pipeline.ErrModelNotRegistered, e.ModelKey, e.Available)
}

func (e *NotFoundError) Unwrap() error { return pipeline.ErrModelNotRegistered }

// Registry reads and writes ModelConfig entries.
type Registry struct {
	client *store.Client
}

// New creates a Registry.
func New(client *store.Client) *Registry {
	return &Registry{client: client}
}

// Get loads a model's configuration, returning *NotFoundError if unregistered.
func (r *Registry) Get(ctx context.Context, modelKey string) (*ModelConfig, error) {
	data, err := r.client.HashGetAll(ctx, configKey(modelKey))
	if err != nil {
		return nil, fmt.Errorf("get model config %s: %w", modelKey, err)
	}
	if len(data) == 0 {
		available, _ := r.ListKeys(ctx)
		return nil, &NotFoundError{ModelKey: modelKey, Available: available}
	}
	cfg := &ModelConfig{ModelKey: modelKey}
	cfg.SupportsVideo = data["supports_video"] == "true"
	cfg.ConnectionMode = data["connection_mode"]
	cfg.ServiceURL = data["service_url"]
	cfg.SSHHost = data["ssh_host"]
	cfg.SSHRemoteHost = data["ssh_remote_host"]
	cfg.EndpointPath = data["endpoint_path"]
	cfg.ModelID = data["model_id"]
	cfg.UpdatedAt = data["updated_at"]
	if v, ok := data["ssh_local_port"]; ok {
		cfg.SSHLocalPort, _ = strconv.Atoi(v)
	}
	if v, ok := data["ssh_remote_port"]; ok {
		cfg.SSHRemotePort, _ = strconv.Atoi(v)
	}
	if v, ok := data["top_k"]; ok {
		cfg.TopK, _ = strconv.Atoi(v)
	}
	if v, ok := data["top_p"]; ok {
		cfg.TopP, _ = strconv.ParseFloat(v, 64)
	}
	return cfg, nil
}

// Set stores/overwrites a model's full configuration.
func (r *Registry) Set(ctx context.Context, cfg ModelConfig) error {
	fields := map[string]interface{}{
		"supports_video":  strconv.FormatBool(cfg.SupportsVideo),
		"connection_mode": cfg.ConnectionMode,
		"service_url":     cfg.ServiceURL,
		"ssh_host":        cfg.SSHHost,
		"ssh_remote_host": cfg.SSHRemoteHost,
		"ssh_local_port":  strconv.Itoa(cfg.SSHLocalPort),
		"ssh_remote_port": strconv.Itoa(cfg.SSHRemotePort),
		"endpoint_path":   cfg.EndpointPath,
		"model_id":        cfg.ModelID,
		"top_k":           strconv.Itoa(cfg.TopK),
		"top_p":           strconv.FormatFloat(cfg.TopP, 'f', -1, 64),
		"updated_at":      time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.client.HashSet(ctx, configKey(cfg.ModelKey), fields); err != nil {
		return fmt.Errorf("set model config %s: %w", cfg.ModelKey, err)
	}
	return r.client.SetAdd(ctx, keysSetKey, cfg.ModelKey)
}

// Delete removes a model's configuration, reporting whether it existed.
func (r *Registry) Delete(ctx context.Context, modelKey string) (bool, error) {
	existed, err := r.client.Exists(ctx, configKey(modelKey))
	if err != nil || !existed {
		return false, err
	}
	if err := r.client.Delete(ctx, configKey(modelKey)); err != nil {
		return false, err
	}
	if err := r.client.SetRemove(ctx, keysSetKey, modelKey); err != nil {
		return false, err
	}
	return true, nil
}

// ListKeys returns every registered model key.
func (r *Registry) ListKeys(ctx context.Context) ([]string, error) {
	return r.client.SetMembers(ctx, keysSetKey)
}

// List returns every registered model's configuration, skipping (and
// logging-by-omission) any key present in the set but missing its hash.
func (r *Registry) List(ctx context.Context) ([]ModelConfig, error) {
	keys, err := r.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	configs := make([]ModelConfig, 0, len(keys))
	for _, key := range keys {
		cfg, err := r.Get(ctx, key)
		if err != nil {
			var nf *NotFoundError
			if isNotFound(err, &nf) {
				continue
			}
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, nil
}

func isNotFound(err error, target **NotFoundError) bool {
	nf, ok := err.(*NotFoundError)
	if ok {
		*target = nf
	}
	return ok
}
