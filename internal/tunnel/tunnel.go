// Package tunnel manages on-demand SSH local-port-forward tunnels to remote
// inference hosts. It is the Go rendering of the original TunnelManager:
// spawn `ssh -fN -L local:remote_host:remote_port ssh_host`, poll the local
// port until it accepts connections, and tear down cleanly on release.
//
// Acquisition is scoped (§4.3, §9 "scoped acquisition"): Acquire returns a
// Handle whose Release is idempotent and safe to call on every exit path,
// including after a cancelled context. Acquires for the same model key are
// serialized on this worker; acquires for different keys proceed in
// parallel, grounded on the per-service-key mutex map idiom in the teacher's
// internal/network/singleton.go (package-level mutex guarding a
// map[string]*sync.Mutex of finer-grained locks).
package tunnel

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/registry"
)

// DefaultReadinessTimeout matches spec.md §4.3's 30s bound.
const DefaultReadinessTimeout = 30 * time.Second

// DefaultProbeInterval matches spec.md §4.3's 500ms poll interval.
const DefaultProbeInterval = 500 * time.Millisecond

type forward struct {
	refCount  int
	localPort int
}

// Manager resolves model descriptors via the registry and maintains at most
// one live forwarder per model key, refcounted across concurrent Acquire
// callers.
type Manager struct {
	registry *registry.Registry

	keyMu  sync.Mutex // guards perKey
	perKey map[string]*sync.Mutex

	mu       sync.Mutex // guards forwards
	forwards map[string]*forward

	ReadinessTimeout time.Duration
	ProbeInterval    time.Duration
}

// New creates a Manager resolving descriptors through reg.
func New(reg *registry.Registry) *Manager {
	return &Manager{
		registry:         reg,
		perKey:           make(map[string]*sync.Mutex),
		forwards:         make(map[string]*forward),
		ReadinessTimeout: DefaultReadinessTimeout,
		ProbeInterval:    DefaultProbeInterval,
	}
}

// Handle is a scoped acquisition of a local endpoint forwarded (or directly
// pointed, for a model configured with ConnectionMode "direct") at a remote
// inference service.
type Handle struct {
	BaseURL      string
	EndpointPath string
	ModelID      string
	modelKey     string
	mgr          *Manager
	once         sync.Once
}

// Release tears down the forwarder if this was the last outstanding handle
// for the model key. It is idempotent and never panics.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.mgr != nil {
			h.mgr.release(h.modelKey)
		}
	})
}

func (m *Manager) lockFor(modelKey string) *sync.Mutex {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	mu, ok := m.perKey[modelKey]
	if !ok {
		mu = &sync.Mutex{}
		m.perKey[modelKey] = mu
	}
	return mu
}

// Acquire resolves modelKey via the registry and returns a Handle exposing
// the local base URL to reach it. Acquisitions for the same modelKey are
// serialized; a second caller waits until the first has established (or
// failed to establish) the forward.
func (m *Manager) Acquire(ctx context.Context, modelKey string) (*Handle, error) {
	mu := m.lockFor(modelKey)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := m.registry.Get(ctx, modelKey)
	if err != nil {
		return nil, err
	}

	if cfg.ConnectionMode == "direct" {
		return &Handle{BaseURL: strings.TrimSuffix(cfg.ServiceURL, "/"), EndpointPath: cfg.EndpointPath, ModelID: cfg.RequestModelID(), modelKey: modelKey, mgr: m}, nil
	}

	m.mu.Lock()
	fwd, exists := m.forwards[modelKey]
	m.mu.Unlock()
	if exists {
		m.mu.Lock()
		fwd.refCount++
		m.mu.Unlock()
		return &Handle{BaseURL: localBaseURL(fwd.localPort), EndpointPath: cfg.EndpointPath, ModelID: cfg.RequestModelID(), modelKey: modelKey, mgr: m}, nil
	}

	if err := m.spawn(ctx, cfg); err != nil {
		return nil, err
	}
	if err := m.waitReady(ctx, cfg.SSHLocalPort); err != nil {
		killOrphanedForward(cfg.SSHLocalPort)
		return nil, err
	}

	m.mu.Lock()
	m.forwards[modelKey] = &forward{refCount: 1, localPort: cfg.SSHLocalPort}
	m.mu.Unlock()

	return &Handle{BaseURL: localBaseURL(cfg.SSHLocalPort), EndpointPath: cfg.EndpointPath, ModelID: cfg.RequestModelID(), modelKey: modelKey, mgr: m}, nil
}

func localBaseURL(port int) string { return fmt.Sprintf("http://127.0.0.1:%d", port) }

// spawn starts the forwarder, handling port contention: if the local port is
// already bound by an orphaned forwarder this process can attribute to
// itself, it is killed and the spawn retried once before failing with
// LocalPortInUse.
func (m *Manager) spawn(ctx context.Context, cfg *registry.ModelConfig) error {
	err := m.trySpawn(ctx, cfg)
	if err == nil {
		return nil
	}
	if !portAccessible(cfg.SSHLocalPort, 500*time.Millisecond) {
		return err
	}
	// Port is bound; attribute-and-kill any orphaned forwarder of ours, then
	// retry exactly once.
	killOrphanedForward(cfg.SSHLocalPort)
	if retryErr := m.trySpawn(ctx, cfg); retryErr != nil {
		return fmt.Errorf("%w: local port %d still bound after retry", pipeline.ErrLocalPortInUse, cfg.SSHLocalPort)
	}
	return nil
}

func (m *Manager) trySpawn(ctx context.Context, cfg *registry.ModelConfig) error {
	args := []string{
		"-fN",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=10",
		"-L", fmt.Sprintf("%d:%s:%d", cfg.SSHLocalPort, cfg.SSHRemoteHost, cfg.SSHRemotePort),
		cfg.SSHHost,
	}
	cmd := exec.CommandContext(ctx, "ssh", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.ToLower(string(output))
		if strings.Contains(msg, "address already in use") || strings.Contains(msg, "bind") {
			return fmt.Errorf("%w: %s", pipeline.ErrLocalPortInUse, output)
		}
		return fmt.Errorf("ssh -L %d:%s:%d %s: %w (%s)",
			cfg.SSHLocalPort, cfg.SSHRemoteHost, cfg.SSHRemotePort, cfg.SSHHost, err, output)
	}
	return nil
}

// killOrphanedForward kills any ssh forwarder process bound to port. It is
// the only teardown path that works for a forwarder spawned with `-fN`:
// `-f` forks ssh into the background and the foreground command this
// process launched exits immediately, so its *exec.Cmd.Process is already
// gone by the time a handle is released. Matching on the -L flag's local
// port is the attribution signal available to a foreign process without a
// shared PID namespace, grounded on original_source's psutil-based
// close_tunnel() path.
func killOrphanedForward(port int) {
	pattern := fmt.Sprintf("ssh.*-L %d:", port)
	_ = exec.Command("pkill", "-f", pattern).Run()
}

func (m *Manager) waitReady(ctx context.Context, port int) error {
	timeout := m.ReadinessTimeout
	if timeout == 0 {
		timeout = DefaultReadinessTimeout
	}
	interval := m.ProbeInterval
	if interval == 0 {
		interval = DefaultProbeInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if portAccessible(port, interval) {
			return nil
		}
	}
	return fmt.Errorf("%w: local port %d after %s", pipeline.ErrTunnelReadinessTimeout, port, timeout)
}

func portAccessible(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// release decrements the refcount for modelKey, terminating the forwarder
// once the last outstanding Handle releases it.
func (m *Manager) release(modelKey string) {
	mu := m.lockFor(modelKey)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	fwd, ok := m.forwards[modelKey]
	if !ok {
		m.mu.Unlock()
		return
	}
	fwd.refCount--
	remaining := fwd.refCount
	if remaining <= 0 {
		delete(m.forwards, modelKey)
	}
	m.mu.Unlock()

	if remaining <= 0 {
		killOrphanedForward(fwd.localPort)
	}
}

// Outstanding reports the number of model keys with a live forwarder,
// exposed for the tunnel-cleanup testable property (spec.md §8): zero once
// every scope has released.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forwards)
}

// CloseAll forcibly tears down every tracked forwarder, used on worker
// shutdown as a backstop against leaked handles.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	forwards := make([]*forward, 0, len(m.forwards))
	for k, f := range m.forwards {
		forwards = append(forwards, f)
		delete(m.forwards, k)
	}
	m.mu.Unlock()
	for _, f := range forwards {
		killOrphanedForward(f.localPort)
	}
}
