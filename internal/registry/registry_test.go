package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := store.New(store.Config{ConsumerGroup: "pipeline-workers"})
	if err := client.Connect(context.Background(), "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return New(client)
}

func TestGetUnregisteredModelFails(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get(context.Background(), "missing")
	if !errors.Is(err, pipeline.ErrModelNotRegistered) {
		t.Fatalf("err = %v, want wrapping ErrModelNotRegistered", err)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cfg := ModelConfig{
		ModelKey:       "qwen3_vl",
		SupportsVideo:  true,
		ConnectionMode: "tunnel",
		SSHHost:        "gpu-1",
		SSHLocalPort:   8123,
		SSHRemoteHost:  "127.0.0.1",
		SSHRemotePort:  8000,
		EndpointPath:   "/v1/chat/completions",
		TopK:           40,
		TopP:           0.9,
	}
	if err := r.Set(ctx, cfg); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := r.Get(ctx, "qwen3_vl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.SupportsVideo || got.SSHHost != "gpu-1" || got.SSHLocalPort != 8123 || got.TopK != 40 {
		t.Fatalf("got = %+v, want matching fields from Set", got)
	}
	if got.RequestModelID() != "qwen3_vl" {
		t.Fatalf("RequestModelID() = %q, want fallback to the model key", got.RequestModelID())
	}
}

func TestRequestModelIDPrefersOverride(t *testing.T) {
	c := ModelConfig{ModelKey: "qwen3_vl", ModelID: "Qwen/Qwen3-VL-32B"}
	if got := c.RequestModelID(); got != "Qwen/Qwen3-VL-32B" {
		t.Fatalf("RequestModelID() = %q, want the explicit override", got)
	}
}

func TestDeleteRemovesKeyFromListing(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Set(ctx, ModelConfig{ModelKey: "a"}); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := r.Set(ctx, ModelConfig{ModelKey: "b"}); err != nil {
		t.Fatalf("set b: %v", err)
	}

	existed, err := r.Delete(ctx, "a")
	if err != nil || !existed {
		t.Fatalf("delete a: existed=%v err=%v", existed, err)
	}

	keys, err := r.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("keys = %v, want [b]", keys)
	}

	existed, err = r.Delete(ctx, "a")
	if err != nil || existed {
		t.Fatalf("deleting an already-gone key: existed=%v err=%v", existed, err)
	}
}

func TestSeedOnlyPopulatesEmptyRegistry(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "models.yaml")
	contents := "models:\n" +
		"  - key: qwen3_vl\n" +
		"    supports_video: true\n" +
		"    connection_mode: tunnel\n" +
		"    ssh_host: gpu-1\n" +
		"    ssh_local_port: 8123\n" +
		"    ssh_remote_host: 127.0.0.1\n" +
		"    ssh_remote_port: 8000\n" +
		"  - key: minimax_text\n" +
		"    connection_mode: direct\n" +
		"    service_url: http://localhost:9100\n"
	if err := os.WriteFile(manifestPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if err := r.Seed(ctx, manifestPath); err != nil {
		t.Fatalf("seed: %v", err)
	}

	keys, err := r.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want 2 seeded entries", keys)
	}

	qwen, err := r.Get(ctx, "qwen3_vl")
	if err != nil || !qwen.SupportsVideo {
		t.Fatalf("qwen3_vl = %+v, err=%v, want supports_video=true", qwen, err)
	}

	// Seeding again after a manual registration must not overwrite it.
	if err := r.Set(ctx, ModelConfig{ModelKey: "qwen3_vl", SupportsVideo: false}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := r.Seed(ctx, manifestPath); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	qwen, err = r.Get(ctx, "qwen3_vl")
	if err != nil {
		t.Fatalf("get after second seed: %v", err)
	}
	if qwen.SupportsVideo {
		t.Fatalf("seed must not run again once the registry is non-empty")
	}
}

func TestSeedMissingFileIsNotAnError(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Seed(context.Background(), "/nonexistent/models.yaml"); err != nil {
		t.Fatalf("seed with missing manifest: %v", err)
	}
}
