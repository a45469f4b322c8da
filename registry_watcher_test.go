package main

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"droidpilot/pkg/transport"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestRegistryWatcher_ReloadsOnChange(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf")
	path := filepath.Join(dir, DefaultRegistryFile)

	var reloads atomic.Int32
	w := NewRegistryWatcher(path, func() error {
		reloads.Add(1)
		return nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("watch directory not created: %v", err)
	}

	// other files in the directory are ignored
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * registryDebounce)
	if n := reloads.Load(); n != 0 {
		t.Fatalf("unrelated file caused %d reloads", n)
	}

	// a burst of writes settles into one reload
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("actions: {}\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if !waitFor(t, 3*time.Second, func() bool { return reloads.Load() >= 1 }) {
		t.Fatal("overlay write did not trigger a reload")
	}
	time.Sleep(2 * registryDebounce)
	if n := reloads.Load(); n != 1 {
		t.Errorf("reloads = %d, want 1", n)
	}
}

func TestRegistryWatcher_StopIsIdempotent(t *testing.T) {
	w := NewRegistryWatcher(filepath.Join(t.TempDir(), DefaultRegistryFile), func() error { return nil })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Errorf("second Start: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestAppWatchesRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.WatchRegistry = true
	app, err := NewApp(cfg, transport.NewFake(), "test")
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer app.Shutdown()
	app.startup(t.Context())

	if app.watcher == nil {
		t.Fatal("watcher not started")
	}
	before := len(app.service.Actions())
	overlay := `
actions:
  - name: open_camera
    category: camera
    candidates:
      - id: camera_intent
        command: am start -a android.media.action.STILL_IMAGE_CAMERA
`
	if err := os.WriteFile(cfg.RegistryPath, []byte(overlay), 0644); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 3*time.Second, func() bool { return len(app.service.Actions()) == before+1 }) {
		t.Errorf("actions = %d, want %d after overlay", len(app.service.Actions()), before+1)
	}
}
