package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type eventRecorder struct {
	events chan ChangeEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan ChangeEvent, 16)}
}

func (r *eventRecorder) record(e ChangeEvent) {
	select {
	case r.events <- e:
	default:
	}
}

func (r *eventRecorder) wait(t *testing.T) ChangeEvent {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no change event")
		return ChangeEvent{}
	}
}

func newTestWatcher(t *testing.T, cfg *Config) *Watcher {
	t.Helper()
	w, err := NewWatcher(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWatcher_ConfigFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "auth:\n  user_type: one\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.PromptsDir = filepath.Join(dir, "prompts")

	w := newTestWatcher(t, cfg)
	rec := newEventRecorder()
	w.Subscribe(rec.record)

	writeFile(t, path, "auth:\n  user_type: two\n")

	e := rec.wait(t)
	if e.Err != nil {
		t.Fatalf("reload error: %v", e.Err)
	}
	if e.Config.Auth.UserType != "two" {
		t.Errorf("reloaded UserType = %q", e.Config.Auth.UserType)
	}
	if e.Config.Path() != path {
		t.Errorf("reloaded Path() = %q", e.Config.Path())
	}
}

func TestWatcher_InvalidConfigReportsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "")
	cfg, _ := Load(path)
	cfg.PromptsDir = filepath.Join(dir, "prompts")

	w := newTestWatcher(t, cfg)
	rec := newEventRecorder()
	w.Subscribe(rec.record)

	writeFile(t, path, "server:\n  bogus: 1\n")

	e := rec.wait(t)
	if e.Err == nil || e.Config != nil {
		t.Errorf("event = %+v, want error", e)
	}
}

func TestWatcher_PromptDirCreatedLater(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.PromptsDir = filepath.Join(dir, "prompts")

	w := newTestWatcher(t, cfg)
	rec := newEventRecorder()
	w.Subscribe(rec.record)

	if err := os.Mkdir(cfg.PromptsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	writeFile(t, filepath.Join(cfg.PromptsDir, "hello.md"), "hi")
	e := rec.wait(t)
	if e.Config == nil || e.Config.PromptsDir == "" {
		t.Fatalf("event = %+v", e)
	}
	set, err := e.Config.AllPrompts()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set.Get("hello"); !ok {
		t.Errorf("new prompt not visible, names = %v", set.Names())
	}
}

func TestWatcher_Unsubscribe(t *testing.T) {
	w := newTestWatcher(t, Default())
	unsub := w.Subscribe(func(ChangeEvent) {})
	w.Subscribe(func(ChangeEvent) {})
	if w.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount() = %d", w.SubscriberCount())
	}
	unsub()
	unsub()
	if w.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d after unsubscribe", w.SubscriberCount())
	}
}
