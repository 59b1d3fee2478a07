package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/pushkeeper/internal/assets"
	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/lifecycle"
)

type fakeClaimer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeClaimer) Claim(_ context.Context, gen string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, gen)
	return 2, f.err
}

type memState struct {
	mu   sync.Mutex
	vals map[string]string
}

func (m *memState) SetState(_ context.Context, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals == nil {
		m.vals = map[string]string{}
	}
	m.vals[k] = v
	return nil
}

func (m *memState) GetState(_ context.Context, k string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vals[k], nil
}

// flakyCache fails to delete the generations listed in failOn.
type flakyCache struct {
	*assets.Cache
	failOn map[string]bool
}

func (f flakyCache) Delete(ctx context.Context, gen string) (bool, error) {
	if f.failOn[gen] {
		return false, errors.New("device busy")
	}
	return f.Cache.Delete(ctx, gen)
}

func newCache(t *testing.T, gens ...string) *assets.Cache {
	t.Helper()
	c, err := assets.New(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	for _, g := range gens {
		if err := c.Ensure(g); err != nil {
			t.Fatalf("ensure %s: %v", g, err)
		}
	}
	return c
}

func TestController_InstallActivateLeavesOneGeneration(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t, "v0", "v1")
	static := t.TempDir()
	os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>"), 0o644)
	claimer := &fakeClaimer{}
	state := &memState{}

	c := lifecycle.New(lifecycle.Options{
		Generation: "v2",
		StaticDir:  static,
		Precache:   []string{"index.html"},
		Cache:      cache,
		Claimer:    claimer,
		State:      state,
	})
	if err := c.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if c.Active() != "v2" {
		t.Fatalf("install should make v2 active at once, active=%q", c.Active())
	}

	report, err := c.Activate(ctx)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if report.Err != nil {
		t.Fatalf("unexpected deletion errors: %v", report.Err)
	}
	keys, _ := cache.Keys(ctx)
	if strings.Join(keys, ",") != "v2" {
		t.Fatalf("expected only v2 to remain, got %v", keys)
	}
	if len(report.Deleted) != 2 || report.Claimed != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(claimer.calls) != 1 || claimer.calls[0] != "v2" {
		t.Fatalf("claim calls = %v", claimer.calls)
	}
	if st, gen := c.State(); st != lifecycle.StateActivated || gen != "v2" {
		t.Fatalf("state = %s %s", st, gen)
	}
	if state.vals[lifecycle.KeyState] != string(lifecycle.StateActivated) || state.vals[lifecycle.KeyGeneration] != "v2" {
		t.Fatalf("persisted state = %v", state.vals)
	}
	f, err := cache.Get("v2", "index.html")
	if err != nil {
		t.Fatalf("precached file missing: %v", err)
	}
	f.Close()
}

func TestController_DeletionFailureDoesNotBlockOthersOrClaim(t *testing.T) {
	ctx := context.Background()
	base := newCache(t, "old-a", "old-b", "old-c", "v2")
	claimer := &fakeClaimer{}
	c := lifecycle.New(lifecycle.Options{
		Generation: "v2",
		Cache:      flakyCache{Cache: base, failOn: map[string]bool{"old-b": true}},
		Claimer:    claimer,
	})

	report, err := c.Activate(ctx)
	if err != nil {
		t.Fatalf("activate should not fail on deletion errors: %v", err)
	}
	if !errors.Is(report.Err, lifecycle.ErrCacheDeletionFailed) || !strings.Contains(report.Err.Error(), "old-b") {
		t.Fatalf("expected ErrCacheDeletionFailed for old-b, got %v", report.Err)
	}
	keys, _ := base.Keys(ctx)
	if strings.Join(keys, ",") != "old-b,v2" {
		t.Fatalf("siblings should still be deleted, got %v", keys)
	}
	if len(claimer.calls) != 1 {
		t.Fatal("claim must happen even when a deletion fails")
	}
}

func TestController_ClaimFailureIsReported(t *testing.T) {
	c := lifecycle.New(lifecycle.Options{Generation: "v1", Claimer: &fakeClaimer{err: errors.New("hub closed")}})
	if _, err := c.Activate(context.Background()); err == nil {
		t.Fatal("expected claim error")
	}
	if st, _ := c.State(); st != lifecycle.StateActivated {
		t.Fatalf("state = %s", st)
	}
}

func TestController_CutoverPublishesTransitions(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicLifecycleChanged)
	defer b.Unsubscribe(sub)

	cache := newCache(t, "v1")
	state := &memState{}
	c := lifecycle.New(lifecycle.Options{Generation: "v1", Cache: cache, State: state, Bus: b})

	if _, err := c.Cutover(context.Background(), "v2"); err != nil {
		t.Fatalf("cutover: %v", err)
	}
	var got []string
	for len(got) < 4 {
		select {
		case ev := <-sub.Ch():
			le := ev.Payload.(bus.LifecycleEvent)
			if le.Generation != "v2" {
				t.Fatalf("unexpected generation in %+v", le)
			}
			got = append(got, le.To)
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v", got)
		}
	}
	want := "installing,installed,activating,activated"
	if strings.Join(got, ",") != want {
		t.Fatalf("transitions = %v, want %s", got, want)
	}
	keys, _ := cache.Keys(context.Background())
	if strings.Join(keys, ",") != "v2" {
		t.Fatalf("keys = %v", keys)
	}
	if gen, _ := c.Restore(context.Background()); gen != "v2" {
		t.Fatalf("restored generation = %q", gen)
	}
}
