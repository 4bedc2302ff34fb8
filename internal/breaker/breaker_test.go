package breaker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"landscape/internal/config"
	"landscape/internal/store"
)

var errBoom = errors.New("boom")

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Breakers = map[string]config.BreakerConfig{
		"default": {
			FailureThreshold: 3,
			Window:           time.Minute,
			CoolDown:         2 * time.Minute,
			MaxCoolDown:      30 * time.Minute,
		},
	}
	return cfg
}

func newTestRegistry(t *testing.T, ckpt Checkpointer) (*Registry, *time.Time) {
	t.Helper()
	r, err := NewRegistry(context.Background(), testConfig(), ckpt, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	now := time.Now()
	r.now = func() time.Time { return now }
	return r, &now
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestOpensAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Do(ctx, "scraper", fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if got := r.StateOf("scraper"); got != Open {
		t.Fatalf("state = %s, want open", got)
	}
	// Calls are refused without invoking op.
	invoked := false
	err := r.Do(ctx, "scraper", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if invoked {
		t.Error("op invoked while open")
	}
}

func TestSuccessResetsCount(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	r.Do(ctx, "scraper", fail)
	r.Do(ctx, "scraper", fail)
	r.Do(ctx, "scraper", succeed)
	r.Do(ctx, "scraper", fail)
	r.Do(ctx, "scraper", fail)

	if got := r.StateOf("scraper"); got != Closed {
		t.Errorf("state = %s, want closed after interleaved success", got)
	}
}

func TestWindowResetsCount(t *testing.T) {
	r, now := newTestRegistry(t, nil)
	ctx := context.Background()

	r.Do(ctx, "scraper", fail)
	r.Do(ctx, "scraper", fail)
	// Failures older than the window no longer count.
	*now = now.Add(2 * time.Minute)
	r.Do(ctx, "scraper", fail)

	if got := r.StateOf("scraper"); got != Closed {
		t.Errorf("state = %s, want closed: stale failures expired", got)
	}
}

func TestHalfOpenTrialAndDoubledCoolDown(t *testing.T) {
	r, now := newTestRegistry(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Do(ctx, "scraper", fail)
	}
	// Cool-down elapses; the circuit admits exactly one trial.
	*now = now.Add(3 * time.Minute)
	if got := r.StateOf("scraper"); got != HalfOpen {
		t.Fatalf("state = %s, want half-open", got)
	}

	// Failed trial reopens with doubled cool-down (2m → 4m).
	if err := r.Do(ctx, "scraper", fail); !errors.Is(err, errBoom) {
		t.Fatal(err)
	}
	if got := r.StateOf("scraper"); got != Open {
		t.Fatalf("state = %s, want open after failed trial", got)
	}
	*now = now.Add(3 * time.Minute)
	if got := r.StateOf("scraper"); got != Open {
		t.Errorf("state = %s: doubled cool-down should still hold", got)
	}
	*now = now.Add(2 * time.Minute)
	if got := r.StateOf("scraper"); got != HalfOpen {
		t.Errorf("state = %s, want half-open after doubled cool-down", got)
	}

	// Successful trial closes and resets the ladder.
	if err := r.Do(ctx, "scraper", succeed); err != nil {
		t.Fatal(err)
	}
	if got := r.StateOf("scraper"); got != Closed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	r, now := newTestRegistry(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Do(ctx, "scraper", fail)
	}
	*now = now.Add(3 * time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "scraper", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Second caller is refused while the trial is in flight.
	if err := r.Do(ctx, "scraper", succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent trial: err = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := r.StateOf("scraper"); got != Closed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestCoolDownCap(t *testing.T) {
	r, now := newTestRegistry(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Do(ctx, "scraper", fail)
	}
	// Fail enough trials to push the doubling past the cap.
	for i := 0; i < 10; i++ {
		*now = now.Add(time.Hour)
		r.StateOf("scraper")
		r.Do(ctx, "scraper", fail)
	}

	r.mu.Lock()
	cd := r.byName["scraper"].coolDown
	r.mu.Unlock()
	if cd != 30*time.Minute {
		t.Errorf("cool-down = %s, want capped at 30m", cd)
	}
}

func TestRestoreFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "landscape.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	r1, err := NewRegistry(ctx, testConfig(), st, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		r1.Do(ctx, "video", fail)
	}
	if got := r1.StateOf("video"); got != Open {
		t.Fatalf("state = %s, want open", got)
	}

	// A new registry (fresh process) sees the open circuit.
	r2, err := NewRegistry(ctx, testConfig(), st, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.StateOf("video"); got != Open {
		t.Errorf("restored state = %s, want open", got)
	}
	if err := r2.Do(ctx, "video", succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("restored circuit admitted call: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	r.Do(ctx, "search", succeed)
	for i := 0; i < 3; i++ {
		r.Do(ctx, "scraper", fail)
	}

	snap := r.Snapshot()
	if snap["search"] != Closed || snap["scraper"] != Open {
		t.Errorf("snapshot = %v", snap)
	}
}
