package listsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	items []scan.ListItem
	err   error
}

func (f *fakeSource) Scans(ctx context.Context) ([]scan.ListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]scan.ListItem, len(f.items))
	copy(out, f.items)
	return out, nil
}

func (f *fakeSource) set(items []scan.ListItem, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
	f.err = err
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func item(id, appID string, status scan.Status) scan.ListItem {
	return scan.ListItem{ID: id, ApplicationID: appID, Status: status}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

const testInterval = 20 * time.Millisecond

func TestNewClampsInterval(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "zero uses default", in: 0, want: DefaultInterval},
		{name: "below minimum", in: time.Second, want: MinInterval},
		{name: "above maximum", in: 10 * time.Second, want: MaxInterval},
		{name: "in band", in: 4 * time.Second, want: 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&fakeSource{}, tt.in)
			if p.interval != tt.want {
				t.Errorf("interval = %v, want %v", p.interval, tt.want)
			}
		})
	}
}

func TestPollerRefreshesWhileActive(t *testing.T) {
	src := &fakeSource{}
	src.set([]scan.ListItem{item("s1", "app-a", scan.StatusRunning)}, nil)

	updates := make(chan []scan.ListItem, 16)
	p := newPoller(src, testInterval)
	p.OnUpdate = func(items []scan.ListItem) {
		select {
		case updates <- items:
		default:
		}
	}

	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return src.count() >= 3 }, "poller did not keep refreshing an active list")

	select {
	case items := <-updates:
		if len(items) != 1 || items[0].ID != "s1" {
			t.Errorf("update rows = %+v, want the fetched scan", items)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	if got := p.Items(); len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("Items() = %+v, want the fetched scan", got)
	}
	if p.LastSync().IsZero() {
		t.Error("LastSync() still zero after refresh")
	}
}

func TestPollerGoesIdleWithoutActiveScans(t *testing.T) {
	src := &fakeSource{}
	src.set([]scan.ListItem{item("s1", "app-a", scan.StatusCompleted)}, nil)

	p := newPoller(src, testInterval)
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return src.count() >= 1 }, "first refresh never ran")
	if p.HasActive() {
		t.Fatal("HasActive() = true for an all-terminal list")
	}

	calls := src.count()
	time.Sleep(10 * testInterval)
	if got := src.count(); got != calls {
		t.Errorf("refresh count grew from %d to %d while idle", calls, got)
	}
}

func TestTriggerResumesPolling(t *testing.T) {
	src := &fakeSource{}
	src.set([]scan.ListItem{item("s1", "app-a", scan.StatusCompleted)}, nil)

	p := newPoller(src, testInterval)
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return src.count() >= 1 }, "first refresh never ran")
	idleCalls := src.count()

	// A new scan started elsewhere; the trigger must wake the poller and
	// the active row must keep it ticking.
	src.set([]scan.ListItem{item("s2", "app-a", scan.StatusQueued)}, nil)
	p.Trigger()

	waitFor(t, 2*time.Second, p.HasActive, "trigger did not refresh the list")
	waitFor(t, 2*time.Second, func() bool { return src.count() >= idleCalls+3 }, "cadence did not resume after trigger")
}

func TestPollerKeepsLastListOnFailure(t *testing.T) {
	src := &fakeSource{}
	src.set([]scan.ListItem{item("s1", "app-a", scan.StatusRunning)}, nil)

	p := newPoller(src, testInterval)
	p.Start()
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return src.count() >= 1 }, "first refresh never ran")

	src.set(nil, errors.New("api unreachable"))
	calls := src.count()
	waitFor(t, 2*time.Second, func() bool { return src.count() >= calls+2 }, "poller stopped retrying after failures")

	if got := p.Items(); len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("Items() = %+v, want last good rows preserved", got)
	}
	if !p.HasActive() {
		t.Error("HasActive() = false, want activity judged from last good rows")
	}
}

func TestCanMutateApplication(t *testing.T) {
	p := newPoller(&fakeSource{}, testInterval)
	p.items = []scan.ListItem{
		item("s1", "app-a", scan.StatusRunning),
		item("s2", "app-a", scan.StatusCompleted),
		item("s3", "app-b", scan.StatusFailed),
	}

	if p.CanMutateApplication("app-a") {
		t.Error("CanMutateApplication(app-a) = true with a running scan")
	}
	if !p.CanMutateApplication("app-b") {
		t.Error("CanMutateApplication(app-b) = false with only terminal scans")
	}
	if !p.CanMutateApplication("app-c") {
		t.Error("CanMutateApplication(app-c) = false with no scans at all")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	src := &fakeSource{}
	src.set([]scan.ListItem{item("s1", "app-a", scan.StatusRunning)}, nil)

	p := newPoller(src, testInterval)
	p.Start()
	p.Start()

	waitFor(t, 2*time.Second, func() bool { return src.count() >= 1 }, "refresh never ran")

	p.Stop()
	p.Stop()

	calls := src.count()
	time.Sleep(5 * testInterval)
	if got := src.count(); got != calls {
		t.Errorf("refresh count grew from %d to %d after Stop", calls, got)
	}
}
