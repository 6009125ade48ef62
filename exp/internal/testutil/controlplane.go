package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
	"github.com/sc2-sys/sc2-exp/exp/platform"
	"github.com/sc2-sys/sc2-exp/exp/sample"
)

// ErrInjected is returned by scripted failures.
var ErrInjected = errors.New("injected control-plane failure")

// FakeControlPlane is an in-memory platform.ControlPlane. Applying a new baseline
// bumps the generation and leaves one stale pod until ConvergeAfter Status calls have
// been made, after which a ready pod of the new generation appears.
type FakeControlPlane struct {
	mu sync.Mutex

	ConvergeAfter  int  // Status calls before the new generation is ready
	NeverConverge  bool // new generation never becomes ready
	NeverQuiescent bool
	// FailColdStarts makes the next n ForceColdStart calls fail.
	FailColdStarts int
	// FailTimelines makes the next n Timeline calls fail.
	FailTimelines int
	// FailEvictions makes the next n EvictImage calls fail.
	FailEvictions int
	// ApplyGate, when set, blocks Apply until it is closed; ApplyStarted is closed
	// once Apply has been entered.
	ApplyGate    chan struct{}
	ApplyStarted chan struct{}
	// OmitPodReady drops pod_ready from timelines.
	OmitPodReady bool
	URL          string

	generation int64
	active     baseline.ID
	pending    bool
	sinceApply int
	pods       []sample.Pod

	Applied     []baseline.ID
	ColdStarts  int
	Evictions   int
	StatusCalls int
	Timelines   int
	// ColdStartsUnder lists the active baseline at every ForceColdStart.
	ColdStartsUnder []baseline.ID
}

var _ platform.ControlPlane = (*FakeControlPlane)(nil)

// NewFakeControlPlane returns a fake that converges on the first status query.
func NewFakeControlPlane() *FakeControlPlane {
	return &FakeControlPlane{URL: "http://helloworld-knative.sc2.example"}
}

// Apply implements platform.ControlPlane.
func (f *FakeControlPlane) Apply(ctx context.Context, b baseline.Baseline) (int64, error) {
	f.mu.Lock()
	started, gate := f.ApplyStarted, f.ApplyGate
	f.ApplyStarted = nil
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Applied = append(f.Applied, b.ID)
	if f.active == b.ID && f.generation > 0 {
		return f.generation, nil
	}
	f.generation++
	f.active = b.ID
	f.pending = true
	f.sinceApply = 0
	if f.generation > 1 {
		f.pods = []sample.Pod{{Name: "stale", Generation: f.generation - 1, Ready: true, Terminating: true}}
	}
	return f.generation, nil
}

// Status implements platform.ControlPlane.
func (f *FakeControlPlane) Status(context.Context) (platform.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	f.sinceApply++
	if f.pending && !f.NeverConverge && f.sinceApply >= f.ConvergeAfter {
		f.pending = false
		f.pods = []sample.Pod{{Name: "ready", Generation: f.generation, Ready: true, ReadyAt: time.Now()}}
	}
	return platform.Status{Generation: f.generation, Pods: append([]sample.Pod(nil), f.pods...)}, nil
}

// ForceColdStart implements platform.ControlPlane.
func (f *FakeControlPlane) ForceColdStart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ColdStarts++
	f.ColdStartsUnder = append(f.ColdStartsUnder, f.active)
	if f.FailColdStarts > 0 {
		f.FailColdStarts--
		return ErrInjected
	}
	if !f.pending {
		f.pods = nil
	}
	return nil
}

// EvictImage implements platform.ControlPlane.
func (f *FakeControlPlane) EvictImage(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Evictions++
	if f.FailEvictions > 0 {
		f.FailEvictions--
		return ErrInjected
	}
	return nil
}

// Quiescent implements platform.ControlPlane.
func (f *FakeControlPlane) Quiescent(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.NeverQuiescent, nil
}

// Endpoint implements platform.ControlPlane.
func (f *FakeControlPlane) Endpoint(context.Context) (string, error) {
	return f.URL, nil
}

// Timeline implements platform.ControlPlane with milestones a few milliseconds after
// since, all before the FakeProbe's response.
func (f *FakeControlPlane) Timeline(_ context.Context, since time.Time, _ int) ([]exp.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Timelines++
	if f.FailTimelines > 0 {
		f.FailTimelines--
		return nil, ErrInjected
	}
	events := []exp.Event{
		{Name: exp.EventPodCreated, Timestamp: since.Add(time.Millisecond), Source: "pod"},
		{Name: exp.EventPodScheduled, Timestamp: since.Add(2 * time.Millisecond), Source: "pod"},
	}
	if !f.OmitPodReady {
		events = append(events, exp.Event{Name: exp.EventPodReady, Timestamp: since.Add(5 * time.Millisecond), Source: "pod"})
	}
	return events, nil
}

// Active returns the baseline applied last.
func (f *FakeControlPlane) Active() baseline.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Generation returns the current generation.
func (f *FakeControlPlane) Generation() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// FakeProbe answers Delay after being called, or hangs until its context expires for
// the call numbers listed in Hang (starting at 1).
type FakeProbe struct {
	mu    sync.Mutex
	Delay time.Duration
	Hang  map[int]bool
	Calls int
}

// NewFakeProbe returns a probe answering after 10ms.
func NewFakeProbe() *FakeProbe {
	return &FakeProbe{Delay: 10 * time.Millisecond}
}

// FirstResponse implements trial.Probe.
func (p *FakeProbe) FirstResponse(ctx context.Context, _ string, _ int) (time.Time, error) {
	p.mu.Lock()
	p.Calls++
	hang := p.Hang[p.Calls]
	p.mu.Unlock()
	if hang {
		<-ctx.Done()
		return time.Time{}, ctx.Err()
	}
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-timer.C:
		return time.Now(), nil
	}
}
