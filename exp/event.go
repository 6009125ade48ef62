package exp

import (
	"slices"
	"time"
)

// EventName identifies a timing milestone within a trial.
type EventName string

const (
	// EventDeployRequested is recorded by the runner right before the cold start is forced.
	EventDeployRequested EventName = "deploy_requested"
	// EventPodCreated is the pod's creation timestamp as reported by the platform.
	EventPodCreated EventName = "pod_created"
	// EventPodScheduled is the PodScheduled condition transition.
	EventPodScheduled EventName = "pod_scheduled"
	// EventSandboxStart and EventSandboxEnd bracket sandbox creation (containerd RunPodSandbox).
	EventSandboxStart EventName = "sandbox_start"
	EventSandboxEnd   EventName = "sandbox_end"
	// EventImagePullStart and EventImagePullEnd bracket the image pull.
	EventImagePullStart EventName = "image_pull_start"
	EventImagePullEnd   EventName = "image_pull_end"
	// EventPodReady is the Ready condition transition (last replica for scale-out).
	EventPodReady EventName = "pod_ready"
	// EventFirstResponse is the client-observed first successful response.
	EventFirstResponse EventName = "first_response"
)

// Milestones lists the ordered milestones of a cold start. Events not in this list
// are kept in records but do not take part in ordering checks or latency deltas.
var Milestones = []EventName{
	EventDeployRequested,
	EventPodCreated,
	EventPodScheduled,
	EventSandboxStart,
	EventSandboxEnd,
	EventImagePullStart,
	EventImagePullEnd,
	EventPodReady,
	EventFirstResponse,
}

// RequiredMilestones must be present for a trial to produce derived latencies.
var RequiredMilestones = []EventName{
	EventDeployRequested,
	EventPodReady,
	EventFirstResponse,
}

// Rank returns the position of a milestone in Milestones, or len(Milestones) for
// any other event name.
func (n EventName) Rank() int {
	if i := slices.Index(Milestones, n); i >= 0 {
		return i
	}
	return len(Milestones)
}

// IsMilestone reports whether n is one of the ordered milestones.
func (n EventName) IsMilestone() bool {
	return n.Rank() < len(Milestones)
}

// Event is a named timestamp.
type Event struct {
	Name      EventName `json:"name" yaml:"name"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"` // "runner", "pod", "k8s-event", "journal"
}

// SortEvents orders events by timestamp, breaking ties by milestone rank so that
// equal timestamps still read in cold-start order. The input is not modified.
func SortEvents(events []Event) []Event {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b Event) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return a.Name.Rank() - b.Name.Rank()
	})
	return out
}

// Find returns the first event with the given name.
func Find(events []Event, name EventName) (Event, bool) {
	for _, e := range events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}

// MergeEvents combines events from several sources. For a given name the first source
// wins, so callers pass the most precise source first.
func MergeEvents(sources ...[]Event) []Event {
	seen := make(map[EventName]bool)
	var merged []Event
	for _, src := range sources {
		for _, e := range src {
			if seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			merged = append(merged, e)
		}
	}
	return merged
}
