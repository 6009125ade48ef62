// Package sample turns raw timing events into canonical ResultRecords and extracts
// events from the platform's heterogeneous sources (pod status, Kubernetes events,
// the containerd journal).
package sample

import (
	"fmt"
	"time"

	"github.com/sc2-sys/sc2-exp/exp"
)

// Named latencies always present in a record; nil when a milestone is missing.
const (
	LatencyColdStart       = "cold_start"        // first_response - deploy_requested
	LatencyPodReady        = "pod_ready"         // pod_ready - deploy_requested
	LatencyReadyToResponse = "ready_to_response" // first_response - pod_ready
	LatencyScheduling      = "scheduling"        // pod_scheduled - deploy_requested
	LatencySandbox         = "sandbox"           // sandbox_end - sandbox_start
	LatencyImagePull       = "image_pull"        // image_pull_end - image_pull_start
)

// Diagnostic prefixes, followed by the milestone name.
const (
	DiagMissingPrefix = "missing:"
	DiagClampedPrefix = "clamped:"
)

type span struct {
	name     string
	from, to exp.EventName
}

var namedSpans = []span{
	{LatencyColdStart, exp.EventDeployRequested, exp.EventFirstResponse},
	{LatencyPodReady, exp.EventDeployRequested, exp.EventPodReady},
	{LatencyReadyToResponse, exp.EventPodReady, exp.EventFirstResponse},
	{LatencyScheduling, exp.EventDeployRequested, exp.EventPodScheduled},
	{LatencySandbox, exp.EventSandboxStart, exp.EventSandboxEnd},
	{LatencyImagePull, exp.EventImagePullStart, exp.EventImagePullEnd},
}

// Normalize converts a finished trial into a ResultRecord. It is a pure function.
//
// Milestones are forced into cold-start order: a milestone observed earlier than the
// one before it (clock skew between sources) is raised to its predecessor's timestamp
// and flagged "clamped:<name>". Besides the named latencies, every pair of consecutive
// milestones present yields "<from>_to_<to>".
//
// When a required milestone is missing the record is still returned, with nil derived
// latencies for the affected spans and a "missing:<name>" diagnostic, together with a
// *exp.MissingEventError.
func Normalize(runID string, t exp.Trial) (exp.ResultRecord, error) {
	rec := exp.ResultRecord{
		RunID:            runID,
		Baseline:         t.Baseline,
		TrialIndex:       t.Index,
		Replicas:         t.Replicas,
		Outcome:          t.Outcome,
		Error:            t.Err,
		DerivedLatencies: make(map[string]*time.Duration),
	}
	rec.Diagnostics = append(rec.Diagnostics, t.Warnings...)

	events, clamped := orderMilestones(t.Events)
	for _, name := range clamped {
		rec.Diagnostics = append(rec.Diagnostics, DiagClampedPrefix+string(name))
	}
	rec.Events = events

	at := make(map[exp.EventName]time.Time)
	for _, e := range events {
		if _, ok := at[e.Name]; !ok {
			at[e.Name] = e.Timestamp
		}
	}

	for _, s := range namedSpans {
		rec.DerivedLatencies[s.name] = delta(at, s.from, s.to)
	}
	var prev exp.EventName
	for _, m := range exp.Milestones {
		if _, ok := at[m]; !ok {
			continue
		}
		if prev != "" {
			rec.DerivedLatencies[fmt.Sprintf("%s_to_%s", prev, m)] = delta(at, prev, m)
		}
		prev = m
	}

	var missing []exp.EventName
	for _, m := range exp.RequiredMilestones {
		if _, ok := at[m]; !ok {
			missing = append(missing, m)
			rec.Diagnostics = append(rec.Diagnostics, DiagMissingPrefix+string(m))
		}
	}
	if len(missing) > 0 {
		return rec, &exp.MissingEventError{Key: rec.Key(), Missing: missing}
	}
	return rec, nil
}

func delta(at map[exp.EventName]time.Time, from, to exp.EventName) *time.Duration {
	a, ok := at[from]
	if !ok {
		return nil
	}
	b, ok := at[to]
	if !ok {
		return nil
	}
	d := b.Sub(a)
	return &d
}

// orderMilestones clamps out-of-order milestones and returns the re-sorted events
// plus the names that were clamped.
func orderMilestones(in []exp.Event) ([]exp.Event, []exp.EventName) {
	events := exp.SortEvents(in)
	first := make(map[exp.EventName]int)
	for i, e := range events {
		if _, ok := first[e.Name]; !ok && e.Name.IsMilestone() {
			first[e.Name] = i
		}
	}
	var clamped []exp.EventName
	var floor time.Time
	for _, m := range exp.Milestones {
		i, ok := first[m]
		if !ok {
			continue
		}
		if events[i].Timestamp.Before(floor) {
			events[i].Timestamp = floor
			clamped = append(clamped, m)
		}
		floor = events[i].Timestamp
	}
	if len(clamped) == 0 {
		return events, nil
	}
	return exp.SortEvents(events), clamped
}
