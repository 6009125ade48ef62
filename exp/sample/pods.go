package sample

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sc2-sys/sc2-exp/exp"
)

// GenerationLabel is the pod label Knative stamps with the owning configuration's generation.
const GenerationLabel = "serving.knative.dev/configurationGeneration"

// generationPath is GenerationLabel as a gjson path, dots escaped.
const generationPath = `metadata.labels.serving\.knative\.dev/configurationGeneration`

// Pod is the subset of a pod's state the engine needs.
type Pod struct {
	Name         string
	Generation   int64
	RuntimeClass string
	Created      time.Time
	Scheduled    time.Time // zero until the PodScheduled condition is True
	Ready        bool
	ReadyAt      time.Time
	Terminating  bool
}

// ParsePods extracts pods from `kubectl get pods -o json` output.
func ParsePods(data []byte) ([]Pod, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing pod list: invalid json")
	}
	var pods []Pod
	var parseErr error
	gjson.GetBytes(data, "items").ForEach(func(_, item gjson.Result) bool {
		p := Pod{
			Name:         item.Get("metadata.name").String(),
			RuntimeClass: item.Get("spec.runtimeClassName").String(),
			Terminating:  item.Get("metadata.deletionTimestamp").Exists(),
		}
		if g := item.Get(generationPath); g.Exists() {
			gen, err := strconv.ParseInt(g.String(), 10, 64)
			if err != nil {
				parseErr = fmt.Errorf("pod %s: bad generation label %q: %w", p.Name, g.String(), err)
				return false
			}
			p.Generation = gen
		}
		p.Created = parseTime(item.Get("metadata.creationTimestamp").String())
		item.Get("status.conditions").ForEach(func(_, c gjson.Result) bool {
			if c.Get("status").String() != "True" {
				return true
			}
			switch c.Get("type").String() {
			case "PodScheduled":
				p.Scheduled = parseTime(c.Get("lastTransitionTime").String())
			case "Ready":
				p.Ready = true
				p.ReadyAt = parseTime(c.Get("lastTransitionTime").String())
			}
			return true
		})
		pods = append(pods, p)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return pods, nil
}

// PodEvents derives lifecycle milestones from pods created at or after since.
// pod_ready is the moment the replicas-th pod became ready and is omitted when fewer
// pods are ready. Kubernetes timestamps have second granularity, so since is truncated.
func PodEvents(pods []Pod, since time.Time, replicas int) []exp.Event {
	if replicas < 1 {
		replicas = 1
	}
	since = since.Truncate(time.Second)
	var created, scheduled, ready []time.Time
	for _, p := range pods {
		if p.Created.IsZero() || p.Created.Before(since) {
			continue
		}
		created = append(created, p.Created)
		if !p.Scheduled.IsZero() {
			scheduled = append(scheduled, p.Scheduled)
		}
		if p.Ready && !p.ReadyAt.IsZero() {
			ready = append(ready, p.ReadyAt)
		}
	}
	var events []exp.Event
	if len(created) > 0 {
		events = append(events, exp.Event{Name: exp.EventPodCreated, Timestamp: slices.MinFunc(created, time.Time.Compare), Source: "pod"})
	}
	if len(scheduled) > 0 {
		events = append(events, exp.Event{Name: exp.EventPodScheduled, Timestamp: slices.MinFunc(scheduled, time.Time.Compare), Source: "pod"})
	}
	if len(ready) >= replicas {
		slices.SortFunc(ready, time.Time.Compare)
		events = append(events, exp.Event{Name: exp.EventPodReady, Timestamp: ready[replicas-1], Source: "pod"})
	}
	return events
}

// ImagePullEvents extracts image pull milestones from `kubectl get events -o json`
// output for the named pods. Pulls of images already present on the node are ignored.
func ImagePullEvents(data []byte, podNames []string) ([]exp.Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing event list: invalid json")
	}
	var starts, ends []time.Time
	gjson.GetBytes(data, "items").ForEach(func(_, item gjson.Result) bool {
		if !slices.Contains(podNames, item.Get("involvedObject.name").String()) {
			return true
		}
		ts := parseTime(item.Get("eventTime").String())
		switch item.Get("reason").String() {
		case "Pulling":
			if ts.IsZero() {
				ts = parseTime(item.Get("firstTimestamp").String())
			}
			if !ts.IsZero() {
				starts = append(starts, ts)
			}
		case "Pulled":
			if strings.Contains(item.Get("message").String(), "already present on machine") {
				return true
			}
			if ts.IsZero() {
				ts = parseTime(item.Get("lastTimestamp").String())
			}
			if !ts.IsZero() {
				ends = append(ends, ts)
			}
		}
		return true
	})
	if len(starts) == 0 || len(ends) == 0 {
		return nil, nil
	}
	return []exp.Event{
		{Name: exp.EventImagePullStart, Timestamp: slices.MinFunc(starts, time.Time.Compare), Source: "k8s-event"},
		{Name: exp.EventImagePullEnd, Timestamp: slices.MaxFunc(ends, time.Time.Compare), Source: "k8s-event"},
	}, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
