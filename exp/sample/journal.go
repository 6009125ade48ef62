package sample

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sc2-sys/sc2-exp/exp"
)

// JournalEvents parses `journalctl -u containerd -o json` output (one JSON object per
// line) and returns sandbox and image pull milestones for the given deployment.
// Entries before cutoff are skipped so repeated trials against the same deployment do
// not pick up earlier measurements. Only the first span of each kind is reported.
func JournalEvents(r io.Reader, deploymentID string, cutoff time.Time) ([]exp.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		sandboxStart, sandboxEnd time.Time
		pullStart, pullEnd       time.Time
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}
		fields := gjson.GetManyBytes(line, "__REALTIME_TIMESTAMP", "MESSAGE")
		if !fields[0].Exists() || !fields[1].Exists() {
			continue
		}
		micros, err := strconv.ParseInt(fields[0].String(), 10, 64)
		if err != nil {
			logrus.Debugf("journal: skipping entry with bad timestamp %q", fields[0].String())
			continue
		}
		ts := time.UnixMicro(micros).UTC()
		if ts.Before(cutoff) {
			continue
		}
		msg := fields[1].String()

		switch {
		case strings.Contains(msg, "RunPodSandbox") && strings.Contains(msg, "returns sandbox id"):
			if !sandboxStart.IsZero() && sandboxEnd.IsZero() {
				sandboxEnd = ts
			}
		case strings.Contains(msg, "RunPodSandbox") && strings.Contains(msg, deploymentID):
			if sandboxStart.IsZero() {
				sandboxStart = ts
			}
		case strings.Contains(msg, "PullImage") && strings.Contains(msg, "returns image reference"):
			if !pullStart.IsZero() && pullEnd.IsZero() {
				pullEnd = ts
			}
		case strings.Contains(msg, "PullImage"):
			if pullStart.IsZero() && !sandboxStart.IsZero() {
				pullStart = ts
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading containerd journal: %w", err)
	}

	var events []exp.Event
	if !sandboxStart.IsZero() && !sandboxEnd.IsZero() {
		events = append(events,
			exp.Event{Name: exp.EventSandboxStart, Timestamp: sandboxStart, Source: "journal"},
			exp.Event{Name: exp.EventSandboxEnd, Timestamp: sandboxEnd, Source: "journal"})
	}
	if !pullStart.IsZero() && !pullEnd.IsZero() {
		events = append(events,
			exp.Event{Name: exp.EventImagePullStart, Timestamp: pullStart, Source: "journal"},
			exp.Event{Name: exp.EventImagePullEnd, Timestamp: pullEnd, Source: "journal"})
	}
	logrus.Debugf("journal: got %d events for deployment %s", len(events), deploymentID)
	return events, nil
}
