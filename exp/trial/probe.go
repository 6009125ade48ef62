package trial

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Probe observes the workload's first successful response.
type Probe interface {
	// FirstResponse sends replicas concurrent requests, each retried until it succeeds,
	// and returns when the slowest one first answered. It fails when ctx expires.
	FirstResponse(ctx context.Context, url string, replicas int) (time.Time, error)
}

// HTTPProbe polls the service URL over HTTP.
type HTTPProbe struct {
	httpClient *http.Client
	interval   time.Duration
}

// NewHTTPProbe creates a probe retrying every interval. Each request is bounded by
// requestTimeout.
func NewHTTPProbe(interval, requestTimeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		httpClient: &http.Client{Timeout: requestTimeout},
		interval:   interval,
	}
}

// FirstResponse implements Probe.
func (p *HTTPProbe) FirstResponse(ctx context.Context, url string, replicas int) (time.Time, error) {
	if replicas < 1 {
		replicas = 1
	}
	url = strings.TrimRight(url, "/")
	var (
		mu   sync.Mutex
		last time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < replicas; i++ {
		g.Go(func() error {
			at, err := p.poll(gctx, url, i)
			if err != nil {
				return err
			}
			mu.Lock()
			if at.After(last) {
				last = at
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return time.Time{}, err
	}
	return last, nil
}

// poll retries one request until it gets a 2xx.
func (p *HTTPProbe) poll(ctx context.Context, url string, worker int) (time.Time, error) {
	for attempt := 1; ; attempt++ {
		at, err := p.send(ctx, url)
		if err == nil {
			logrus.Debugf("probe[%d]: %s answered after %d attempts", worker, url, attempt)
			return at, nil
		}
		logrus.Tracef("probe[%d]: attempt %d: %v", worker, attempt, err)
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, fmt.Errorf("no response from %s after %d attempts: %w", url, attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

func (p *HTTPProbe) send(ctx context.Context, url string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("request creation error: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("HTTP error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	// first byte of a successful response is the observation point
	return time.Now(), nil
}
