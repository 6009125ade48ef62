package platform

import (
	"context"
	"time"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
	"github.com/sc2-sys/sc2-exp/exp/sample"
)

// Status is a point-in-time view of the measured service.
type Status struct {
	// Generation is the configuration generation the platform is converging to.
	Generation int64
	Pods       []sample.Pod
}

// ReadyPods counts ready, non-terminating pods of the given generation.
func (s Status) ReadyPods(generation int64) int {
	n := 0
	for _, p := range s.Pods {
		if p.Generation == generation && p.Ready && !p.Terminating {
			n++
		}
	}
	return n
}

// StalePods counts pods of any other generation, terminating or not.
func (s Status) StalePods(generation int64) int {
	n := 0
	for _, p := range s.Pods {
		if p.Generation != generation {
			n++
		}
	}
	return n
}

// ControlPlane is the platform surface the engine consumes. Only Apply mutates the
// workload configuration; callers other than Controller must not invoke it.
type ControlPlane interface {
	// Apply pushes the baseline's configuration and returns the generation it created.
	Apply(ctx context.Context, b baseline.Baseline) (int64, error)
	// Status reports the current generation and the service's pods.
	Status(ctx context.Context) (Status, error)
	// ForceColdStart removes any serving pods so the next request scales from zero.
	ForceColdStart(ctx context.Context) error
	// EvictImage removes the workload image from the node so the next start pulls it.
	EvictImage(ctx context.Context) error
	// Quiescent reports whether the service has scaled to zero.
	Quiescent(ctx context.Context) (bool, error)
	// Endpoint returns the URL the workload answers on.
	Endpoint(ctx context.Context) (string, error)
	// Timeline gathers platform-side milestones observed since the given instant.
	// pod_ready is reported once replicas pods are ready.
	Timeline(ctx context.Context, since time.Time, replicas int) ([]exp.Event, error)
}
