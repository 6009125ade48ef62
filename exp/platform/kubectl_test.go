package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
)

// scriptedRunner answers commands by matching the joined argument string.
type scriptedRunner struct {
	responses map[string]string
	calls     []string
	stdin     [][]byte
}

func (r *scriptedRunner) Run(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, call)
	if stdin != nil {
		r.stdin = append(r.stdin, stdin)
	}
	for prefix, out := range r.responses {
		if strings.Contains(call, prefix) {
			return []byte(out), nil
		}
	}
	return nil, fmt.Errorf("unexpected command %q", call)
}

const ksvcJSON = `{"metadata":{"name":"helloworld-knative","generation":7},"status":{"url":"http://helloworld-knative.sc2.example"}}`

func podsJSON(created, ready time.Time) string {
	return fmt.Sprintf(`{"items":[{"metadata":{"name":"hw-1","creationTimestamp":%q,"labels":{"serving.knative.dev/configurationGeneration":"7"}},
"spec":{"runtimeClassName":"kata-qemu-snp"},
"status":{"conditions":[{"type":"PodScheduled","status":"True","lastTransitionTime":%q},{"type":"Ready","status":"True","lastTransitionTime":%q}]}}]}`,
		created.Format(time.RFC3339), created.Format(time.RFC3339), ready.Format(time.RFC3339))
}

func newTestKubectl(r *scriptedRunner) *Kubectl {
	return &Kubectl{Path: "/opt/deploy/bin/kubectl", Service: testService, Template: DefaultTemplate(), Runner: r}
}

func TestKubectl_Apply_PipesManifestAndReadsGeneration(t *testing.T) {
	r := &scriptedRunner{responses: map[string]string{
		"apply -f -":                        "",
		"get ksvc helloworld-knative -o json": ksvcJSON,
	}}
	k := newTestKubectl(r)
	b, err := baseline.Default().Lookup("snp")
	require.NoError(t, err)

	gen, err := k.Apply(context.Background(), b)

	require.NoError(t, err)
	assert.Equal(t, int64(7), gen)
	require.Len(t, r.stdin, 1)
	assert.Contains(t, string(r.stdin[0]), "runtimeClassName: kata-qemu-snp")
	assert.True(t, strings.HasPrefix(r.calls[0], "/opt/deploy/bin/kubectl -n sc2 apply"))
}

func TestKubectl_Status_ParsesGenerationAndPods(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &scriptedRunner{responses: map[string]string{
		"get ksvc": ksvcJSON,
		"get pods": podsJSON(created, created.Add(3*time.Second)),
	}}
	st, err := newTestKubectl(r).Status(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(7), st.Generation)
	assert.Equal(t, 1, st.ReadyPods(7))
	assert.Equal(t, 0, st.StalePods(7))
	assert.Contains(t, r.calls[1], "-l apps.sc2.io/name=helloworld-knative")
}

func TestKubectl_Quiescent_NoPods(t *testing.T) {
	r := &scriptedRunner{responses: map[string]string{"get pods": `{"items":[]}`}}
	ok, err := newTestKubectl(r).Quiescent(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKubectl_Timeline_MergesPodsEventsAndJournal(t *testing.T) {
	// GIVEN a pod created after the trial started, a Pulling/Pulled pair and a journal
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events := fmt.Sprintf(`{"items":[
{"involvedObject":{"name":"hw-1"},"reason":"Pulling","firstTimestamp":%q},
{"involvedObject":{"name":"hw-1"},"reason":"Pulled","message":"Successfully pulled","lastTimestamp":%q}]}`,
		since.Add(time.Second).Format(time.RFC3339), since.Add(2*time.Second).Format(time.RFC3339))
	r := &scriptedRunner{responses: map[string]string{
		"get pods":        podsJSON(since, since.Add(3*time.Second)),
		"get events":      events,
		"get deployments": `{"items":[{"metadata":{"name":"helloworld-knative-00007-deployment"}}]}`,
	}}
	pullStart := since.Add(1500 * time.Millisecond)
	journal := &scriptedRunner{responses: map[string]string{
		"journalctl": fmt.Sprintf(`{"__REALTIME_TIMESTAMP":"%d","MESSAGE":"RunPodSandbox for &PodSandboxMetadata{Name:helloworld-knative-00007-deployment-abc}"}`+"\n"+
			`{"__REALTIME_TIMESTAMP":"%d","MESSAGE":"RunPodSandbox for &PodSandboxMetadata{Name:helloworld-knative-00007-deployment-abc} returns sandbox id"}`+"\n"+
			`{"__REALTIME_TIMESTAMP":"%d","MESSAGE":"PullImage \"registry.local/hello:v1\""}`+"\n"+
			`{"__REALTIME_TIMESTAMP":"%d","MESSAGE":"PullImage \"registry.local/hello:v1\" returns image reference"}`+"\n",
			since.Add(500*time.Millisecond).UnixMicro(), since.Add(time.Second).UnixMicro(),
			pullStart.UnixMicro(), since.Add(2500*time.Millisecond).UnixMicro()),
	}}
	k := newTestKubectl(r)
	k.Journal = journal

	// WHEN the timeline is gathered
	got, err := k.Timeline(context.Background(), since, 1)

	// THEN pod milestones are present and journal timings win over k8s events
	require.NoError(t, err)
	ready, ok := exp.Find(got, exp.EventPodReady)
	require.True(t, ok)
	assert.Equal(t, since.Add(3*time.Second), ready.Timestamp)
	start, ok := exp.Find(got, exp.EventImagePullStart)
	require.True(t, ok)
	assert.Equal(t, "journal", start.Source)
	assert.True(t, pullStart.Equal(start.Timestamp))
}

func TestKubectl_Timeline_JournalFailureIsNotFatal(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &scriptedRunner{responses: map[string]string{
		"get pods":        podsJSON(since, since.Add(3*time.Second)),
		"get events":      `{"items":[]}`,
		"get deployments": `{"items":[]}`,
	}}
	k := newTestKubectl(r)
	k.Journal = &scriptedRunner{}

	got, err := k.Timeline(context.Background(), since, 1)

	require.NoError(t, err)
	_, ok := exp.Find(got, exp.EventPodReady)
	assert.True(t, ok)
}

func TestKubectl_CommandFailure_Propagates(t *testing.T) {
	k := newTestKubectl(&scriptedRunner{})
	_, err := k.Endpoint(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, exp.ErrTrialTimeout))
}

func TestKubectlPath_UsesDeploySource(t *testing.T) {
	t.Setenv("SC2_DEPLOY_SOURCE", "/opt/deploy")
	assert.Equal(t, "/opt/deploy/bin/kubectl", KubectlPath())
	t.Setenv("SC2_DEPLOY_SOURCE", "")
	assert.Equal(t, "kubectl", KubectlPath())
}

const crictlImagesJSON = `{"images":[
{"id":"sha256:aaa","repoTags":["registry.local/hello:v1"],"repoDigests":["registry.local/hello@sha256:d1"]},
{"id":"sha256:bbb","repoTags":[],"repoDigests":["registry.local/hello@sha256:d2"]},
{"id":"sha256:ccc","repoTags":["registry.local/hello-sidecar:v1"],"repoDigests":[]},
{"id":"sha256:ddd","repoTags":["registry.k8s.io/pause:3.9"],"repoDigests":[]}]}`

func TestKubectl_EvictImage_RemovesEveryMatchingImageByID(t *testing.T) {
	// GIVEN a node holding the service image under a tag and an untagged digest
	host := &scriptedRunner{responses: map[string]string{
		"images -o json": crictlImagesJSON,
		"rmi":            "",
	}}
	k := newTestKubectl(&scriptedRunner{})
	k.Host = host
	k.Crictl = DefaultCrictl

	// WHEN the image is evicted
	require.NoError(t, k.EvictImage(context.Background()))

	// THEN both copies are removed by id and unrelated images are kept
	require.Len(t, host.calls, 3)
	assert.Equal(t, "sudo crictl --runtime-endpoint unix:///run/containerd/containerd.sock images -o json", host.calls[0])
	assert.True(t, strings.HasSuffix(host.calls[1], "rmi sha256:aaa"), host.calls[1])
	assert.True(t, strings.HasSuffix(host.calls[2], "rmi sha256:bbb"), host.calls[2])
}

func TestKubectl_EvictImage_AbsentImageIsNotAnError(t *testing.T) {
	host := &scriptedRunner{responses: map[string]string{"images -o json": `{"images":[]}`}}
	k := newTestKubectl(&scriptedRunner{})
	k.Host = host
	k.Crictl = DefaultCrictl

	require.NoError(t, k.EvictImage(context.Background()))
	assert.Len(t, host.calls, 1)
}

func TestKubectl_EvictImage_RemovalFailurePropagates(t *testing.T) {
	host := &scriptedRunner{responses: map[string]string{"images -o json": crictlImagesJSON}}
	k := newTestKubectl(&scriptedRunner{})
	k.Host = host
	k.Crictl = DefaultCrictl

	assert.Error(t, k.EvictImage(context.Background()))
}

func TestKubectl_EvictImage_RequiresHostRunner(t *testing.T) {
	assert.Error(t, newTestKubectl(&scriptedRunner{}).EvictImage(context.Background()))
}

func TestImageRepository(t *testing.T) {
	assert.Equal(t, "ghcr.io/sc2-sys/knative-helloworld", imageRepository("ghcr.io/sc2-sys/knative-helloworld:unencrypted"))
	assert.Equal(t, "registry.local:5000/hello", imageRepository("registry.local:5000/hello"))
	assert.Equal(t, "registry.local:5000/hello", imageRepository("registry.local:5000/hello:v1"))
	assert.Equal(t, "registry.local/hello", imageRepository("registry.local/hello@sha256:d1"))
}
