package platform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sc2-sys/sc2-exp/exp"
	"github.com/sc2-sys/sc2-exp/exp/baseline"
	"github.com/sc2-sys/sc2-exp/exp/sample"
)

// CommandRunner executes an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner. A non-zero exit is reported with the command's stderr.
func (ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", filepath.Base(name), strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// KubectlPath returns the kubectl shipped by the deployment tool under
// $SC2_DEPLOY_SOURCE/bin, or "kubectl" from PATH when the variable is unset.
func KubectlPath() string {
	if src := os.Getenv("SC2_DEPLOY_SOURCE"); src != "" {
		return filepath.Join(src, "bin", "kubectl")
	}
	return "kubectl"
}

// Kubectl implements ControlPlane for a Knative service by shelling out to kubectl.
type Kubectl struct {
	Path     string
	Service  ServiceRef
	Template *Template
	Runner   CommandRunner
	// Journal, when set, is used to read containerd's journal for microsecond-precision
	// sandbox and image pull timings. Those override the Kubernetes-derived ones.
	Journal CommandRunner
	// Host runs node-local tools such as crictl. Crictl is the command prefix used
	// to reach the CRI image store.
	Host   CommandRunner
	Crictl []string
}

// DefaultCrictl talks to containerd's CRI socket with root privileges.
var DefaultCrictl = []string{"sudo", "crictl", "--runtime-endpoint", "unix:///run/containerd/containerd.sock"}

// NewKubectl returns a kubectl control plane for the given service using the default
// template and os/exec.
func NewKubectl(svc ServiceRef) *Kubectl {
	return &Kubectl{
		Path:     KubectlPath(),
		Service:  svc,
		Template: DefaultTemplate(),
		Runner:   ExecRunner{},
		Host:     ExecRunner{},
		Crictl:   DefaultCrictl,
	}
}

func (k *Kubectl) kubectl(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	full := append([]string{"-n", k.Service.Namespace}, args...)
	logrus.Debugf("kubectl %s", strings.Join(full, " "))
	return k.Runner.Run(ctx, stdin, k.Path, full...)
}

func (k *Kubectl) selector() string {
	return ServiceLabel + "=" + k.Service.Name
}

func (k *Kubectl) service(ctx context.Context) (gjson.Result, error) {
	out, err := k.kubectl(ctx, nil, "get", "ksvc", k.Service.Name, "-o", "json")
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(out) {
		return gjson.Result{}, fmt.Errorf("parsing ksvc %s: invalid json", k.Service.Name)
	}
	return gjson.ParseBytes(out), nil
}

// Apply implements ControlPlane.
func (k *Kubectl) Apply(ctx context.Context, b baseline.Baseline) (int64, error) {
	manifest, err := k.Template.Render(k.Service, b)
	if err != nil {
		return 0, err
	}
	if _, err := k.kubectl(ctx, manifest, "apply", "-f", "-"); err != nil {
		return 0, err
	}
	svc, err := k.service(ctx)
	if err != nil {
		return 0, err
	}
	return svc.Get("metadata.generation").Int(), nil
}

func (k *Kubectl) pods(ctx context.Context) ([]sample.Pod, error) {
	out, err := k.kubectl(ctx, nil, "get", "pods", "-l", k.selector(), "-o", "json")
	if err != nil {
		return nil, err
	}
	return sample.ParsePods(out)
}

// Status implements ControlPlane.
func (k *Kubectl) Status(ctx context.Context) (Status, error) {
	svc, err := k.service(ctx)
	if err != nil {
		return Status{}, err
	}
	pods, err := k.pods(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Generation: svc.Get("metadata.generation").Int(), Pods: pods}, nil
}

// ForceColdStart implements ControlPlane.
func (k *Kubectl) ForceColdStart(ctx context.Context) error {
	_, err := k.kubectl(ctx, nil, "delete", "pods", "-l", k.selector(), "--ignore-not-found", "--wait=false")
	return err
}

// EvictImage implements ControlPlane. Every image in the node's CRI store whose
// repository matches the service image is removed by id, since removal by tag is not
// reliable and tags may be missing. An image that is not present is not an error.
func (k *Kubectl) EvictImage(ctx context.Context) error {
	if k.Host == nil || len(k.Crictl) == 0 {
		return fmt.Errorf("no host runner configured for image eviction")
	}
	repo := imageRepository(k.Service.Image)
	if repo == "" {
		return fmt.Errorf("service %s has no image", k.Service.Name)
	}
	out, err := k.crictl(ctx, "images", "-o", "json")
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(out) {
		return fmt.Errorf("parsing crictl images: invalid json")
	}
	var ids []string
	gjson.GetBytes(out, "images").ForEach(func(_, img gjson.Result) bool {
		for _, ref := range append(img.Get("repoTags").Array(), img.Get("repoDigests").Array()...) {
			if imageRepository(ref.String()) == repo {
				ids = append(ids, img.Get("id").String())
				break
			}
		}
		return true
	})
	if len(ids) == 0 {
		logrus.Debugf("crictl: image %s not present", repo)
		return nil
	}
	for _, id := range ids {
		logrus.Debugf("crictl: removing image %s (%s)", repo, id)
		if _, err := k.crictl(ctx, "rmi", id); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kubectl) crictl(ctx context.Context, args ...string) ([]byte, error) {
	full := append(append([]string(nil), k.Crictl[1:]...), args...)
	return k.Host.Run(ctx, nil, k.Crictl[0], full...)
}

// imageRepository strips the tag and digest from an image reference.
func imageRepository(ref string) string {
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		ref = ref[:i]
	}
	return ref
}

// Quiescent implements ControlPlane.
func (k *Kubectl) Quiescent(ctx context.Context) (bool, error) {
	pods, err := k.pods(ctx)
	if err != nil {
		return false, err
	}
	return len(pods) == 0, nil
}

// Endpoint implements ControlPlane.
func (k *Kubectl) Endpoint(ctx context.Context) (string, error) {
	svc, err := k.service(ctx)
	if err != nil {
		return "", err
	}
	url := svc.Get("status.url").String()
	if url == "" {
		return "", fmt.Errorf("ksvc %s has no url yet", k.Service.Name)
	}
	return url, nil
}

// Timeline implements ControlPlane.
func (k *Kubectl) Timeline(ctx context.Context, since time.Time, replicas int) ([]exp.Event, error) {
	pods, err := k.pods(ctx)
	if err != nil {
		return nil, err
	}
	podEvents := sample.PodEvents(pods, since, replicas)

	var names []string
	cutoff := since.Truncate(time.Second)
	for _, p := range pods {
		if !p.Created.Before(cutoff) {
			names = append(names, p.Name)
		}
	}
	var pullEvents []exp.Event
	if len(names) > 0 {
		out, err := k.kubectl(ctx, nil, "get", "events", "-o", "json")
		if err != nil {
			return nil, err
		}
		if pullEvents, err = sample.ImagePullEvents(out, names); err != nil {
			return nil, err
		}
	}

	var journalEvents []exp.Event
	if k.Journal != nil {
		journalEvents, err = k.journalEvents(ctx, since)
		if err != nil {
			// journal timings refine, they are not required
			logrus.Warnf("kubectl: journal timings unavailable: %v", err)
		}
	}
	return exp.MergeEvents(journalEvents, podEvents, pullEvents), nil
}

func (k *Kubectl) journalEvents(ctx context.Context, since time.Time) ([]exp.Event, error) {
	out, err := k.kubectl(ctx, nil, "get", "deployments", "-l", k.selector(), "-o", "json")
	if err != nil {
		return nil, err
	}
	deployment := gjson.GetBytes(out, "items.0.metadata.name").String()
	if deployment == "" {
		return nil, fmt.Errorf("no deployment for %s", k.selector())
	}
	journal, err := k.Journal.Run(ctx, nil, "journalctl", "-u", "containerd", "-o", "json",
		"--since", "@"+strconv.FormatInt(since.Add(-time.Second).Unix(), 10))
	if err != nil {
		return nil, err
	}
	return sample.JournalEvents(bytes.NewReader(journal), deployment, since)
}
