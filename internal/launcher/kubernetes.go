package launcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"zerg/internal/telemetry"
)

type k8sWorker struct {
	handle  Handle
	spec    Spec
	jobName string
}

// KubernetesLauncher spawns workers as batchv1 Jobs, one pod per worker,
// for deployments that run the orchestrator itself inside the cluster
// and want worker isolation at the pod level rather than the container
// level.
type KubernetesLauncher struct {
	mu        sync.Mutex
	workers   map[int]*k8sWorker
	clientset kubernetes.Interface
	namespace string
}

func NewKubernetesLauncher(clientset kubernetes.Interface, namespace string) *KubernetesLauncher {
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesLauncher{workers: make(map[int]*k8sWorker), clientset: clientset, namespace: namespace}
}

func jobNameFor(feature string, workerID int) string {
	safe := strings.ToLower(strings.ReplaceAll(feature, "/", "-"))
	return fmt.Sprintf("zerg-%s-worker-%d", safe, workerID)
}

func (l *KubernetesLauncher) Spawn(ctx context.Context, spec Spec) SpawnResult {
	envVars := BuildEnv(Injected{
		WorkerID: spec.WorkerID, Feature: spec.Feature, Worktree: spec.Worktree,
		Branch: spec.Branch, SpecDir: spec.SpecDir, StateDir: spec.StateDir,
		RepoPath: spec.RepoPath, LogDir: spec.LogDir, TaskGraph: spec.TaskGraph,
	}, spec.CallerEnv, spec.Allowlist)

	var k8sEnv []corev1.EnvVar
	for _, kv := range envVars {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			k8sEnv = append(k8sEnv, corev1.EnvVar{Name: parts[0], Value: parts[1]})
		}
	}

	name := jobNameFor(spec.Feature, spec.WorkerID)
	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: l.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "zerg",
				"zerg/feature":                 spec.Feature,
				"zerg/worker-id":               strconv.Itoa(spec.WorkerID),
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "worker",
							Image:   spec.Image,
							Command: append([]string{spec.BinaryPath}, spec.Args...),
							Env:     k8sEnv,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "worktree", MountPath: "/workspace"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "worktree",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: spec.Worktree},
							},
						},
					},
				},
			},
		},
	}

	created, err := l.clientset.BatchV1().Jobs(l.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		telemetry.TrackWorkerLaunch(spec.Feature, "kubernetes")
		return SpawnResult{Success: false, Error: fmt.Errorf("create job for worker %d: %w", spec.WorkerID, err)}
	}

	handle := Handle{WorkerID: spec.WorkerID, Backend: Kubernetes, JobName: created.Name, StartedAt: time.Now()}
	l.mu.Lock()
	l.workers[spec.WorkerID] = &k8sWorker{handle: handle, spec: spec, jobName: created.Name}
	l.mu.Unlock()

	telemetry.TrackWorkerLaunch(spec.Feature, "kubernetes")
	return SpawnResult{Success: true, Handle: handle}
}

func (l *KubernetesLauncher) SpawnAsync(ctx context.Context, spec Spec) <-chan SpawnResult {
	ch := make(chan SpawnResult, 1)
	go func() { ch <- l.Spawn(ctx, spec); close(ch) }()
	return ch
}

func (l *KubernetesLauncher) Monitor(ctx context.Context, workerID int) (Outcome, error) {
	l.mu.Lock()
	w, ok := l.workers[workerID]
	l.mu.Unlock()
	if !ok {
		return Crashed, ErrNotFound
	}

	job, err := l.clientset.BatchV1().Jobs(l.namespace).Get(ctx, w.jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Crashed, nil
		}
		return Crashed, err
	}

	if job.Status.Succeeded > 0 {
		return Stopped, nil
	}
	if job.Status.Failed > 0 {
		return Crashed, nil
	}
	return Running, nil
}

func (l *KubernetesLauncher) MonitorAsync(ctx context.Context, workerID int) <-chan monitorEvent {
	ch := make(chan monitorEvent, 1)
	go func() {
		o, err := l.Monitor(ctx, workerID)
		ch <- monitorEvent{Outcome: o, Err: err}
		close(ch)
	}()
	return ch
}

func (l *KubernetesLauncher) Terminate(ctx context.Context, workerID int, force bool) error {
	l.mu.Lock()
	w, ok := l.workers[workerID]
	if ok {
		delete(l.workers, workerID)
	}
	l.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	policy := metav1.DeletePropagationForeground
	grace := int64(10)
	if force {
		grace = 0
	}
	return l.clientset.BatchV1().Jobs(l.namespace).Delete(ctx, w.jobName, metav1.DeleteOptions{
		PropagationPolicy:  &policy,
		GracePeriodSeconds: &grace,
	})
}

func (l *KubernetesLauncher) TerminateAll(ctx context.Context, force bool) error {
	l.mu.Lock()
	ids := make([]int, 0, len(l.workers))
	for id := range l.workers {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := l.Terminate(ctx, id, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *KubernetesLauncher) GetOutput(ctx context.Context, workerID int) (string, string, error) {
	l.mu.Lock()
	_, ok := l.workers[workerID]
	l.mu.Unlock()
	if !ok {
		return "", "", ErrNotFound
	}
	// Pod log retrieval requires locating the pod owned by the job, which
	// k8sWorker does not track; this returns empty output and does not
	// fetch pod logs.
	return "", "", nil
}

func (l *KubernetesLauncher) GetHandle(workerID int) (Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.workers[workerID]
	if !ok {
		return Handle{}, false
	}
	return w.handle, true
}

func (l *KubernetesLauncher) SyncState(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, w := range l.workers {
		_, err := l.clientset.BatchV1().Jobs(l.namespace).Get(ctx, w.jobName, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			delete(l.workers, id)
		}
	}
	return nil
}
