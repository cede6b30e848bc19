package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	// Namespace where job pods are created.
	Namespace string
	// ServiceAccount for job pods (optional).
	ServiceAccount string
	// Default resource limits for job pods.
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

// KubernetesRuntime provisions environments as Kubernetes Jobs. Pods are
// one-shot, so each Exec runs as its own Job with the tool installation
// prefix replayed; Provision runs a probe Job first so installation problems
// surface as provisioning failures.
type KubernetesRuntime struct {
	clientset  kubernetes.Interface
	config     KubernetesConfig
	installCmd string
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesRuntime creates a Kubernetes-based runtime. Tries in-cluster
// configuration first, falls back to kubeconfig for local development.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("building kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes clientset: %w", err)
	}

	return newKubernetesRuntime(clientset, cfg), nil
}

// newKubernetesRuntime wires a runtime around an existing clientset. Split
// out so tests can inject the fake clientset.
func newKubernetesRuntime(clientset kubernetes.Interface, cfg KubernetesConfig) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	return &KubernetesRuntime{
		clientset:  clientset,
		config:     cfg,
		installCmd: defaultInstallCommand,
	}
}

// Provision validates the environment. When tools are declared, a probe Job
// installs them in a throwaway pod so repository or package errors are
// reported as *ProvisionError instead of failing the job's first command.
func (k *KubernetesRuntime) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	env := &kubernetesEnvironment{
		runtime: k,
		spec:    spec,
	}
	if len(spec.Tools) > 0 {
		env.setupPrefix = fmt.Sprintf("%s %s && ", k.installCmd, strings.Join(spec.Tools, " "))
		res, err := env.exec(ctx, "probe", env.setupPrefix+"true")
		if err != nil {
			return nil, &ProvisionError{Op: "installing tools", Err: err}
		}
		if !res.Ok() {
			return nil, &ProvisionError{
				Op:  "installing tools",
				Err: fmt.Errorf("installer exited with code %d: %s", res.ExitCode, lastLine(res.Output)),
			}
		}
	}
	return env, nil
}

type kubernetesEnvironment struct {
	runtime     *KubernetesRuntime
	spec        EnvSpec
	setupPrefix string
	seq         int
}

func (e *kubernetesEnvironment) Exec(ctx context.Context, command string) (ExitResult, error) {
	e.seq++
	return e.exec(ctx, fmt.Sprintf("step%d", e.seq), e.setupPrefix+command)
}

// Close is a no-op: each Exec deletes its own Job, so nothing outlives the
// commands.
func (e *kubernetesEnvironment) Close(ctx context.Context) error {
	return nil
}

// exec creates a one-shot Job for the command, waits for its pod to reach a
// terminal phase, and collects logs and the exit code.
func (e *kubernetesEnvironment) exec(ctx context.Context, step, command string) (ExitResult, error) {
	k := e.runtime
	jobName := fmt.Sprintf("gantry-%s-%s-%d", sanitizeName(e.spec.Name), step, time.Now().UnixNano())

	var envVars []corev1.EnvVar
	for key, value := range e.spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(k.config.DefaultCPULimit),
			corev1.ResourceMemory: resource.MustParse(k.config.DefaultMemoryLimit),
		},
	}

	backoffLimit := int32(0) // no retries, the scheduler owns retry policy
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: k.config.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "gantry",
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":                     jobName,
						"app.kubernetes.io/managed-by": "gantry",
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "step",
							Image:     e.spec.Image,
							Command:   []string{"/bin/sh", "-ec", command},
							Env:       envVars,
							Resources: resources,
						},
					},
				},
			},
		},
	}
	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}

	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return ExitResult{ExitCode: -1}, fmt.Errorf("creating kubernetes job: %w", err)
	}
	defer func() {
		propagation := metav1.DeletePropagationBackground
		k.clientset.BatchV1().Jobs(k.config.Namespace).Delete(context.WithoutCancel(ctx), created.Name, metav1.DeleteOptions{
			PropagationPolicy: &propagation,
		})
	}()

	podName, err := e.waitForPod(ctx, created.Name)
	if err != nil {
		return ExitResult{ExitCode: -1}, err
	}

	exitCode, err := e.waitForCompletion(ctx, podName)
	if err != nil {
		return ExitResult{ExitCode: -1}, err
	}

	output := e.collectLogs(ctx, podName)
	return ExitResult{ExitCode: exitCode, Output: output}, nil
}

// waitForPod waits for the job's pod to be created and returns its name.
func (e *kubernetesEnvironment) waitForPod(ctx context.Context, jobName string) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := e.runtime.clientset.CoreV1().Pods(e.runtime.config.Namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

// waitForCompletion watches the pod until it reaches a terminal phase and
// returns the container's exit code.
func (e *kubernetesEnvironment) waitForCompletion(ctx context.Context, podName string) (int, error) {
	watcher, err := e.runtime.clientset.CoreV1().Pods(e.runtime.config.Namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return -1, err
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			return -1, fmt.Errorf("pod watch error")
		}
		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}
		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			return 0, nil
		case corev1.PodFailed:
			exitCode := -1
			if len(pod.Status.ContainerStatuses) > 0 {
				if term := pod.Status.ContainerStatuses[0].State.Terminated; term != nil {
					exitCode = int(term.ExitCode)
				}
			}
			return exitCode, nil
		}
	}
	return -1, ctx.Err()
}

func (e *kubernetesEnvironment) collectLogs(ctx context.Context, podName string) []byte {
	req := e.runtime.clientset.CoreV1().Pods(e.runtime.config.Namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: "step",
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return data
	}
	return data
}

// sanitizeName makes a job name usable in a Kubernetes object name.
func sanitizeName(name string) string {
	s := strings.ToLower(name)
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, s)
	return strings.Trim(s, "-")
}
