package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrs "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/testexechq/control-plane/internal/types"
)

const JobNameLabel = "job-name"
const ManagedByLabel = "testexec.io/managed-by"
const LobLabel = "testexec.io/lob"

const managedByValue = "testexec-control-plane"

// kubeBackend implements Backend over a generic kubernetes.Interface.
// Provider variants embed it and differ only in client construction and
// namespace annotations.
type kubeBackend struct {
	client               kubernetes.Interface
	namespaceAnnotations map[string]string
}

func mapK8sError(err error) error {
	switch {
	case err == nil:
		return nil
	case k8serrs.IsNotFound(err):
		return types.NewClusterError(types.ClusterErrorNotFound, err)
	case k8serrs.IsAlreadyExists(err), k8serrs.IsConflict(err):
		return types.NewClusterError(types.ClusterErrorConflict, err)
	case k8serrs.IsServiceUnavailable(err), k8serrs.IsServerTimeout(err), k8serrs.IsTimeout(err):
		return types.NewClusterError(types.ClusterErrorUnavailable, err)
	default:
		return types.NewClusterError(types.ClusterErrorOther, err)
	}
}

func (b *kubeBackend) CreateTestJob(
	ctx context.Context,
	image, jobName, repoURL, namespace string,
	opts JobOptions,
) (string, error) {
	ctx, span := tracer.Start(ctx, "CreateTestJob", trace.WithAttributes(
		attribute.String("job.name", jobName),
		attribute.String("job.namespace", namespace),
		attribute.String("job.image", image),
	))
	defer span.End()

	completions := int32(1)
	backoff := int32(0)

	env := []corev1.EnvVar{
		{
			Name:  "REPO_URL",
			Value: repoURL,
		},
	}
	for k, v := range opts.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	labels := map[string]string{
		ManagedByLabel: managedByValue,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}
	if opts.CPULimit != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(opts.CPULimit)
	}
	if opts.MemoryLimit != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(opts.MemoryLimit)
	}
	if opts.CPURequest != "" {
		requests[corev1.ResourceCPU] = resource.MustParse(opts.CPURequest)
	}
	if opts.MemoryRequest != "" {
		requests[corev1.ResourceMemory] = resource.MustParse(opts.MemoryRequest)
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   jobName,
			Labels: labels,
		},
		Spec: batchv1.JobSpec{
			Completions:           &completions,
			BackoffLimit:          &backoff,
			ActiveDeadlineSeconds: &opts.ActiveDeadlineSeconds,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "test-runner",
							Image:   image,
							Command: []string{"/bin/sh", "-c", "/app/run-tests.sh"},
							Env:     env,
							Resources: corev1.ResourceRequirements{
								Limits:   limits,
								Requests: requests,
							},
						},
					},
				},
			},
		},
	}

	created, err := b.client.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job")
		return "", mapK8sError(err)
	}

	span.AddEvent("created_job", trace.WithAttributes(
		attribute.String("job.name", created.Name),
	))

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created job")
	return created.Name, nil
}

func jobInfoFromK8s(job *batchv1.Job) *JobInfo {
	info := &JobInfo{
		Name:      job.Name,
		Namespace: job.Namespace,
		Labels:    job.Labels,
		Active:    job.Status.Active,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
	}
	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		info.StartTime = &t
	}
	if job.Status.CompletionTime != nil {
		t := job.Status.CompletionTime.Time
		info.CompletionTime = &t
	}

	return info
}

func (b *kubeBackend) GetJob(
	ctx context.Context,
	jobName, namespace string,
) (*JobInfo, error) {
	ctx, span := tracer.Start(ctx, "GetJob", trace.WithAttributes(
		attribute.String("job.name", jobName),
		attribute.String("job.namespace", namespace),
	))
	defer span.End()

	job, err := b.client.BatchV1().Jobs(namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job")
		return nil, mapK8sError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got job")
	return jobInfoFromK8s(job), nil
}

// A job is completed when the cluster reports it terminal, regardless of
// whether it succeeded or failed.
func (b *kubeBackend) IsJobCompleted(
	ctx context.Context,
	jobName, namespace string,
) (bool, error) {
	job, err := b.GetJob(ctx, jobName, namespace)
	if err != nil {
		return false, err
	}

	return job.Terminal(), nil
}

func (b *kubeBackend) GetJobLogs(
	ctx context.Context,
	jobName, namespace string,
) (string, error) {
	ctx, span := tracer.Start(ctx, "GetJobLogs", trace.WithAttributes(
		attribute.String("job.name", jobName),
		attribute.String("job.namespace", namespace),
	))
	defer span.End()

	pods, err := b.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", JobNameLabel, jobName),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pods for job")
		return "", mapK8sError(err)
	}

	if len(pods.Items) == 0 {
		span.AddEvent("no_pods_for_job")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "no pods for job")
		return NoPodLogsMessage, nil
	}

	pod := pods.Items[0]
	stream, err := b.client.CoreV1().
		Pods(namespace).
		GetLogs(pod.Name, &corev1.PodLogOptions{}).
		Stream(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stream pod logs")
		return "", mapK8sError(err)
	}
	defer stream.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, stream); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read pod logs")
		return "", mapK8sError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got job logs")
	return buf.String(), nil
}

func (b *kubeBackend) DeleteJob(ctx context.Context, jobName, namespace string) error {
	ctx, span := tracer.Start(ctx, "DeleteJob", trace.WithAttributes(
		attribute.String("job.name", jobName),
		attribute.String("job.namespace", namespace),
	))
	defer span.End()

	propagationPolicy := metav1.DeletePropagationBackground
	err := b.client.BatchV1().
		Jobs(namespace).
		Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &propagationPolicy})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete job")
		return mapK8sError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "deleted job")
	return nil
}

func (b *kubeBackend) CreateNamespaceIfNotExists(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "CreateNamespaceIfNotExists", trace.WithAttributes(
		attribute.String("namespace", name),
	))
	defer span.End()

	_, err := b.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "namespace exists")
		return nil
	}
	if !k8serrs.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read namespace")
		return mapK8sError(err)
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Labels:      map[string]string{ManagedByLabel: managedByValue},
			Annotations: b.namespaceAnnotations,
		},
	}

	_, err = b.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil {
		// two concurrent creates are safe, one wins and the other observes it
		if k8serrs.IsAlreadyExists(err) {
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "namespace created concurrently")
			return nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create namespace")
		return mapK8sError(err)
	}

	span.AddEvent("created_namespace")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created namespace")
	return nil
}

func (b *kubeBackend) ListNamespaces(ctx context.Context, prefix string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ListNamespaces", trace.WithAttributes(
		attribute.String("prefix", prefix),
	))
	defer span.End()

	list, err := b.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list namespaces")
		return nil, mapK8sError(err)
	}

	names := []string{}
	for _, ns := range list.Items {
		if strings.HasPrefix(ns.Name, prefix) {
			names = append(names, ns.Name)
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed namespaces")
	return names, nil
}

func (b *kubeBackend) ListPods(
	ctx context.Context,
	namespace, labelSelector string,
) ([]PodInfo, error) {
	ctx, span := tracer.Start(ctx, "ListPods", trace.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("selector", labelSelector),
	))
	defer span.End()

	list, err := b.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pods")
		return nil, mapK8sError(err)
	}

	pods := make([]PodInfo, 0, len(list.Items))
	for _, pod := range list.Items {
		pods = append(pods, PodInfo{
			Name:      pod.Name,
			Namespace: pod.Namespace,
			Phase:     string(pod.Status.Phase),
			Labels:    pod.Labels,
		})
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed pods")
	return pods, nil
}

func (b *kubeBackend) ListJobs(
	ctx context.Context,
	namespace, labelSelector string,
) ([]JobInfo, error) {
	ctx, span := tracer.Start(ctx, "ListJobs", trace.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("selector", labelSelector),
	))
	defer span.End()

	list, err := b.client.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return nil, mapK8sError(err)
	}

	jobs := make([]JobInfo, 0, len(list.Items))
	for i := range list.Items {
		jobs = append(jobs, *jobInfoFromK8s(&list.Items[i]))
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed jobs")
	return jobs, nil
}

func (b *kubeBackend) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	ctx, span := tracer.Start(ctx, "ListNodes")
	defer span.End()

	list, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list nodes")
		return nil, mapK8sError(err)
	}

	nodes := make([]NodeInfo, 0, len(list.Items))
	for _, node := range list.Items {
		ready := false
		for _, cond := range node.Status.Conditions {
			if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
				ready = true
			}
		}

		nodes = append(nodes, NodeInfo{Name: node.Name, Ready: ready})
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed nodes")
	return nodes, nil
}

func (b *kubeBackend) CleanupCompletedJobs(
	ctx context.Context,
	namespace string,
	olderThan time.Duration,
) (int, error) {
	ctx, span := tracer.Start(ctx, "CleanupCompletedJobs", trace.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("olderThan", olderThan.String()),
	))
	defer span.End()

	jobs, err := b.ListJobs(ctx, namespace, fmt.Sprintf("%s=%s", ManagedByLabel, managedByValue))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs for cleanup")
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	deleted := 0
	for _, job := range jobs {
		if !job.Terminal() {
			continue
		}
		if job.CompletionTime == nil || job.CompletionTime.After(cutoff) {
			continue
		}

		if err := b.DeleteJob(ctx, job.Name, namespace); err != nil {
			if types.IsClusterNotFound(err) {
				continue
			}

			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to delete job during cleanup")
			return deleted, err
		}
		deleted++
	}

	span.AddEvent("cleaned_up_jobs", trace.WithAttributes(attribute.Int("deleted", deleted)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "cleaned up completed jobs")
	return deleted, nil
}
