// Package scaler wraps the control-plane operation that sets a
// Deployment's replica count and blocks until readiness, with a timeout
// (spec.md §4.1).
package scaler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"golang.org/x/time/rate"
)

// FieldManager is the identity attached to every patch this process
// issues, so successive applies from sero converge instead of
// conflicting with other controllers (spec.md §6).
const FieldManager = "sero"

// pollInterval is the cadence at which Scale polls ready_replicas
// (spec.md §4.1: "~100 ms").
const pollInterval = 100 * time.Millisecond

// ErrTimeout is returned when Scale doesn't observe enough ready
// replicas before readyDeadline elapses.
var ErrTimeout = errors.New("scaler: timed out waiting for ready replicas")

// Scaler drives a single Deployment's replica count and blocks until
// enough replicas are ready.
type Scaler struct {
	client     kubernetes.Interface
	namespace  string
	deployment string
	logger     *slog.Logger
}

// New builds a Scaler for the given Deployment.
func New(client kubernetes.Interface, namespace, deployment string, logger *slog.Logger) *Scaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scaler{client: client, namespace: namespace, deployment: deployment, logger: logger}
}

// Scale patches the Deployment's replica count via server-side apply and
// blocks until at least replicas are ready, or readyDeadline elapses.
//
// Idempotent: calling Scale with a nonzero replica count already in
// effect still performs one status check before returning; Scale(0)
// returns as soon as the patch is accepted. Scale performs no
// internal retries on failure; callers own the retry/backoff policy
// (spec.md §4.1 "Retry policy", owned by the Activation Controller).
func (s *Scaler) Scale(ctx context.Context, replicas int32, readyDeadline time.Duration) error {
	if err := s.applyReplicas(ctx, replicas); err != nil {
		return fmt.Errorf("scaler: apply replicas=%d on deployment/%s: %w", replicas, s.deployment, err)
	}

	if replicas == 0 {
		// The post-condition for a scale-down is trivially met once the
		// patch is accepted (spec.md §4.1).
		return nil
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, readyDeadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)
	s.logger.Debug("waiting for ready replicas", "deployment", s.deployment, "target", replicas)
	for {
		if err := limiter.Wait(deadlineCtx); err != nil {
			// Wait also fails early, without wrapping DeadlineExceeded, when
			// the next tick would land past readyDeadline; unless the
			// caller's own ctx was cancelled, that is a timeout too.
			if ctx.Err() == nil || errors.Is(err, context.DeadlineExceeded) {
				return ErrTimeout
			}
			return fmt.Errorf("scaler: wait for poll tick: %w", err)
		}

		ready, err := s.readyReplicas(deadlineCtx)
		if err != nil {
			if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return fmt.Errorf("scaler: read status of deployment/%s: %w", s.deployment, err)
		}
		if ready >= replicas {
			s.logger.Debug("deployment ready", "deployment", s.deployment, "ready", ready)
			return nil
		}
	}
}

// applyReplicas issues a server-side-apply patch against the Deployment's
// /scale subresource, with a field manager identity stable across
// restarts. Targeting /scale rather than the full Deployment object
// matches spec.md §6 ("PATCH /scale on the workload") and only needs
// `deployments/scale` write RBAC rather than `deployments`.
func (s *Scaler) applyReplicas(ctx context.Context, replicas int32) error {
	patch, err := json.Marshal(autoscalingv1.Scale{
		TypeMeta:   metav1.TypeMeta{APIVersion: "autoscaling/v1", Kind: "Scale"},
		ObjectMeta: metav1.ObjectMeta{Name: s.deployment},
		Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
	})
	if err != nil {
		return fmt.Errorf("marshal scale patch: %w", err)
	}

	force := true
	_, err = s.client.AppsV1().Deployments(s.namespace).Patch(
		ctx, s.deployment, types.ApplyPatchType, patch,
		metav1.PatchOptions{FieldManager: FieldManager, Force: &force},
		"scale",
	)
	return err
}

func (s *Scaler) readyReplicas(ctx context.Context) (int32, error) {
	deploy, err := s.client.AppsV1().Deployments(s.namespace).Get(ctx, s.deployment, metav1.GetOptions{})
	if err != nil {
		return 0, err
	}
	return deploy.Status.ReadyReplicas, nil
}
