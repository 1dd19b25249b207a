// Package router implements the routing swap: the invariant that a
// Service's endpoint routes either to the real workload or to the proxy
// itself, and the atomic-from-the-cluster's-point-of-view mechanism used
// to flip it (spec.md §3, §4.2).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	jsonpatch "gomodules.xyz/jsonpatch/v2"
	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/sero-proxy/sero/internal/localip"
)

const (
	// ServiceNameLabel is the well-known label Kubernetes uses to bind an
	// EndpointSlice into a Service's routing (spec.md §3).
	ServiceNameLabel = "kubernetes.io/service-name"

	// ManagedByAnnotation re-identifies, across restarts, the slice this
	// process previously created (spec.md §3 "idempotency across restarts").
	ManagedByAnnotation = "sero/target-deployment"

	// FieldManager matches the Scaler's field manager identity (spec.md §6).
	FieldManager = "sero"

	generateNamePrefix = "sero-"
	portName           = "tcp"

	labelPatchPath = "/metadata/labels/kubernetes.io~1service-name"
)

// Slice owns the single EndpointSlice this process creates for a
// (serviceName, deploymentName) pair and toggles whether it is bound to
// the Service's routing.
type Slice struct {
	client     kubernetes.Interface
	namespace  string
	svcName    string
	deployName string
	port       int32
	logger     *slog.Logger
}

// New builds a Slice for the given Service/Deployment pair.
func New(client kubernetes.Interface, namespace, svcName, deployName string, port int32, logger *slog.Logger) *Slice {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slice{
		client:     client,
		namespace:  namespace,
		svcName:    svcName,
		deployName: deployName,
		port:       port,
		logger:     logger,
	}
}

// findSlice lists EndpointSlices bound to svcName and returns the name of
// the one this process owns (matched by ManagedByAnnotation), or "" if
// none exists yet.
func (s *Slice) findSlice(ctx context.Context) (string, error) {
	selector := labels.Set{ServiceNameLabel: s.svcName}.AsSelector()
	list, err := s.client.DiscoveryV1().EndpointSlices(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return "", fmt.Errorf("list endpointslices for service %s: %w", s.svcName, err)
	}
	for _, item := range list.Items {
		if item.Annotations[ManagedByAnnotation] == s.deployName {
			return item.Name, nil
		}
	}

	// The slice this process owns may currently be detached from the
	// service (selector label absent) and so won't show up in a
	// selector-filtered list. Fall back to scanning every slice in the
	// namespace for the annotation.
	all, err := s.client.DiscoveryV1().EndpointSlices(s.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list all endpointslices: %w", err)
	}
	for _, item := range all.Items {
		if item.Annotations[ManagedByAnnotation] == s.deployName {
			return item.Name, nil
		}
	}
	return "", nil
}

// EnsureSlice finds the EndpointSlice this process previously created for
// (serviceName, deploymentName), or creates one. Idempotent across
// restarts: the routing entry is never duplicated (spec.md §8).
func (s *Slice) EnsureSlice(ctx context.Context) (string, error) {
	name, err := s.findSlice(ctx)
	if err != nil {
		return "", fmt.Errorf("router: ensure slice: %w", err)
	}
	if name != "" {
		return name, nil
	}

	ip, err := localip.Discover()
	if err != nil {
		return "", fmt.Errorf("router: discover local ip: %w", err)
	}

	port := s.port
	proto := corev1.ProtocolTCP
	pname := portName
	slice := &discoveryv1.EndpointSlice{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: generateNamePrefix,
			Annotations:  map[string]string{ManagedByAnnotation: s.deployName},
			// Deliberately created without ServiceNameLabel: a freshly
			// created slice starts detached. The Controller's optimistic
			// initial Up state (spec.md §9) assumes the service already
			// routes to real pods; attach() is only ever called by a
			// deactivation transition.
		},
		AddressType: discoveryv1.AddressTypeIPv4,
		Endpoints: []discoveryv1.Endpoint{
			{Addresses: []string{ip}},
		},
		Ports: []discoveryv1.EndpointPort{
			{Name: &pname, Protocol: &proto, Port: &port},
		},
	}

	created, err := s.client.DiscoveryV1().EndpointSlices(s.namespace).Create(ctx, slice, metav1.CreateOptions{
		FieldManager: FieldManager,
	})
	if err != nil {
		return "", fmt.Errorf("router: create endpointslice: %w", err)
	}
	s.logger.Info("created endpointslice", "name", created.Name, "deployment", s.deployName)
	return created.Name, nil
}

// Attach ensures the slice exists, then adds the service-selector label:
// the service begins routing to the proxy (spec.md §4.2).
func (s *Slice) Attach(ctx context.Context) error {
	name, err := s.EnsureSlice(ctx)
	if err != nil {
		return fmt.Errorf("router: attach: %w", err)
	}
	if err := s.setSelectorLabel(ctx, name, true); err != nil {
		return fmt.Errorf("router: attach: %w", err)
	}
	s.logger.Info("attached slice to service routing", "slice", name, "service", s.svcName)
	return nil
}

// Detach ensures the slice exists, then removes the service-selector
// label: the service routes only to real pods again (spec.md §4.2).
func (s *Slice) Detach(ctx context.Context) error {
	name, err := s.EnsureSlice(ctx)
	if err != nil {
		return fmt.Errorf("router: detach: %w", err)
	}
	if err := s.setSelectorLabel(ctx, name, false); err != nil {
		return fmt.Errorf("router: detach: %w", err)
	}
	s.logger.Info("detached slice from service routing", "slice", name, "service", s.svcName)
	return nil
}

// setSelectorLabel converges the slice's selector label to present,
// idempotently: calling it twice with the same value is a no-op the
// second time (spec.md §8 "attach(); attach() ≡ attach()").
func (s *Slice) setSelectorLabel(ctx context.Context, name string, present bool) error {
	current, err := s.client.DiscoveryV1().EndpointSlices(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		// The slice this process owns was deleted out-of-band between
		// EnsureSlice and this Get (e.g. a cluster admin cleanup). Treat
		// it as transient: the caller's retry loop calls EnsureSlice
		// again on the next attempt, which recreates it.
		return fmt.Errorf("get endpointslice/%s: %w", name, err)
	}
	if err != nil {
		return fmt.Errorf("get endpointslice/%s: %w", name, err)
	}

	_, hasLabel := current.Labels[ServiceNameLabel]
	if hasLabel == present {
		return nil
	}

	var op jsonpatch.Operation
	switch {
	case present && len(current.Labels) == 0:
		op = jsonpatch.Operation{
			Operation: "add",
			Path:      "/metadata/labels",
			Value:     map[string]string{ServiceNameLabel: s.svcName},
		}
	case present:
		op = jsonpatch.Operation{Operation: "add", Path: labelPatchPath, Value: s.svcName}
	default:
		op = jsonpatch.Operation{Operation: "remove", Path: labelPatchPath}
	}

	body, err := json.Marshal([]jsonpatch.Operation{op})
	if err != nil {
		return fmt.Errorf("marshal json patch: %w", err)
	}

	_, err = s.client.DiscoveryV1().EndpointSlices(s.namespace).Patch(
		ctx, name, types.JSONPatchType, body, metav1.PatchOptions{FieldManager: FieldManager},
	)
	if err != nil {
		return fmt.Errorf("patch endpointslice/%s labels: %w", name, err)
	}
	return nil
}
