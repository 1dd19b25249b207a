package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestEnsureSliceCreatesOnce(t *testing.T) {
	client := fake.NewSimpleClientset()
	s := New(client, "default", "echo-svc", "echo-deploy", 8080, nil)

	name1, err := s.EnsureSlice(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, name1)

	name2, err := s.EnsureSlice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, name1, name2)

	list, err := client.DiscoveryV1().EndpointSlices("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list.Items, 1)
}

func TestEnsureSliceIsIdempotentAcrossRestart(t *testing.T) {
	client := fake.NewSimpleClientset()

	first := New(client, "default", "echo-svc", "echo-deploy", 8080, nil)
	name1, err := first.EnsureSlice(context.Background())
	require.NoError(t, err)

	// Simulate a process restart: a fresh Slice against the same cluster
	// state must resolve to the same slice (spec.md §8 "restarting the
	// process ... yields the same slice_name").
	second := New(client, "default", "echo-svc", "echo-deploy", 8080, nil)
	name2, err := second.EnsureSlice(context.Background())
	require.NoError(t, err)

	assert.Equal(t, name1, name2)
}

func TestAttachDetachIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	s := New(client, "default", "echo-svc", "echo-deploy", 8080, nil)
	ctx := context.Background()

	require.NoError(t, s.Attach(ctx))
	require.NoError(t, s.Attach(ctx)) // no-op the second time

	name, err := s.EnsureSlice(ctx)
	require.NoError(t, err)
	slice, err := client.DiscoveryV1().EndpointSlices("default").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "echo-svc", slice.Labels[ServiceNameLabel])

	require.NoError(t, s.Detach(ctx))
	require.NoError(t, s.Detach(ctx)) // no-op the second time

	slice, err = client.DiscoveryV1().EndpointSlices("default").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	_, hasLabel := slice.Labels[ServiceNameLabel]
	assert.False(t, hasLabel)
}

func TestDetachBeforeAttachStaysDetached(t *testing.T) {
	client := fake.NewSimpleClientset()
	s := New(client, "default", "echo-svc", "echo-deploy", 8080, nil)
	ctx := context.Background()

	// A freshly-created slice starts detached already; detach() on it
	// must be a no-op, not an error.
	require.NoError(t, s.Detach(ctx))

	name, err := s.EnsureSlice(ctx)
	require.NoError(t, err)
	slice, err := client.DiscoveryV1().EndpointSlices("default").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	_, hasLabel := slice.Labels[ServiceNameLabel]
	assert.False(t, hasLabel)
}
