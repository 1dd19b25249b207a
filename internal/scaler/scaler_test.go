package scaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newDeployment(name, namespace string, ready int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Status:     appsv1.DeploymentStatus{ReadyReplicas: ready},
	}
}

func TestScaleDownIsTrivialOnceAccepted(t *testing.T) {
	client := fake.NewSimpleClientset(newDeployment("echo", "default", 3))
	s := New(client, "default", "echo", nil)

	err := s.Scale(context.Background(), 0, time.Second)
	require.NoError(t, err)
}

func TestScaleUpSucceedsWhenAlreadyReady(t *testing.T) {
	client := fake.NewSimpleClientset(newDeployment("echo", "default", 1))
	s := New(client, "default", "echo", nil)

	err := s.Scale(context.Background(), 1, time.Second)
	require.NoError(t, err)
}

func TestScaleUpTimesOutWithoutReadyReplicas(t *testing.T) {
	client := fake.NewSimpleClientset(newDeployment("echo", "default", 0))
	s := New(client, "default", "echo", nil)

	err := s.Scale(context.Background(), 1, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
