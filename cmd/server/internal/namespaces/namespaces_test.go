package namespaces_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/testexechq/control-plane/cmd/server/internal/namespaces"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/cluster"
)

type stubPolicyReader struct {
	admin *policy.AdminConfiguration
}

func (s *stubPolicyReader) NamespacePrefix() string {
	return s.admin.Cluster.LobNamespacePrefix
}

func (s *stubPolicyReader) GetAdminConfiguration(
	_ context.Context,
	_ bool,
) (*policy.AdminConfiguration, error) {
	return s.admin, nil
}

func newResolver(prefix string) (*namespaces.Resolver, *fake.Clientset) {
	admin := policy.DefaultAdminConfiguration()
	admin.Cluster.LobNamespacePrefix = prefix

	client := fake.NewClientset()
	backend := cluster.NewAKSBackendFromClient(client)

	return namespaces.NewResolver(backend, &stubPolicyReader{admin: &admin}), client
}

func TestNamespaceForLob(t *testing.T) {
	resolver, _ := newResolver("testexec-")

	assert.Equal(t, "testexec-acme", resolver.NamespaceForLob("acme"))
	assert.Equal(t, "testexec-acme", resolver.NamespaceForLob("ACME"))
	assert.Equal(t, "testexec-acme", resolver.NamespaceForLob("Acme"))
}

func TestEnsureNamespace(t *testing.T) {
	ctx := context.Background()
	resolver, client := newResolver("testexec-")

	namespace, err := resolver.EnsureNamespace(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, "testexec-acme", namespace)

	_, err = client.CoreV1().Namespaces().Get(ctx, "testexec-acme", metav1.GetOptions{})
	require.NoError(t, err)

	// idempotent
	namespace, err = resolver.EnsureNamespace(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "testexec-acme", namespace)
}
