package cluster

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	k8serrs "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// AKSBackend talks to an AKS-style cluster authenticated through a
// kubeconfig (or the in-cluster service account).
type AKSBackend struct {
	kubeBackend
}

var _ Backend = (*AKSBackend)(nil)

// OpenShiftBackend is the OpenShift variant. The capability set is the
// same; namespaces carry the OpenShift SCC annotations so runner pods
// land in the restricted profile.
type OpenShiftBackend struct {
	kubeBackend
}

var _ Backend = (*OpenShiftBackend)(nil)

func restConfig(kubeConfigPath string, inCluster bool) (*rest.Config, error) {
	if inCluster {
		return rest.InClusterConfig()
	}

	if kubeConfigPath == "" {
		kubeConfigPath = homedir.HomeDir() + "/.kube/config"
	}

	return clientcmd.BuildConfigFromFlags("", kubeConfigPath)
}

// Wraps the API transport in a retry client so transient apiserver
// hiccups do not bubble up as workload failures.
func wrapTransport(clusterConfig *rest.Config) {
	clusterConfig.Wrap(func(rt http.RoundTripper) http.RoundTripper {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.RetryWaitMin = 100 * time.Millisecond
		retryClient.RetryWaitMax = 5 * time.Second
		retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
			if k8serrs.IsNotFound(err) {
				// don't retry on not found
				return false, nil
			}

			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		// Use transport from standard client since retry logic is wrapped into it
		retryClient.HTTPClient.Transport = rt
		return retryClient.StandardClient().Transport
	})
}

func newClient(kubeConfigPath string, inCluster bool) (*kubernetes.Clientset, error) {
	clusterConfig, err := restConfig(kubeConfigPath, inCluster)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster config: %w", err)
	}

	wrapTransport(clusterConfig)

	return kubernetes.NewForConfig(clusterConfig)
}

func NewAKSBackend(kubeConfigPath string, inCluster bool) (*AKSBackend, error) {
	client, err := newClient(kubeConfigPath, inCluster)
	if err != nil {
		return nil, err
	}

	return NewAKSBackendFromClient(client), nil
}

func NewAKSBackendFromClient(client kubernetes.Interface) *AKSBackend {
	return &AKSBackend{kubeBackend{client: client}}
}

func NewOpenShiftBackend(kubeConfigPath string, inCluster bool) (*OpenShiftBackend, error) {
	client, err := newClient(kubeConfigPath, inCluster)
	if err != nil {
		return nil, err
	}

	return NewOpenShiftBackendFromClient(client), nil
}

func NewOpenShiftBackendFromClient(client kubernetes.Interface) *OpenShiftBackend {
	return &OpenShiftBackend{kubeBackend{
		client: client,
		namespaceAnnotations: map[string]string{
			"openshift.io/sa.scc.mcs":                 "s0:c26,c0",
			"openshift.io/sa.scc.uid-range":           "1000/10000",
			"openshift.io/sa.scc.supplemental-groups": "1000/10000",
		},
	}}
}

// NewBackend constructs the configured provider variant.
//
//nolint:ireturn // the variant must stay behind the Backend boundary.
func NewBackend(provider, kubeConfigPath string, inCluster bool) (Backend, error) {
	switch provider {
	case "aks":
		return NewAKSBackend(kubeConfigPath, inCluster)
	case "openshift":
		return NewOpenShiftBackend(kubeConfigPath, inCluster)
	default:
		return nil, fmt.Errorf("unknown cluster provider: %q", provider)
	}
}
