package namespaces

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/cluster"
	"github.com/testexechq/control-plane/internal/logger"
)

const name string = "github.com/testexechq/control-plane/cmd/server/internal/namespaces"

var tracer = otel.Tracer(name)

// Resolver derives the LOB namespace from policy. The derivation itself
// never blocks: the prefix comes from the policy store's cache and falls
// back to the compiled-in default, so it is safe from any concurrent
// context.
type Resolver struct {
	backend cluster.Backend
	policy  policy.Reader
}

func NewResolver(backend cluster.Backend, policyStore policy.Reader) *Resolver {
	return &Resolver{backend: backend, policy: policyStore}
}

// NamespaceForLob is pure in (prefix, lob) and always lowercases the lob.
func (r *Resolver) NamespaceForLob(lobID string) string {
	return r.policy.NamespacePrefix() + strings.ToLower(lobID)
}

// EnsureNamespace resolves the namespace and creates it idempotently.
// The admin config read happens here, where blocking is allowed; on
// failure the cached or default prefix still yields a usable name.
func (r *Resolver) EnsureNamespace(ctx context.Context, lobID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Resolver.EnsureNamespace", trace.WithAttributes(
		attribute.String("lob.id", lobID),
	))
	defer span.End()

	if _, err := r.policy.GetAdminConfiguration(ctx, true); err != nil {
		logger.Logger.WarnContext(ctx, "falling back to default namespace prefix",
			"error", err)
	}

	namespace := r.NamespaceForLob(lobID)
	span.SetAttributes(attribute.String("namespace", namespace))

	if err := r.backend.CreateNamespaceIfNotExists(ctx, namespace); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ensure namespace")
		return "", err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "ensured namespace")
	return namespace, nil
}
