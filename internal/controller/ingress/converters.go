// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package ingress

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/chalharu/cloudflared-tunnel-operator/internal/tunnelconfig"
)

// ReasonBackendNotFound is the Event reason recorded against an
// Ingress when one of its rules references a Service (or a named
// port on one) that cannot be resolved. The rule is skipped rather
// than blocking the whole tunnel's configuration.
const ReasonBackendNotFound = "BackendNotFound"

// ResolveRules converts every HTTP rule on ing into a tunnelconfig.ResolvedRule,
// reading each backend Service to confirm it exists and to resolve
// named ports. Rules whose
// backend cannot be resolved are skipped and reported via recorder
// rather than failing the whole conversion.
func ResolveRules(ctx context.Context, c client.Client, recorder record.EventRecorder, ing *networkingv1.Ingress) []tunnelconfig.ResolvedRule {
	var rules []tunnelconfig.ResolvedRule

	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			service, err := resolveBackend(ctx, c, ing.Namespace, path.Backend)
			if err != nil {
				recorder.Eventf(ing, corev1.EventTypeWarning, ReasonBackendNotFound,
					"rule for host %q: %s", rule.Host, err)
				continue
			}
			rules = append(rules, tunnelconfig.ResolvedRule{
				SourceNamespace: ing.Namespace,
				SourceName:      ing.Name,
				Hostname:        rule.Host,
				Path:            convertPathType(path.Path, path.PathType),
				Service:         service,
			})
		}
	}

	return rules
}

// resolveBackend resolves an Ingress path backend to a cluster-internal
// URL of the form http://<service>.<namespace>.svc:<port>.
func resolveBackend(ctx context.Context, c client.Client, namespace string, backend networkingv1.IngressBackend) (string, error) {
	if backend.Service == nil {
		return "", fmt.Errorf("backend has no service (resource backends are not supported)")
	}

	port, err := resolvePort(ctx, c, namespace, backend.Service)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("http://%s.%s.svc:%d", backend.Service.Name, namespace, port), nil
}

func resolvePort(ctx context.Context, c client.Client, namespace string, ref *networkingv1.IngressServiceBackend) (int32, error) {
	svc := &corev1.Service{}
	key := types.NamespacedName{Name: ref.Name, Namespace: namespace}
	if err := c.Get(ctx, key, svc); err != nil {
		if apierrors.IsNotFound(err) {
			return 0, fmt.Errorf("service %s not found", key)
		}
		return 0, fmt.Errorf("get service %s: %w", key, err)
	}

	if ref.Port.Number != 0 {
		return ref.Port.Number, nil
	}

	for _, p := range svc.Spec.Ports {
		if p.Name == ref.Port.Name {
			return p.Port, nil
		}
	}
	return 0, fmt.Errorf("service %s has no port named %q", key, ref.Port.Name)
}

// convertPathType converts a Kubernetes Ingress path and PathType into
// the regular expression cloudflared's ingress matcher expects.
func convertPathType(path string, pathType *networkingv1.PathType) string {
	if path == "" || path == "/" {
		return ""
	}

	pt := networkingv1.PathTypePrefix
	if pathType != nil {
		pt = *pathType
	}

	switch pt {
	case networkingv1.PathTypeExact:
		return "^" + path + "$"
	case networkingv1.PathTypePrefix, networkingv1.PathTypeImplementationSpecific:
		if path[len(path)-1] == '/' {
			return path + ".*"
		}
		return path + "(/.*)?$"
	default:
		return path
	}
}
