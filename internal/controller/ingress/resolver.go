// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

// Package ingress resolves standard Kubernetes Ingress objects to the
// CloudflaredTunnel that should serve them, and converts their rules
// into the tuples the configuration builder consumes. It never writes
// to an Ingress, a CloudflaredTunnel, or any object derived from one —
// all mutation happens in the tunnel controller.
package ingress

import (
	"context"
	"fmt"

	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	cloudflaredtunnelv1alpha1 "github.com/chalharu/cloudflared-tunnel-operator/api/v1alpha1"
)

// LegacyIngressClassAnnotation is the deprecated way of naming an
// IngressClass, still honored when spec.ingressClassName is unset.
const LegacyIngressClassAnnotation = "kubernetes.io/ingress.class"

// Resolve maps an Ingress to the CloudflaredTunnel that should serve
// it. It returns nil, nil when the Ingress does not opt into this
// operator's IngressClass controller ("NotOurs" in spec terms).
func Resolve(ctx context.Context, c client.Client, ing *networkingv1.Ingress) (*types.NamespacedName, error) {
	className := ingressClassName(ing)
	if className == "" {
		return nil, nil
	}

	ingressClass := &networkingv1.IngressClass{}
	if err := c.Get(ctx, types.NamespacedName{Name: className}, ingressClass); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ingressclass %s: %w", className, err)
	}

	if ingressClass.Spec.Controller != cloudflaredtunnelv1alpha1.IngressClassController {
		return nil, nil
	}

	params := ingressClass.Spec.Parameters
	if params == nil || params.Kind != "CloudflaredTunnel" {
		return nil, nil
	}
	if params.APIGroup == nil || *params.APIGroup != cloudflaredtunnelv1alpha1.GroupVersion.Group {
		return nil, nil
	}

	namespace := ing.Namespace
	if params.Namespace != nil && *params.Namespace != "" {
		namespace = *params.Namespace
	}

	return &types.NamespacedName{Name: params.Name, Namespace: namespace}, nil
}

func ingressClassName(ing *networkingv1.Ingress) string {
	if ing.Spec.IngressClassName != nil && *ing.Spec.IngressClassName != "" {
		return *ing.Spec.IngressClassName
	}
	return ing.Annotations[LegacyIngressClassAnnotation]
}

// IngressesFor is the inverse of Resolve: it enumerates every Ingress
// in the cluster whose resolution equals tunnel.
func IngressesFor(ctx context.Context, c client.Client, tunnel types.NamespacedName) ([]networkingv1.Ingress, error) {
	list := &networkingv1.IngressList{}
	if err := c.List(ctx, list); err != nil {
		return nil, fmt.Errorf("list ingresses: %w", err)
	}

	var matched []networkingv1.Ingress
	for i := range list.Items {
		ing := &list.Items[i]
		target, err := Resolve(ctx, c, ing)
		if err != nil || target == nil {
			continue
		}
		if *target == tunnel {
			matched = append(matched, *ing)
		}
	}
	return matched, nil
}
