// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package ingress

import (
	"context"

	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

// MapIngressToTunnel returns a handler.MapFunc that resolves an
// Ingress event to a reconcile.Request for its owning CloudflaredTunnel.
// It produces no request when the Ingress is NotOurs. On a delete
// event controller-runtime still passes the object's last known
// state, so the same function also covers "fan out the previous
// target on deletion" without any extra bookkeeping.
func MapIngressToTunnel(c client.Client) handler.MapFunc {
	return func(ctx context.Context, obj client.Object) []reconcile.Request {
		ing, ok := obj.(*networkingv1.Ingress)
		if !ok {
			return nil
		}

		target, err := Resolve(ctx, c, ing)
		if err != nil {
			log.FromContext(ctx).Error(err, "resolve ingress to tunnel", "ingress", client.ObjectKeyFromObject(ing))
			return nil
		}
		if target == nil {
			return nil
		}
		return []reconcile.Request{{NamespacedName: *target}}
	}
}

// MapIngressClassToTunnels returns a handler.MapFunc that fans an
// IngressClass event out to every CloudflaredTunnel currently served
// by an Ingress that points at it.
func MapIngressClassToTunnels(c client.Client) handler.MapFunc {
	return func(ctx context.Context, obj client.Object) []reconcile.Request {
		ingressClass, ok := obj.(*networkingv1.IngressClass)
		if !ok {
			return nil
		}

		list := &networkingv1.IngressList{}
		if err := c.List(ctx, list); err != nil {
			log.FromContext(ctx).Error(err, "list ingresses for ingressclass", "ingressclass", ingressClass.Name)
			return nil
		}

		seen := make(map[types.NamespacedName]struct{})
		var requests []reconcile.Request
		for i := range list.Items {
			ing := &list.Items[i]
			if ingressClassName(ing) != ingressClass.Name {
				continue
			}
			target, err := Resolve(ctx, c, ing)
			if err != nil || target == nil {
				continue
			}
			if _, ok := seen[*target]; ok {
				continue
			}
			seen[*target] = struct{}{}
			requests = append(requests, reconcile.Request{NamespacedName: *target})
		}
		return requests
	}
}
