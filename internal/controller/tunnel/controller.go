// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

// Package tunnel reconciles CloudflaredTunnel objects: it provisions
// the remote Cloudflare tunnel, manages the credentials and
// configuration Secrets, and reconciles the cloudflared agent
// Deployment.
package tunnel

import (
	"context"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"

	cloudflaredtunnelv1alpha1 "github.com/chalharu/cloudflared-tunnel-operator/api/v1alpha1"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/clients/cf"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/controller/ingress"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/credentials"
)

// CFClientFactory builds a Cloudflare API client from a resolved
// token. Overridable in tests to avoid hitting the real API.
type CFClientFactory func(apiToken string) (cf.Client, error)

// Reconciler reconciles a CloudflaredTunnel object.
type Reconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Log      logr.Logger

	Credentials *credentials.Loader
	NewCFClient CFClientFactory

	// MaxRenameAttempts bounds the total number of CreateTunnel calls,
	// the first one included; each call after a RemoteConflict uses a
	// freshly suffixed name.
	MaxRenameAttempts int
}

// NewReconciler builds a Reconciler with the defaults spec.md assumes
// when a caller does not need to override them.
func NewReconciler(c client.Client, scheme *runtime.Scheme, recorder record.EventRecorder, log logr.Logger) *Reconciler {
	return &Reconciler{
		Client:            c,
		Scheme:            scheme,
		Recorder:          recorder,
		Log:               log,
		Credentials:       credentials.NewLoader(c),
		NewCFClient:       cf.NewCloudflareClient,
		MaxRenameAttempts: 5,
	}
}

// Reconcile implements the state machine in reconcile.go.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	tunnel := &cloudflaredtunnelv1alpha1.CloudflaredTunnel{}
	if err := r.Get(ctx, req.NamespacedName, tunnel); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if tunnel.GetDeletionTimestamp() != nil {
		return r.reconcileDelete(ctx, tunnel)
	}

	logger.V(1).Info("reconciling CloudflaredTunnel", "name", tunnel.Name, "namespace", tunnel.Namespace)
	return r.reconcileNormal(ctx, tunnel)
}

// SetupWithManager wires the CloudflaredTunnel controller, plus the
// Ingress/IngressClass watches that feed it per the ingress package's
// resolver (the Ingress controller never reconciles anything itself;
// it only maps events to CloudflaredTunnel keys on this queue).
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&cloudflaredtunnelv1alpha1.CloudflaredTunnel{}).
		Owns(&corev1.Secret{}).
		Owns(&appsv1.Deployment{}).
		Watches(
			&networkingv1.Ingress{},
			handler.EnqueueRequestsFromMapFunc(ingress.MapIngressToTunnel(mgr.GetClient())),
		).
		Watches(
			&networkingv1.IngressClass{},
			handler.EnqueueRequestsFromMapFunc(ingress.MapIngressClassToTunnels(mgr.GetClient())),
		).
		Complete(r)
}
