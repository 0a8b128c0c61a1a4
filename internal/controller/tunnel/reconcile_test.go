// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package tunnel

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	cloudflaredtunnelv1alpha1 "github.com/chalharu/cloudflared-tunnel-operator/api/v1alpha1"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/clients/cf"
)

func reconcilerScheme(t *testing.T) *runtime.Scheme {
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	require.NoError(t, appsv1.AddToScheme(scheme))
	require.NoError(t, networkingv1.AddToScheme(scheme))
	require.NoError(t, cloudflaredtunnelv1alpha1.AddToScheme(scheme))
	return scheme
}

func newTestReconciler(t *testing.T, fakeClient *fakeCFClient, objs ...client.Object) (*Reconciler, client.Client) {
	scheme := reconcilerScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).WithStatusSubresource(&cloudflaredtunnelv1alpha1.CloudflaredTunnel{}).Build()
	r := NewReconciler(c, scheme, record.NewFakeRecorder(32), logr.Discard())
	r.NewCFClient = func(string) (cf.Client, error) { return fakeClient, nil }
	return r, c
}

func newCloudflaredTunnel(name, namespace string) *cloudflaredtunnelv1alpha1.CloudflaredTunnel {
	return &cloudflaredtunnelv1alpha1.CloudflaredTunnel{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Generation: 1},
		Spec: cloudflaredtunnelv1alpha1.CloudflaredTunnelSpec{
			DefaultIngressService: "http_status:404",
			SecretRef:             &cloudflaredtunnelv1alpha1.SecretKeySelector{Name: "cf-creds"},
		},
	}
}

func newCredsSecret(namespace string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "cf-creds", Namespace: namespace},
		Data: map[string][]byte{
			"api_token":  []byte("tok"),
			"account_id": []byte("acct-1"),
		},
	}
}

func TestReconcileNormal_ProvisionsNewTunnelEndToEnd(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	creds := newCredsSecret("apps")
	fakeAPI := newFakeCFClient()
	r, c := newTestReconciler(t, fakeAPI, tun, creds)

	result, err := r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)

	assert.NotEmpty(t, tun.Status.TunnelID)
	assert.Equal(t, "acct-1", tun.Status.AccountID)
	assert.Equal(t, "edge-creds", tun.Status.TunnelSecretRef)
	assert.Equal(t, "edge-config", tun.Status.ConfigSecretRef)
	assert.NotEmpty(t, tun.Status.ConfigHash)

	secret := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: "edge-creds", Namespace: "apps"}, secret))
	assert.Contains(t, string(secret.Data["credentials.json"]), tun.Status.TunnelID)

	dep := &appsv1.Deployment{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: "edge", Namespace: "apps"}, dep))
	assert.Equal(t, tun.Status.ConfigHash, dep.Spec.Template.Annotations[configHashAnnotation])
}

func TestReconcileNormal_SecondPassDoesNotRewriteCredentials(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	creds := newCredsSecret("apps")
	fakeAPI := newFakeCFClient()
	r, c := newTestReconciler(t, fakeAPI, tun, creds)

	_, err := r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	originalCreds := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: "edge-creds", Namespace: "apps"}, originalCreds))
	originalData := append([]byte{}, originalCreds.Data["credentials.json"]...)

	_, err = r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	assert.Equal(t, 1, fakeAPI.createCalls, "a second reconcile must not create a second tunnel")

	secondCreds := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: "edge-creds", Namespace: "apps"}, secondCreds))
	assert.Equal(t, originalData, secondCreds.Data["credentials.json"])
}

func TestReconcileNormal_ReprovisionsWhenTunnelGoneRemotely(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	tun.Status.TunnelID = "ghost-tunnel"
	creds := newCredsSecret("apps")
	fakeAPI := newFakeCFClient()
	r, c := newTestReconciler(t, fakeAPI, tun, creds)
	require.NoError(t, c.Status().Update(context.Background(), tun))

	_, err := r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)

	assert.NotEqual(t, "ghost-tunnel", tun.Status.TunnelID)
	assert.Equal(t, 1, fakeAPI.createCalls)
}

func TestReconcileNormal_ReplacesStaleCredentialsWhenTunnelGoneRemotely(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	creds := newCredsSecret("apps")
	fakeAPI := newFakeCFClient()
	r, c := newTestReconciler(t, fakeAPI, tun, creds)

	_, err := r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	require.NoError(t, c.Status().Update(context.Background(), tun))
	oldTunnelID := tun.Status.TunnelID
	require.NotEmpty(t, oldTunnelID)

	oldCreds := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: "edge-creds", Namespace: "apps"}, oldCreds))
	assert.Contains(t, string(oldCreds.Data["credentials.json"]), oldTunnelID)

	// The tunnel vanishes remotely while the CR, and its creds Secret
	// from the defunct tunnel, remain.
	delete(fakeAPI.tunnels, oldTunnelID)

	_, err = r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: "edge", Namespace: "apps"}, tun))

	assert.NotEqual(t, oldTunnelID, tun.Status.TunnelID)
	assert.Equal(t, 2, fakeAPI.createCalls)

	newCreds := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: "edge-creds", Namespace: "apps"}, newCreds))
	assert.Contains(t, string(newCreds.Data["credentials.json"]), tun.Status.TunnelID)
	assert.NotContains(t, string(newCreds.Data["credentials.json"]), oldTunnelID)
}

func TestReconcileNormal_RetriesCreateOnNameConflict(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	creds := newCredsSecret("apps")
	fakeAPI := newFakeCFClient()
	fakeAPI.createErr = errors.New("tunnel with that name already exists")
	r, _ := newTestReconciler(t, fakeAPI, tun, creds)

	_, err := r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	assert.Equal(t, 2, fakeAPI.createCalls)
	assert.NotEmpty(t, tun.Status.TunnelID)
}

func TestReconcileNormal_MissingCredentialsIsConfigErrorNotRequeued(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	fakeAPI := newFakeCFClient()
	r, _ := newTestReconciler(t, fakeAPI, tun)

	result, err := r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)
	assert.Equal(t, 0, fakeAPI.createCalls)

	var ready *metav1.Condition
	for i := range tun.Status.Conditions {
		if tun.Status.Conditions[i].Type == cloudflaredtunnelv1alpha1.ConditionReady {
			ready = &tun.Status.Conditions[i]
		}
	}
	require.NotNil(t, ready)
	assert.Equal(t, metav1.ConditionFalse, ready.Status)
	assert.Equal(t, "ConfigError", ready.Reason)
}

func TestReconcileNormal_SurfacesOwnershipConflictWithoutError(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	creds := newCredsSecret("apps")
	foreignSecret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "edge-creds", Namespace: "apps"},
		Data:       map[string][]byte{"credentials.json": []byte("{}")},
	}
	fakeAPI := newFakeCFClient()
	r, _ := newTestReconciler(t, fakeAPI, tun, creds, foreignSecret)

	result, err := r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)

	var ready *metav1.Condition
	for i := range tun.Status.Conditions {
		if tun.Status.Conditions[i].Type == cloudflaredtunnelv1alpha1.ConditionReady {
			ready = &tun.Status.Conditions[i]
		}
	}
	require.NotNil(t, ready)
	assert.Equal(t, "OwnershipConflict", ready.Reason)
}

func TestReconcileDelete_CallsRemoteDeleteAndRemovesFinalizer(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	creds := newCredsSecret("apps")
	fakeAPI := newFakeCFClient()
	r, c := newTestReconciler(t, fakeAPI, tun, creds)

	_, err := r.reconcileNormal(context.Background(), tun)
	require.NoError(t, err)
	require.NoError(t, c.Status().Update(context.Background(), tun))
	tunnelID := tun.Status.TunnelID
	require.NotEmpty(t, tunnelID)

	require.NoError(t, c.Delete(context.Background(), tun))
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Name: tun.Name, Namespace: tun.Namespace}, tun))
	result, err := r.reconcileDelete(context.Background(), tun)
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)

	_, stillThere := fakeAPI.tunnels[tunnelID]
	assert.False(t, stillThere)
	assert.False(t, controllerutil.ContainsFinalizer(tun, cloudflaredtunnelv1alpha1.FinalizerName))
}

func TestReconcileDelete_BlocksFinalizerRemovalOnAuthError(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	tun.Status.TunnelID = "tunnel-1"
	controllerutil.AddFinalizer(tun, cloudflaredtunnelv1alpha1.FinalizerName)
	creds := newCredsSecret("apps")
	fakeAPI := newFakeCFClient()
	fakeAPI.deleteErr = errors.New("unauthorized: invalid api token")
	r, _ := newTestReconciler(t, fakeAPI, tun, creds)

	result, err := r.reconcileDelete(context.Background(), tun)
	require.NoError(t, err)
	assert.True(t, result.RequeueAfter > 0)
	assert.True(t, controllerutil.ContainsFinalizer(tun, cloudflaredtunnelv1alpha1.FinalizerName))
}

func TestReconcileDelete_NoFinalizerIsNoop(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	fakeAPI := newFakeCFClient()
	r, _ := newTestReconciler(t, fakeAPI, tun)

	result, err := r.reconcileDelete(context.Background(), tun)
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)
	assert.Equal(t, 0, fakeAPI.createCalls)
}
