// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package tunnel

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	cloudflaredtunnelv1alpha1 "github.com/chalharu/cloudflared-tunnel-operator/api/v1alpha1"
)

func TestNewReconciler_SetsDefaults(t *testing.T) {
	scheme := reconcilerScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	r := NewReconciler(c, scheme, record.NewFakeRecorder(1), logr.Discard())

	assert.Equal(t, 5, r.MaxRenameAttempts)
	assert.NotNil(t, r.Credentials)
	assert.NotNil(t, r.NewCFClient)
}

func TestReconcile_MissingObjectIsNotAnError(t *testing.T) {
	scheme := reconcilerScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	r := NewReconciler(c, scheme, record.NewFakeRecorder(1), logr.Discard())

	result, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "missing", Namespace: "apps"}})
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)
}

func TestReconcile_RoutesToDeleteWhenDeletionTimestampSet(t *testing.T) {
	tun := newCloudflaredTunnel("edge", "apps")
	now := metav1.Now()
	tun.DeletionTimestamp = &now
	tun.Finalizers = []string{cloudflaredtunnelv1alpha1.FinalizerName}

	fakeAPI := newFakeCFClient()
	r, _ := newTestReconciler(t, fakeAPI, tun)

	result, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "edge", Namespace: "apps"}})
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)
	assert.Equal(t, 0, fakeAPI.createCalls)
}
