// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

// Package k8sutil provides owned-object creation and patching for the
// Secrets and Deployment a CloudflaredTunnel manages: fetch the
// current object, create it with an owner-reference if absent, patch
// it in place if present and owned, or fail with ErrOwnershipConflict
// if present but owned by something else.
package k8sutil

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// ErrOwnershipConflict is returned when a Secret or Deployment with
// the desired name already exists but is not owned by the
// CloudflaredTunnel attempting to manage it.
var ErrOwnershipConflict = errors.New("object exists and is not owned by this CloudflaredTunnel")

// ApplySecret ensures a Secret matching desired exists, owned by
// owner. If one exists and is owned, its Data is patched only when it
// differs from desired's. Returns true if the Secret's content was
// unchanged by this call (a no-op apply).
func ApplySecret(ctx context.Context, c client.Client, scheme *runtime.Scheme, owner client.Object, desired *corev1.Secret) (unchanged bool, err error) {
	existing := &corev1.Secret{}
	getErr := c.Get(ctx, client.ObjectKeyFromObject(desired), existing)
	if apierrors.IsNotFound(getErr) {
		if err := controllerutil.SetControllerReference(owner, desired, scheme); err != nil {
			return false, fmt.Errorf("set owner reference: %w", err)
		}
		if err := c.Create(ctx, desired); err != nil {
			return false, fmt.Errorf("create secret %s: %w", desired.Name, err)
		}
		return false, nil
	}
	if getErr != nil {
		return false, fmt.Errorf("get secret %s: %w", desired.Name, getErr)
	}

	if !metav1.IsControlledBy(existing, owner) {
		return false, fmt.Errorf("secret %s: %w", desired.Name, ErrOwnershipConflict)
	}

	if secretDataHash(existing.Data) == secretDataHash(desired.Data) {
		return true, nil
	}

	existing.Data = desired.Data
	existing.StringData = desired.StringData
	existing.Labels = desired.Labels
	existing.Annotations = desired.Annotations
	if err := c.Update(ctx, existing); err != nil {
		return false, fmt.Errorf("update secret %s: %w", desired.Name, err)
	}
	return false, nil
}

// ApplyDeployment ensures a Deployment matching desired exists, owned
// by owner. If one exists and is owned, its spec is patched only when
// the pod template or the replica count differs from desired's.
func ApplyDeployment(ctx context.Context, c client.Client, scheme *runtime.Scheme, owner client.Object, desired *appsv1.Deployment) error {
	existing := &appsv1.Deployment{}
	getErr := c.Get(ctx, client.ObjectKeyFromObject(desired), existing)
	if apierrors.IsNotFound(getErr) {
		if err := controllerutil.SetControllerReference(owner, desired, scheme); err != nil {
			return fmt.Errorf("set owner reference: %w", err)
		}
		if err := c.Create(ctx, desired); err != nil {
			return fmt.Errorf("create deployment %s: %w", desired.Name, err)
		}
		return nil
	}
	if getErr != nil {
		return fmt.Errorf("get deployment %s: %w", desired.Name, getErr)
	}

	if !metav1.IsControlledBy(existing, owner) {
		return fmt.Errorf("deployment %s: %w", desired.Name, ErrOwnershipConflict)
	}

	if deploymentTemplateHash(&existing.Spec) == deploymentTemplateHash(&desired.Spec) {
		return nil
	}

	existing.Spec = desired.Spec
	existing.Labels = desired.Labels
	existing.Annotations = desired.Annotations
	if err := c.Update(ctx, existing); err != nil {
		return fmt.Errorf("update deployment %s: %w", desired.Name, err)
	}
	return nil
}

func secretDataHash(data map[string][]byte) string {
	h := md5.New()
	// Secret key sets here are small and fixed (credentials.json /
	// config.yaml), so a single fixed key order is sufficient for a
	// stable hash without needing to sort map keys.
	for _, key := range []string{"credentials.json", "config.yaml"} {
		h.Write([]byte(key))
		h.Write(data[key])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func deploymentTemplateHash(spec *appsv1.DeploymentSpec) string {
	h := md5.New()
	fmt.Fprintf(h, "%#v", spec.Template)
	if spec.Replicas != nil {
		fmt.Fprintf(h, "%d", *spec.Replicas)
	}
	return hex.EncodeToString(h.Sum(nil))
}
