// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	cloudflaredtunnelv1alpha1 "github.com/chalharu/cloudflared-tunnel-operator/api/v1alpha1"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/clients/cf"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/controller"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/controller/ingress"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/credentials"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/k8sutil"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/tunnelconfig"
)

// ErrConfigError marks a terminal, non-retryable misconfiguration —
// missing or invalid credentials. Reconciliation stops until the
// spec (or the Secret it references) changes.
var ErrConfigError = errors.New("cloudflared tunnel configuration error")

const defaultRequeueAfter = 30 * time.Second

func (r *Reconciler) reconcileNormal(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel) (ctrl.Result, error) {
	if _, err := controller.EnsureFinalizer(ctx, r.Client, tunnel, cloudflaredtunnelv1alpha1.FinalizerName); err != nil {
		return ctrl.Result{}, err
	}

	creds, err := r.acquireCredentials(ctx, tunnel)
	if err != nil {
		r.surfaceConfigError(ctx, tunnel, err)
		return ctrl.Result{}, nil
	}

	cfClient, err := r.NewCFClient(creds.APIToken)
	if err != nil {
		r.surfaceConfigError(ctx, tunnel, fmt.Errorf("build cloudflare client: %w", err))
		return ctrl.Result{}, nil
	}
	api := cf.New(cfClient, creds.AccountID, r.Log)

	tunnelID, newCredentialsJSON, err := r.provisionTunnel(ctx, tunnel, api, creds.AccountID)
	if err != nil {
		return r.handleRemoteError(ctx, tunnel, "ProvisionTunnel", err)
	}

	if err := r.ensureCredentialsSecret(ctx, tunnel, tunnelID, newCredentialsJSON); err != nil {
		return r.handleKubeError(ctx, tunnel, "EnsureCredentialsSecret", err)
	}

	configHash, err := r.ensureConfigSecret(ctx, tunnel, tunnelID)
	if err != nil {
		return r.handleKubeError(ctx, tunnel, "EnsureConfigSecret", err)
	}

	if err := r.ensureDeployment(ctx, tunnel, configHash); err != nil {
		return r.handleKubeError(ctx, tunnel, "EnsureDeployment", err)
	}

	if err := r.writeStatusReady(ctx, tunnel, configHash); err != nil {
		return ctrl.Result{}, err
	}

	return ctrl.Result{}, nil
}

// acquireCredentials implements phase 1 of the state machine.
func (r *Reconciler) acquireCredentials(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel) (*credentials.Credentials, error) {
	var ref *credentials.SecretRef
	if tunnel.Spec.SecretRef != nil {
		ref = &credentials.SecretRef{
			Name:         tunnel.Spec.SecretRef.Name,
			Namespace:    tunnel.Namespace,
			APITokenKey:  tunnel.Spec.SecretRef.APITokenKey,
			AccountIDKey: tunnel.Spec.SecretRef.AccountIDKey,
		}
	}
	creds, err := r.Credentials.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigError, err)
	}
	return creds, nil
}

func (r *Reconciler) surfaceConfigError(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, err error) {
	r.Recorder.Event(tunnel, corev1.EventTypeWarning, "ConfigError", err.Error())
	if updateErr := controller.UpdateStatusWithConflictRetry(ctx, r.Client, tunnel, func() {
		controller.SetCondition(&tunnel.Status.Conditions, cloudflaredtunnelv1alpha1.ConditionReady, metav1.ConditionFalse, "ConfigError", err.Error())
		tunnel.Status.ObservedGeneration = tunnel.Generation
	}); updateErr != nil {
		r.Log.Error(updateErr, "failed to record ConfigError status")
	}
}

// provisionTunnel implements phase 2. newCredentialsJSON is non-nil
// only when a tunnel was just created and its credentials still need
// to be persisted into the credentials Secret by the caller.
func (r *Reconciler) provisionTunnel(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, api *cf.API, accountID string) (tunnelID string, newCredentialsJSON []byte, err error) {
	if tunnel.Status.TunnelID != "" {
		if _, getErr := api.GetTunnel(ctx, tunnel.Status.TunnelID); getErr != nil {
			if cf.Classify(getErr) != cf.RemoteErrorNotFound {
				return "", nil, getErr
			}
			// Tunnel vanished remotely (S4): clear and re-provision below.
			if updateErr := controller.UpdateStatusWithConflictRetry(ctx, r.Client, tunnel, func() {
				tunnel.Status.TunnelID = ""
				tunnel.Status.TunnelName = ""
				tunnel.Status.TunnelSecretRef = ""
			}); updateErr != nil {
				return "", nil, updateErr
			}
		} else {
			return tunnel.Status.TunnelID, nil, nil
		}
	}

	// status.tunnel_id is unset. If a previous reconcile already
	// recorded a name (e.g. the status write that pairs tunnel_id with
	// tunnel_name lost the id half to a later conflict-retry or manual
	// edit), look that name up remotely before minting a new one: a
	// same-named live tunnel is the one we already created, not a
	// collision to route around.
	if tunnel.Status.TunnelName != "" {
		recoveredID, ok, findErr := api.FindTunnelByName(ctx, tunnel.Status.TunnelName)
		if findErr != nil {
			return "", nil, findErr
		}
		if ok {
			if err := controller.UpdateStatusWithConflictRetry(ctx, r.Client, tunnel, func() {
				tunnel.Status.TunnelID = recoveredID
				tunnel.Status.AccountID = accountID
			}); err != nil {
				return "", nil, err
			}
			// No credentials_blob comes back from ListTunnels; the
			// caller's ensureCredentialsSecret reuses the existing
			// Secret if one survived, or fails loudly if it didn't.
			return recoveredID, nil, nil
		}
	}

	handle, err := r.createTunnelWithRename(ctx, tunnel, api)
	if err != nil {
		return "", nil, err
	}

	if err := controller.UpdateStatusWithConflictRetry(ctx, r.Client, tunnel, func() {
		tunnel.Status.TunnelID = handle.ID
		tunnel.Status.TunnelName = handle.Name
		tunnel.Status.AccountID = accountID
	}); err != nil {
		return "", nil, err
	}

	credentialsJSON, err := cf.MarshalCredentials(handle.Credentials)
	if err != nil {
		return "", nil, err
	}

	return handle.ID, credentialsJSON, nil
}

func (r *Reconciler) createTunnelWithRename(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, api *cf.API) (*cf.TunnelHandle, error) {
	name, err := randomTunnelName(tunnel)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < r.attemptsOrDefault(); attempt++ {
		handle, err := api.CreateTunnel(ctx, name)
		if err == nil {
			return handle, nil
		}
		if cf.Classify(err) != cf.RemoteErrorConflict {
			return nil, err
		}
		r.Log.Info("tunnel name collision, retrying with a new suffix", "name", name, "attempt", attempt+1)
		name, err = randomTunnelName(tunnel)
		if err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: exhausted %d rename attempts", cf.ErrResourceConflict, r.attemptsOrDefault())
}

func (r *Reconciler) attemptsOrDefault() int {
	if r.MaxRenameAttempts > 0 {
		return r.MaxRenameAttempts
	}
	return 5
}

func randomTunnelName(tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate tunnel name suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", tunnel.Namespace, tunnel.Name, hex.EncodeToString(suffix)), nil
}

// ensureCredentialsSecret implements phase 3. It only ever creates the
// credentials Secret once, from newCredentialsJSON when phase 2 just
// provisioned a tunnel. An existing Secret is left untouched as long as
// its embedded TunnelID still matches the tunnel phase 2 just
// confirmed; if it doesn't (the remote tunnel was re-provisioned under
// a new ID, S4), the stale Secret is replaced rather than kept, since
// mounting it would hand the agent credentials for a defunct tunnel.
func (r *Reconciler) ensureCredentialsSecret(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, tunnelID string, newCredentialsJSON []byte) error {
	name := credentialsSecretName(tunnel.Name)

	existing := &corev1.Secret{}
	err := r.Get(ctx, types.NamespacedName{Name: name, Namespace: tunnel.Namespace}, existing)
	switch {
	case err == nil:
		if !metav1.IsControlledBy(existing, tunnel) {
			return fmt.Errorf("secret %s: %w", name, k8sutil.ErrOwnershipConflict)
		}
		if credentialsMatchTunnel(existing, tunnelID) {
			tunnel.Status.TunnelSecretRef = name
			return nil
		}
		if newCredentialsJSON == nil {
			return fmt.Errorf("credentials secret %s belongs to a defunct tunnel and no new credentials are available to replace it", name)
		}
		if err := r.Delete(ctx, existing); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
	case !apierrors.IsNotFound(err):
		return err
	case newCredentialsJSON == nil:
		return fmt.Errorf("credentials secret %s missing and no credentials available to recreate it", name)
	}

	desired := credentialsSecret(tunnel, newCredentialsJSON)
	if _, err := k8sutil.ApplySecret(ctx, r.Client, r.Scheme, tunnel, desired); err != nil {
		return err
	}
	tunnel.Status.TunnelSecretRef = name
	return nil
}

// credentialsMatchTunnel reports whether secret's embedded
// credentials.json was issued for tunnelID.
func credentialsMatchTunnel(secret *corev1.Secret, tunnelID string) bool {
	var creds cf.TunnelCredentialsFile
	if err := json.Unmarshal(secret.Data["credentials.json"], &creds); err != nil {
		return false
	}
	return creds.TunnelID == tunnelID
}

// ensureConfigSecret implements phase 4.
func (r *Reconciler) ensureConfigSecret(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, tunnelID string) (string, error) {
	matching, err := ingress.IngressesFor(ctx, r.Client, types.NamespacedName{Name: tunnel.Name, Namespace: tunnel.Namespace})
	if err != nil {
		return "", err
	}

	var rules []tunnelconfig.ResolvedRule
	for i := range matching {
		rules = append(rules, ingress.ResolveRules(ctx, r.Client, r.Recorder, &matching[i])...)
	}

	configYAML, err := tunnelconfig.Build(&tunnel.Spec, rules, tunnelID)
	if err != nil {
		return "", err
	}

	desired := configSecret(tunnel, configYAML)
	if _, err := k8sutil.ApplySecret(ctx, r.Client, r.Scheme, tunnel, desired); err != nil {
		return "", err
	}

	tunnel.Status.ConfigSecretRef = desired.Name
	return tunnelconfig.Hash(configYAML), nil
}

// ensureDeployment implements phase 5.
func (r *Reconciler) ensureDeployment(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, configHash string) error {
	desired := agentDeployment(tunnel, configHash)
	return k8sutil.ApplyDeployment(ctx, r.Client, r.Scheme, tunnel, desired)
}

// writeStatusReady implements phase 6. tunnelSecretRef/configSecretRef
// are re-derived from tunnel.Name rather than read off the in-memory
// tunnel.Status set by phases 3/4: RetryOnConflict re-fetches the
// object on a conflict, overwriting those in-memory fields with the
// stale server copy, and this closure re-runs against that copy. Both
// names are pure functions of tunnel.Name, so recomputing them here is
// always correct and keeps the persisted status complete even when a
// conflict forced a retry.
func (r *Reconciler) writeStatusReady(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, configHash string) error {
	return controller.UpdateStatusWithConflictRetry(ctx, r.Client, tunnel, func() {
		tunnel.Status.TunnelSecretRef = credentialsSecretName(tunnel.Name)
		tunnel.Status.ConfigSecretRef = configSecretName(tunnel.Name)
		tunnel.Status.ConfigHash = configHash
		tunnel.Status.ObservedGeneration = tunnel.Generation
		controller.SetCondition(&tunnel.Status.Conditions, cloudflaredtunnelv1alpha1.ConditionReady, metav1.ConditionTrue, "Reconciled", "tunnel is provisioned and converged")
	})
}

func (r *Reconciler) handleRemoteError(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, reason string, err error) (ctrl.Result, error) {
	class := cf.Classify(err)
	r.Recorder.Event(tunnel, corev1.EventTypeWarning, reason, cf.SanitizeErrorMessage(err))

	var result ctrl.Result
	switch class {
	case cf.RemoteErrorAuth:
		result = ctrl.Result{RequeueAfter: cf.DefaultRetryConfig().MaxDelay}
	default:
		result = ctrl.Result{RequeueAfter: defaultRequeueAfter}
	}

	if updateErr := controller.UpdateStatusWithConflictRetry(ctx, r.Client, tunnel, func() {
		controller.SetCondition(&tunnel.Status.Conditions, cloudflaredtunnelv1alpha1.ConditionReady, metav1.ConditionFalse, reason, cf.SanitizeErrorMessage(err))
	}); updateErr != nil {
		r.Log.Error(updateErr, "failed to record remote error status")
	}

	return result, nil
}

func (r *Reconciler) handleKubeError(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel, reason string, err error) (ctrl.Result, error) {
	if errors.Is(err, k8sutil.ErrOwnershipConflict) {
		r.Recorder.Event(tunnel, corev1.EventTypeWarning, "OwnershipConflict", err.Error())
		if updateErr := controller.UpdateStatusWithConflictRetry(ctx, r.Client, tunnel, func() {
			controller.SetCondition(&tunnel.Status.Conditions, cloudflaredtunnelv1alpha1.ConditionReady, metav1.ConditionFalse, "OwnershipConflict", err.Error())
		}); updateErr != nil {
			r.Log.Error(updateErr, "failed to record OwnershipConflict status")
		}
		return ctrl.Result{}, nil
	}
	if apierrors.IsConflict(err) {
		return ctrl.Result{Requeue: true}, nil
	}
	r.Recorder.Event(tunnel, corev1.EventTypeWarning, reason, err.Error())
	return ctrl.Result{}, err
}

// reconcileDelete implements the finalization path in §4.5: it calls
// DeleteTunnel if a tunnel was provisioned, then removes the
// finalizer. Owned Secrets and the Deployment are left to Kubernetes
// garbage collection through their owner-references.
func (r *Reconciler) reconcileDelete(ctx context.Context, tunnel *cloudflaredtunnelv1alpha1.CloudflaredTunnel) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(tunnel, cloudflaredtunnelv1alpha1.FinalizerName) {
		return ctrl.Result{}, nil
	}

	if tunnel.Status.TunnelID != "" {
		creds, err := r.acquireCredentials(ctx, tunnel)
		if err != nil {
			// Credentials gone: cannot safely delete remotely, so block
			// removing the finalizer rather than leaking the tunnel.
			r.surfaceConfigError(ctx, tunnel, err)
			return ctrl.Result{RequeueAfter: defaultRequeueAfter}, nil
		}

		cfClient, err := r.NewCFClient(creds.APIToken)
		if err != nil {
			return ctrl.Result{}, err
		}
		api := cf.New(cfClient, creds.AccountID, r.Log)

		if err := api.DeleteTunnel(ctx, tunnel.Status.TunnelID); err != nil {
			if cf.Classify(err) == cf.RemoteErrorAuth {
				r.Recorder.Event(tunnel, corev1.EventTypeWarning, "DeleteBlocked", cf.SanitizeErrorMessage(err))
				return ctrl.Result{RequeueAfter: cf.DefaultRetryConfig().MaxDelay}, nil
			}
			r.Recorder.Event(tunnel, corev1.EventTypeWarning, "DeleteFailed", cf.SanitizeErrorMessage(err))
			return ctrl.Result{RequeueAfter: defaultRequeueAfter}, nil
		}
		r.Recorder.Event(tunnel, corev1.EventTypeNormal, "Deleted", "tunnel removed from Cloudflare")
	}

	if _, err := controller.RemoveFinalizerSafely(ctx, r.Client, tunnel, cloudflaredtunnelv1alpha1.FinalizerName); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}
