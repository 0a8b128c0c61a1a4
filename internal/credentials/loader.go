// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package credentials

import (
	"context"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// EnvAPIToken is the fallback environment variable for the account-wide
	// API token when a CloudflaredTunnel has no secretRef.
	EnvAPIToken = "CLOUDFLARE_API_TOKEN"
	// EnvAccountID is the fallback environment variable for the account ID.
	EnvAccountID = "CLOUDFLARE_ACCOUNT_ID"

	defaultAPITokenKey = "api_token"
	defaultAccountIDKey = "account_id"
)

// Credentials holds a resolved Cloudflare API token and the account it
// authenticates against.
type Credentials struct {
	APIToken  string
	AccountID string
}

// SecretRef names the secret (and optional key overrides) a
// CloudflaredTunnel points at for its Cloudflare credentials.
type SecretRef struct {
	Name         string
	Namespace    string
	APITokenKey  string
	AccountIDKey string
}

// Loader resolves Credentials from a namespaced Secret, falling back
// to the operator's own process environment when a CloudflaredTunnel
// does not specify a secretRef.
type Loader struct {
	client client.Client
}

// NewLoader creates a credential loader bound to the given client.
func NewLoader(c client.Client) *Loader {
	return &Loader{client: c}
}

// Load resolves credentials for a CloudflaredTunnel. If ref is nil,
// Load falls back to CLOUDFLARE_API_TOKEN/CLOUDFLARE_ACCOUNT_ID in the
// operator's own environment.
func (l *Loader) Load(ctx context.Context, ref *SecretRef) (*Credentials, error) {
	if ref == nil {
		return l.loadFromEnv()
	}
	return l.loadFromSecret(ctx, ref)
}

func (l *Loader) loadFromEnv() (*Credentials, error) {
	token := os.Getenv(EnvAPIToken)
	account := os.Getenv(EnvAccountID)
	if token == "" || account == "" {
		return nil, fmt.Errorf("no secretRef configured and %s/%s are not set in the operator environment", EnvAPIToken, EnvAccountID)
	}
	return &Credentials{APIToken: token, AccountID: account}, nil
}

func (l *Loader) loadFromSecret(ctx context.Context, ref *SecretRef) (*Credentials, error) {
	secret := &corev1.Secret{}
	if err := l.client.Get(ctx, types.NamespacedName{Name: ref.Name, Namespace: ref.Namespace}, secret); err != nil {
		return nil, fmt.Errorf("get credentials secret %s/%s: %w", ref.Namespace, ref.Name, err)
	}

	tokenKey := ref.APITokenKey
	if tokenKey == "" {
		tokenKey = defaultAPITokenKey
	}
	accountKey := ref.AccountIDKey
	if accountKey == "" {
		accountKey = defaultAccountIDKey
	}

	token := string(secret.Data[tokenKey])
	if token == "" {
		return nil, fmt.Errorf("secret %s/%s has no data under key %q", ref.Namespace, ref.Name, tokenKey)
	}
	account := string(secret.Data[accountKey])
	if account == "" {
		return nil, fmt.Errorf("secret %s/%s has no data under key %q", ref.Namespace, ref.Name, accountKey)
	}

	return &Credentials{APIToken: token, AccountID: account}, nil
}
