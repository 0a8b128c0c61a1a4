// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package cf

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cloudflare/cloudflare-go"
	"github.com/go-logr/logr"
)

// Client is the subset of *cloudflare.API the operator depends on. It
// exists so tests can substitute a hand-written double instead of
// hitting the real Cloudflare API.
type Client interface {
	CreateTunnel(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.TunnelCreateParams) (cloudflare.Tunnel, error)
	GetTunnel(ctx context.Context, rc *cloudflare.ResourceContainer, tunnelID string) (cloudflare.Tunnel, error)
	ListTunnels(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.TunnelListParams) ([]cloudflare.Tunnel, *cloudflare.ResultInfo, error)
	CleanupTunnelConnections(ctx context.Context, rc *cloudflare.ResourceContainer, tunnelID string) error
	DeleteTunnel(ctx context.Context, rc *cloudflare.ResourceContainer, tunnelID string) error
}

var _ Client = (*cloudflare.API)(nil)

// NewCloudflareClient builds a Client authenticated with a Cloudflare
// API token.
func NewCloudflareClient(apiToken string) (Client, error) {
	return cloudflare.NewWithAPIToken(apiToken)
}

// TunnelCredentialsFile is the JSON document cloudflared reads from
// /etc/cloudflared/creds/credentials.json to authenticate a tunnel
// connection.
type TunnelCredentialsFile struct {
	AccountTag   string `json:"AccountTag"`
	TunnelID     string `json:"TunnelID"`
	TunnelName   string `json:"TunnelName"`
	TunnelSecret string `json:"TunnelSecret"`
}

// TunnelHandle identifies a provisioned tunnel and carries the
// credentials generated at creation time.
type TunnelHandle struct {
	ID          string
	Name        string
	Credentials TunnelCredentialsFile
}

// API wraps the Cloudflare client with the tunnel-lifecycle operations
// the reconciler needs: create, look up by name, and delete. Every
// call is scoped to a single account.
type API struct {
	Log       logr.Logger
	Client    Client
	AccountID string
}

// New builds an API bound to the given account.
func New(client Client, accountID string, log logr.Logger) *API {
	return &API{Log: log, Client: client, AccountID: accountID}
}

func (a *API) rc() *cloudflare.ResourceContainer {
	return cloudflare.AccountIdentifier(a.AccountID)
}

// CreateTunnel provisions a new locally-configured Cloudflare Tunnel
// with the given name and a freshly generated 32-byte secret, and
// returns its ID and credentials. The caller is responsible for
// retrying with a different name on a RemoteErrorConflict.
func (a *API) CreateTunnel(ctx context.Context, name string) (*TunnelHandle, error) {
	randSecret := make([]byte, 32)
	if _, err := rand.Read(randSecret); err != nil {
		return nil, fmt.Errorf("generate tunnel secret: %w", err)
	}
	tunnelSecret := base64.StdEncoding.EncodeToString(randSecret)

	params := cloudflare.TunnelCreateParams{
		Name:   name,
		Secret: tunnelSecret,
		// "local" keeps configuration on the agent side, read from the
		// config.yaml we mount into the deployment, rather than pulled
		// from Cloudflare's remotely-managed tunnel config.
		ConfigSrc: "local",
	}

	tunnel, err := a.Client.CreateTunnel(ctx, a.rc(), params)
	if err != nil {
		return nil, NewAPIError("CreateTunnel", name, err)
	}

	a.Log.Info("tunnel created", "tunnelId", tunnel.ID, "tunnelName", tunnel.Name)

	return &TunnelHandle{
		ID:   tunnel.ID,
		Name: tunnel.Name,
		Credentials: TunnelCredentialsFile{
			AccountTag:   a.AccountID,
			TunnelID:     tunnel.ID,
			TunnelName:   tunnel.Name,
			TunnelSecret: tunnelSecret,
		},
	}, nil
}

// FindTunnelByName returns the ID of a live (non-deleted) tunnel with
// the given name, if one exists. ok is false with a nil error when no
// such tunnel is found.
func (a *API) FindTunnelByName(ctx context.Context, name string) (id string, ok bool, err error) {
	tunnels, _, err := a.Client.ListTunnels(ctx, a.rc(), cloudflare.TunnelListParams{Name: name})
	if err != nil {
		return "", false, NewAPIError("ListTunnels", name, err)
	}
	for _, t := range tunnels {
		if t.Name == name && t.DeletedAt.IsZero() {
			return t.ID, true, nil
		}
	}
	return "", false, nil
}

// GetTunnel fetches a tunnel by ID, returning a not-found classified
// error if it no longer exists.
func (a *API) GetTunnel(ctx context.Context, tunnelID string) (cloudflare.Tunnel, error) {
	tunnel, err := a.Client.GetTunnel(ctx, a.rc(), tunnelID)
	if err != nil {
		return cloudflare.Tunnel{}, NewAPIError("GetTunnel", tunnelID, err)
	}
	return tunnel, nil
}

// DeleteTunnel removes a tunnel's active connections and deletes it.
// It is idempotent: a tunnel that is already gone at any step is
// treated as success.
func (a *API) DeleteTunnel(ctx context.Context, tunnelID string) error {
	if err := a.Client.CleanupTunnelConnections(ctx, a.rc(), tunnelID); err != nil {
		if !IsNotFoundError(err) {
			return NewAPIError("CleanupTunnelConnections", tunnelID, err)
		}
		a.Log.Info("tunnel already gone during connection cleanup", "tunnelId", tunnelID)
		return nil
	}

	if err := a.Client.DeleteTunnel(ctx, a.rc(), tunnelID); err != nil {
		if IsNotFoundError(err) {
			a.Log.Info("tunnel already deleted", "tunnelId", tunnelID)
			return nil
		}
		return NewAPIError("DeleteTunnel", tunnelID, err)
	}

	a.Log.Info("tunnel deleted", "tunnelId", tunnelID)
	return nil
}

// MarshalCredentials renders a TunnelCredentialsFile to the JSON bytes
// that the credentials.json secret key holds.
func MarshalCredentials(creds TunnelCredentialsFile) ([]byte, error) {
	return json.Marshal(creds)
}
