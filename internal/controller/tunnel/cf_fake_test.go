// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudflare/cloudflare-go"

	"github.com/chalharu/cloudflared-tunnel-operator/internal/clients/cf"
)

// fakeCFClient is a hand-written double for cf.Client. It keeps a tiny
// in-memory tunnel directory so tests can exercise create/get/delete
// without touching the real Cloudflare API.
type fakeCFClient struct {
	tunnels map[string]cloudflare.Tunnel

	createErr error
	getErr    error
	deleteErr error

	createCalls int
	idSeq       int
}

var _ cf.Client = (*fakeCFClient)(nil)

func newFakeCFClient() *fakeCFClient {
	return &fakeCFClient{tunnels: map[string]cloudflare.Tunnel{}}
}

func (f *fakeCFClient) CreateTunnel(_ context.Context, _ *cloudflare.ResourceContainer, params cloudflare.TunnelCreateParams) (cloudflare.Tunnel, error) {
	f.createCalls++
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return cloudflare.Tunnel{}, err
	}
	f.idSeq++
	t := cloudflare.Tunnel{ID: fmt.Sprintf("tunnel-%d", f.idSeq), Name: params.Name}
	f.tunnels[t.ID] = t
	return t, nil
}

func (f *fakeCFClient) GetTunnel(_ context.Context, _ *cloudflare.ResourceContainer, tunnelID string) (cloudflare.Tunnel, error) {
	if f.getErr != nil {
		return cloudflare.Tunnel{}, f.getErr
	}
	t, ok := f.tunnels[tunnelID]
	if !ok {
		return cloudflare.Tunnel{}, errors.New("tunnel not found")
	}
	return t, nil
}

func (f *fakeCFClient) ListTunnels(_ context.Context, _ *cloudflare.ResourceContainer, params cloudflare.TunnelListParams) ([]cloudflare.Tunnel, *cloudflare.ResultInfo, error) {
	var out []cloudflare.Tunnel
	for _, t := range f.tunnels {
		if params.Name == "" || t.Name == params.Name {
			out = append(out, t)
		}
	}
	return out, &cloudflare.ResultInfo{}, nil
}

func (f *fakeCFClient) CleanupTunnelConnections(context.Context, *cloudflare.ResourceContainer, string) error {
	return nil
}

func (f *fakeCFClient) DeleteTunnel(_ context.Context, _ *cloudflare.ResourceContainer, tunnelID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.tunnels, tunnelID)
	return nil
}
