// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package tunnelconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cloudflaredtunnelv1alpha1 "github.com/chalharu/cloudflared-tunnel-operator/api/v1alpha1"
)

func TestBuild_EmptyTunnelNoIngresses(t *testing.T) {
	spec := &cloudflaredtunnelv1alpha1.CloudflaredTunnelSpec{
		DefaultIngressService: "http_status:404",
	}

	out, err := Build(spec, nil, "11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)

	assert.Contains(t, string(out), "tunnel: 11111111-1111-1111-1111-111111111111")
	assert.Contains(t, string(out), "credentials-file: "+CredentialsMountPath)
	assert.Contains(t, string(out), "service: http_status:404")
}

func TestBuild_SingleIngress(t *testing.T) {
	spec := &cloudflaredtunnelv1alpha1.CloudflaredTunnelSpec{
		DefaultIngressService: "http_status:404",
	}
	rules := []ResolvedRule{
		{SourceNamespace: "foo", SourceName: "web", Hostname: "example.com", Path: "/", Service: "http://web.foo.svc:80"},
	}

	out, err := Build(spec, rules, "tunnel-id")
	require.NoError(t, err)

	assert.Contains(t, string(out), "hostname: example.com")
	assert.Contains(t, string(out), "service: http://web.foo.svc:80")
}

func TestBuild_DeterministicAcrossInputOrder(t *testing.T) {
	spec := &cloudflaredtunnelv1alpha1.CloudflaredTunnelSpec{
		DefaultIngressService: "http_status:404",
	}
	a := ResolvedRule{SourceNamespace: "foo", SourceName: "a", Hostname: "a.example.com", Path: "/", Service: "http://a.foo.svc:80"}
	b := ResolvedRule{SourceNamespace: "foo", SourceName: "b", Hostname: "b.example.com", Path: "/", Service: "http://b.foo.svc:80"}

	forward, err := Build(spec, []ResolvedRule{a, b}, "tunnel-id")
	require.NoError(t, err)
	reverse, err := Build(spec, []ResolvedRule{b, a}, "tunnel-id")
	require.NoError(t, err)

	assert.Equal(t, forward, reverse)
}

func TestBuild_CalledTwiceIsByteIdentical(t *testing.T) {
	spec := &cloudflaredtunnelv1alpha1.CloudflaredTunnelSpec{
		DefaultIngressService: "http_status:404",
		Ingress: []cloudflaredtunnelv1alpha1.IngressRule{
			{Hostname: "static.example.com", Service: "http://static.internal:8080"},
		},
	}
	rules := []ResolvedRule{
		{SourceNamespace: "ns", SourceName: "ing", Hostname: "dynamic.example.com", Path: "/", Service: "http://dyn.ns.svc:80"},
	}

	first, err := Build(spec, rules, "tunnel-id")
	require.NoError(t, err)
	second, err := Build(spec, rules, "tunnel-id")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuild_StaticRuleOverridesOriginRequestForMatchingHostname(t *testing.T) {
	noTLSVerify := true
	spec := &cloudflaredtunnelv1alpha1.CloudflaredTunnelSpec{
		DefaultIngressService: "http_status:404",
		Ingress: []cloudflaredtunnelv1alpha1.IngressRule{
			{
				Hostname: "example.com",
				Service:  "http://ignored.backend:80",
				OriginRequest: &cloudflaredtunnelv1alpha1.OriginRequestOptions{
					NoTLSVerify: &noTLSVerify,
				},
			},
		},
	}
	rules := []ResolvedRule{
		{SourceNamespace: "foo", SourceName: "web", Hostname: "example.com", Path: "/", Service: "http://web.foo.svc:80"},
	}

	out, err := Build(spec, rules, "tunnel-id")
	require.NoError(t, err)

	// The k8s-resolved service wins, but the static rule's per-hostname
	// origin-request override still applies, and the static rule itself
	// is not duplicated as a separate entry.
	assert.Contains(t, string(out), "service: http://web.foo.svc:80")
	assert.NotContains(t, string(out), "ignored.backend")
	assert.Contains(t, string(out), "noTLSVerify: true")
}

func TestHash_StableForEqualContent(t *testing.T) {
	assert.Equal(t, Hash([]byte("abc")), Hash([]byte("abc")))
	assert.NotEqual(t, Hash([]byte("abc")), Hash([]byte("abd")))
}
