// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

// Package tunnelconfig builds the cloudflared configuration YAML for a
// CloudflaredTunnel. Build is a pure function of its inputs: given the
// same spec and resolved ingress rules it always produces byte-identical
// output, regardless of input ordering or prior calls. All the impure
// work — resolving Kubernetes Ingress/Service objects into concrete
// (hostname, path, service) tuples — happens upstream, in the ingress
// controller package.
package tunnelconfig

import (
	"crypto/md5"
	"encoding/hex"
	"sort"

	"sigs.k8s.io/yaml"

	cloudflaredtunnelv1alpha1 "github.com/chalharu/cloudflared-tunnel-operator/api/v1alpha1"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/clients/cf"
)

const (
	// CredentialsMountPath is where the credentials Secret is mounted
	// inside the agent container.
	CredentialsMountPath = "/etc/cloudflared/creds/credentials.json"
	// ConfigMountPath is where the configuration Secret is mounted
	// inside the agent container.
	ConfigMountPath = "/etc/cloudflared/config.yaml"
)

// ResolvedRule is one (hostname, path, backend) tuple derived from a
// Kubernetes Ingress object. SourceNamespace/SourceName identify the
// Ingress it came from, purely so Build can apply the spec's
// deterministic (namespace, name) ordering — they are not emitted into
// the generated configuration.
type ResolvedRule struct {
	SourceNamespace string
	SourceName      string
	Hostname        string
	Path            string
	Service         string
}

// Build compiles spec and the set of ingress rules resolved from
// matching Kubernetes Ingress objects into the cloudflared
// configuration YAML for tunnelID.
func Build(spec *cloudflaredtunnelv1alpha1.CloudflaredTunnelSpec, rules []ResolvedRule, tunnelID string) ([]byte, error) {
	sorted := make([]ResolvedRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SourceNamespace != sorted[j].SourceNamespace {
			return sorted[i].SourceNamespace < sorted[j].SourceNamespace
		}
		return sorted[i].SourceName < sorted[j].SourceName
	})

	staticByHostname := make(map[string]*cloudflaredtunnelv1alpha1.IngressRule, len(spec.Ingress))
	for i := range spec.Ingress {
		r := &spec.Ingress[i]
		if _, exists := staticByHostname[r.Hostname]; !exists {
			staticByHostname[r.Hostname] = r
		}
	}

	var entries []cf.UnvalidatedIngressRule
	covered := make(map[string]bool, len(spec.Ingress))

	for _, r := range sorted {
		origin := spec.OriginRequest
		if override, ok := staticByHostname[r.Hostname]; ok {
			if override.OriginRequest != nil {
				origin = override.OriginRequest
			}
			covered[r.Hostname] = true
		}
		entries = append(entries, cf.UnvalidatedIngressRule{
			Hostname:      r.Hostname,
			Path:          r.Path,
			Service:       r.Service,
			OriginRequest: convertOriginRequest(origin),
		})
	}

	for _, r := range spec.Ingress {
		if covered[r.Hostname] {
			continue
		}
		origin := spec.OriginRequest
		if r.OriginRequest != nil {
			origin = r.OriginRequest
		}
		entries = append(entries, cf.UnvalidatedIngressRule{
			Hostname:      r.Hostname,
			Path:          r.Path,
			Service:       r.Service,
			OriginRequest: convertOriginRequest(origin),
		})
	}

	entries = append(entries, cf.UnvalidatedIngressRule{
		Service:       spec.DefaultIngressService,
		OriginRequest: convertOriginRequest(spec.OriginRequest),
	})

	cfg := cf.Configuration{
		TunnelID:   tunnelID,
		SourceFile: CredentialsMountPath,
		Ingress:    entries,
	}

	return yaml.Marshal(cfg)
}

func convertOriginRequest(o *cloudflaredtunnelv1alpha1.OriginRequestOptions) cf.OriginRequestConfig {
	if o == nil {
		return cf.OriginRequestConfig{}
	}

	out := cf.OriginRequestConfig{
		NoHappyEyeballs:        o.NoHappyEyeballs,
		KeepAliveConnections:   intPtr(o.KeepAliveConnections),
		HTTPHostHeader:         o.HTTPHostHeader,
		OriginServerName:       o.OriginServerName,
		CAPool:                 o.CAPool,
		NoTLSVerify:            o.NoTLSVerify,
		HTTP2Origin:            o.HTTP2Origin,
		DisableChunkedEncoding: o.DisableChunkedEncoding,
		BastionMode:            o.BastionMode,
		ProxyAddress:           o.ProxyAddress,
		ProxyPort:              uintPtr(o.ProxyPort),
		ProxyType:              o.ProxyType,
	}

	if o.ConnectTimeout != nil {
		out.ConnectTimeout = &o.ConnectTimeout.Duration
	}
	if o.TLSTimeout != nil {
		out.TLSTimeout = &o.TLSTimeout.Duration
	}
	if o.TCPKeepAlive != nil {
		out.TCPKeepAlive = &o.TCPKeepAlive.Duration
	}
	if o.KeepAliveTimeout != nil {
		out.KeepAliveTimeout = &o.KeepAliveTimeout.Duration
	}
	for _, ipr := range o.IPRules {
		prefix := ipr.Prefix
		out.IPRules = append(out.IPRules, cf.IngressIPRule{
			Prefix: &prefix,
			Ports:  int32SliceToInt(ipr.Ports),
			Allow:  ipr.Allow,
		})
	}
	if o.Access != nil {
		out.Access = &cf.AccessConfig{
			Required: o.Access.Required,
			TeamName: o.Access.TeamName,
			AudTag:   o.Access.AudTag,
		}
	}

	return out
}

// Hash returns a stable content hash for configYAML, used for the
// config-hash pod annotation that forces a Deployment rollout whenever
// the compiled configuration changes.
func Hash(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

func intPtr(p *uint32) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	return &v
}

func uintPtr(p *uint16) *uint {
	if p == nil {
		return nil
	}
	v := uint(*p)
	return &v
}

func int32SliceToInt(in []int32) []int {
	if in == nil {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
