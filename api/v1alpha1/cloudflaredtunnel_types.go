// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SecretKeySelector names a Secret and the credential material operator
// reads from it.
type SecretKeySelector struct {
	// Name of the Secret, in the CloudflaredTunnel's own namespace.
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// APITokenKey overrides the default "api_token" data key.
	// +kubebuilder:validation:Optional
	APITokenKey string `json:"apiTokenKey,omitempty"`

	// AccountIDKey overrides the default "account_id" data key.
	// +kubebuilder:validation:Optional
	AccountIDKey string `json:"accountIdKey,omitempty"`
}

// AccessOptions gates an origin behind Cloudflare Access.
type AccessOptions struct {
	// +kubebuilder:validation:Optional
	Required bool `json:"required,omitempty"`
	// +kubebuilder:validation:Optional
	TeamName string `json:"teamName,omitempty"`
	// +kubebuilder:validation:Optional
	AudTag []string `json:"audTag,omitempty"`
}

// IPRule restricts which client IPs may reach an origin through the tunnel.
type IPRule struct {
	// +kubebuilder:validation:Required
	Prefix string `json:"prefix"`
	// +kubebuilder:validation:Optional
	Ports []int32 `json:"ports,omitempty"`
	// +kubebuilder:validation:Optional
	Allow bool `json:"allow,omitempty"`
}

// OriginRequestOptions mirrors cloudflared's per-origin configuration
// block. Every field is optional. A rule that sets its own block uses
// that block as a whole: fields it leaves unset are not filled in from
// spec.originRequest and fall back to cloudflared's own built-in
// defaults.
type OriginRequestOptions struct {
	// +kubebuilder:validation:Optional
	ConnectTimeout *metav1.Duration `json:"connectTimeout,omitempty"`
	// +kubebuilder:validation:Optional
	TLSTimeout *metav1.Duration `json:"tlsTimeout,omitempty"`
	// +kubebuilder:validation:Optional
	TCPKeepAlive *metav1.Duration `json:"tcpKeepAlive,omitempty"`
	// +kubebuilder:validation:Optional
	NoHappyEyeballs *bool `json:"noHappyEyeballs,omitempty"`
	// +kubebuilder:validation:Optional
	KeepAliveConnections *uint32 `json:"keepAliveConnections,omitempty"`
	// +kubebuilder:validation:Optional
	KeepAliveTimeout *metav1.Duration `json:"keepAliveTimeout,omitempty"`
	// +kubebuilder:validation:Optional
	HTTPHostHeader *string `json:"httpHostHeader,omitempty"`
	// +kubebuilder:validation:Optional
	OriginServerName *string `json:"originServerName,omitempty"`
	// +kubebuilder:validation:Optional
	CAPool *string `json:"caPool,omitempty"`
	// +kubebuilder:validation:Optional
	NoTLSVerify *bool `json:"noTlsVerify,omitempty"`
	// +kubebuilder:validation:Optional
	HTTP2Origin *bool `json:"http2Origin,omitempty"`
	// +kubebuilder:validation:Optional
	DisableChunkedEncoding *bool `json:"disableChunkedEncoding,omitempty"`
	// Runs cloudflared as a SSH/SOCKS jump host for this origin.
	// +kubebuilder:validation:Optional
	BastionMode *bool `json:"bastionMode,omitempty"`
	// +kubebuilder:validation:Optional
	ProxyAddress *string `json:"proxyAddress,omitempty"`
	// +kubebuilder:validation:Optional
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:validation:Maximum=65535
	ProxyPort *uint16 `json:"proxyPort,omitempty"`
	// +kubebuilder:validation:Optional
	// +kubebuilder:validation:Enum="";socks
	ProxyType *string `json:"proxyType,omitempty"`
	// +kubebuilder:validation:Optional
	IPRules []IPRule `json:"ipRules,omitempty"`
	// +kubebuilder:validation:Optional
	Access *AccessOptions `json:"access,omitempty"`
}

// IngressRule is one explicit, statically-declared routing rule.
// Rules resolved from Kubernetes Ingress objects are not declared
// here — they are discovered by the ingress-class resolver and merged
// in at configuration-build time (see internal/tunnelconfig).
type IngressRule struct {
	// +kubebuilder:validation:Required
	Hostname string `json:"hostname"`
	// +kubebuilder:validation:Required
	Service string `json:"service"`
	// +kubebuilder:validation:Optional
	Path string `json:"path,omitempty"`
	// +kubebuilder:validation:Optional
	OriginRequest *OriginRequestOptions `json:"originRequest,omitempty"`
}

// CloudflaredTunnelSpec defines the desired state of a CloudflaredTunnel.
type CloudflaredTunnelSpec struct {
	// DefaultIngressService is the terminal catch-all rule's upstream,
	// e.g. "http_status:404".
	// +kubebuilder:validation:Required
	DefaultIngressService string `json:"defaultIngressService"`

	// Ingress lists explicit, statically-declared routing rules that
	// exist independently of any Kubernetes Ingress object.
	// +kubebuilder:validation:Optional
	Ingress []IngressRule `json:"ingress,omitempty"`

	// OriginRequest holds default origin-request options applied to
	// every rule that does not declare its own override.
	// +kubebuilder:validation:Optional
	OriginRequest *OriginRequestOptions `json:"originRequest,omitempty"`

	// SecretRef names a Secret holding Cloudflare API credentials. If
	// absent, credentials are read from the operator process's own
	// environment (CLOUDFLARE_API_TOKEN / CLOUDFLARE_ACCOUNT_ID).
	// +kubebuilder:validation:Optional
	SecretRef *SecretKeySelector `json:"secretRef,omitempty"`

	// Image overrides the agent Deployment's container image.
	// +kubebuilder:validation:Optional
	Image string `json:"image,omitempty"`

	// Command overrides the agent container's entrypoint.
	// +kubebuilder:validation:Optional
	Command []string `json:"command,omitempty"`

	// Args overrides the agent container's arguments.
	// +kubebuilder:validation:Optional
	Args []string `json:"args,omitempty"`

	// Replicas is the agent Deployment's replica count.
	// +kubebuilder:validation:Optional
	// +kubebuilder:default=1
	// +kubebuilder:validation:Minimum=1
	Replicas *int32 `json:"replicas,omitempty"`

	// PodTemplate lets callers graft additional pod-level settings
	// (tolerations, node selectors, resource requests) onto the
	// generated agent Deployment without the operator needing a
	// dedicated field for each one.
	// +kubebuilder:validation:Optional
	PodTemplate *PodTemplateOverrides `json:"podTemplate,omitempty"`
}

// PodTemplateOverrides is a narrow, explicit allow-list of pod-spec
// fields the CloudflaredTunnel author may set on the generated agent
// Deployment.
type PodTemplateOverrides struct {
	// +kubebuilder:validation:Optional
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`
	// +kubebuilder:validation:Optional
	Tolerations []corev1.Toleration `json:"tolerations,omitempty"`
	// +kubebuilder:validation:Optional
	Resources *corev1.ResourceRequirements `json:"resources,omitempty"`
}

// ConditionType enumerates the condition types this controller writes
// to status.conditions.
const (
	ConditionReady = "Ready"
)

// CloudflaredTunnelStatus defines the observed state of a CloudflaredTunnel.
type CloudflaredTunnelStatus struct {
	// TunnelID is the Cloudflare-assigned tunnel UUID once provisioned.
	// +kubebuilder:validation:Optional
	TunnelID string `json:"tunnelId,omitempty"`

	// TunnelName is the generated name registered with Cloudflare,
	// "<namespace>-<name>-<short-random>".
	// +kubebuilder:validation:Optional
	TunnelName string `json:"tunnelName,omitempty"`

	// AccountID is the Cloudflare account the tunnel was provisioned
	// under, as resolved from the credentials when the tunnel was
	// created or recovered by name.
	// +kubebuilder:validation:Optional
	AccountID string `json:"accountId,omitempty"`

	// TunnelSecretRef names the managed Secret holding the tunnel
	// credentials JSON.
	// +kubebuilder:validation:Optional
	TunnelSecretRef string `json:"tunnelSecretRef,omitempty"`

	// ConfigSecretRef names the managed Secret holding the compiled
	// configuration YAML.
	// +kubebuilder:validation:Optional
	ConfigSecretRef string `json:"configSecretRef,omitempty"`

	// ConfigHash is the content hash of the last configuration written
	// to ConfigSecretRef, mirrored onto the agent Deployment's pod
	// template annotation to force a rollout on change.
	// +kubebuilder:validation:Optional
	ConfigHash string `json:"configHash,omitempty"`

	// ObservedGeneration is the most recent spec generation the
	// controller has reconciled.
	// +kubebuilder:validation:Optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions represent the latest available observations of the
	// tunnel's state.
	// +kubebuilder:validation:Optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=cfdt
// +kubebuilder:printcolumn:name="TunnelID",type=string,JSONPath=`.status.tunnelId`
// +kubebuilder:printcolumn:name="Ready",type=string,JSONPath=`.status.conditions[?(@.type=="Ready")].status`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// CloudflaredTunnel is the authoritative declaration of a Cloudflare
// Tunnel managed by this operator.
type CloudflaredTunnel struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CloudflaredTunnelSpec   `json:"spec,omitempty"`
	Status CloudflaredTunnelStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// CloudflaredTunnelList contains a list of CloudflaredTunnel.
type CloudflaredTunnelList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CloudflaredTunnel `json:"items"`
}

func init() {
	SchemeBuilder.Register(&CloudflaredTunnel{}, &CloudflaredTunnelList{})
}

// ReplicaCount returns spec.Replicas or its default of 1.
func (t *CloudflaredTunnel) ReplicaCount() int32 {
	if t.Spec.Replicas == nil {
		return 1
	}
	return *t.Spec.Replicas
}

// FinalizerName is the finalizer this controller places on every
// CloudflaredTunnel it manages.
const FinalizerName = "chalharu.top/cloudflared-tunnel"

// IngressClassController is the controller string Ingresses opt into
// this operator with, set on an IngressClass's spec.controller.
const IngressClassController = "chalharu.top/cloudflared-ingress"
