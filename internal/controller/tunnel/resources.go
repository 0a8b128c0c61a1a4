// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package tunnel

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	cloudflaredtunnelv1alpha1 "github.com/chalharu/cloudflared-tunnel-operator/api/v1alpha1"
	"github.com/chalharu/cloudflared-tunnel-operator/internal/tunnelconfig"
)

const (
	// DefaultAgentImage is used when a CloudflaredTunnel does not set
	// spec.image.
	DefaultAgentImage = "cloudflare/cloudflared:latest"

	credsVolumeName  = "creds"
	configVolumeName = "config"

	configHashAnnotation = "chalharu.top/config-hash"

	credsSecretSuffix  = "-creds"
	configSecretSuffix = "-config"
)

func credentialsSecretName(tunnelName string) string {
	return tunnelName + credsSecretSuffix
}

func configSecretName(tunnelName string) string {
	return tunnelName + configSecretSuffix
}

func labelsForTunnel(t *cloudflaredtunnelv1alpha1.CloudflaredTunnel) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":       "cloudflared",
		"app.kubernetes.io/instance":   t.Name,
		"app.kubernetes.io/managed-by": "cloudflared-tunnel-operator",
		"chalharu.top/tunnel":          t.Name,
	}
}

// credentialsSecret builds the immutable credentials Secret for a
// newly provisioned tunnel. Callers must not call this again once the
// Secret already exists — credentials are only known at creation time.
func credentialsSecret(t *cloudflaredtunnelv1alpha1.CloudflaredTunnel, credentialsJSON []byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      credentialsSecretName(t.Name),
			Namespace: t.Namespace,
			Labels:    labelsForTunnel(t),
		},
		Data: map[string][]byte{
			"credentials.json": credentialsJSON,
		},
	}
}

// configSecret builds the configuration Secret holding the compiled
// cloudflared YAML.
func configSecret(t *cloudflaredtunnelv1alpha1.CloudflaredTunnel, configYAML []byte) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configSecretName(t.Name),
			Namespace: t.Namespace,
			Labels:    labelsForTunnel(t),
		},
		Data: map[string][]byte{
			"config.yaml": configYAML,
		},
	}
}

// agentDeployment renders the cloudflared agent Deployment for t,
// mounting the credentials and configuration Secrets and annotating
// the pod template with configHash so a configuration change forces a
// rollout.
func agentDeployment(t *cloudflaredtunnelv1alpha1.CloudflaredTunnel, configHash string) *appsv1.Deployment {
	ls := labelsForTunnel(t)

	image := t.Spec.Image
	if image == "" {
		image = DefaultAgentImage
	}
	command := t.Spec.Command
	if len(command) == 0 {
		command = []string{"cloudflared"}
	}
	args := t.Spec.Args
	if len(args) == 0 {
		args = []string{"tunnel", "--config", tunnelconfig.ConfigMountPath, "run"}
	}

	podSpec := corev1.PodSpec{
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: ptr.To(true),
			SeccompProfile: &corev1.SeccompProfile{
				Type: corev1.SeccompProfileTypeRuntimeDefault,
			},
		},
		Containers: []corev1.Container{
			{
				Name:    "cloudflared",
				Image:   image,
				Command: command,
				Args:    args,
				LivenessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{
							Path: "/ready",
							Port: intstr.FromInt(2000),
						},
					},
					FailureThreshold:    1,
					InitialDelaySeconds: 10,
					PeriodSeconds:       10,
				},
				Ports: []corev1.ContainerPort{
					{Name: "metrics", ContainerPort: 2000, Protocol: corev1.ProtocolTCP},
				},
				VolumeMounts: []corev1.VolumeMount{
					{Name: credsVolumeName, MountPath: "/etc/cloudflared/creds", ReadOnly: true},
					{Name: configVolumeName, MountPath: "/etc/cloudflared", ReadOnly: true},
				},
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: ptr.To(false),
					ReadOnlyRootFilesystem:   ptr.To(true),
					RunAsUser:                ptr.To(int64(1002)),
					Capabilities: &corev1.Capabilities{
						Drop: []corev1.Capability{"ALL"},
					},
				},
			},
		},
		Volumes: []corev1.Volume{
			{
				Name: credsVolumeName,
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName:  credentialsSecretName(t.Name),
						DefaultMode: ptr.To(int32(0o420)),
					},
				},
			},
			{
				Name: configVolumeName,
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName:  configSecretName(t.Name),
						DefaultMode: ptr.To(int32(0o420)),
					},
				},
			},
		},
	}

	if override := t.Spec.PodTemplate; override != nil {
		podSpec.NodeSelector = override.NodeSelector
		podSpec.Tolerations = override.Tolerations
		if override.Resources != nil {
			podSpec.Containers[0].Resources = *override.Resources
		}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.Name,
			Namespace: t.Namespace,
			Labels:    ls,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(t.ReplicaCount()),
			Selector: &metav1.LabelSelector{MatchLabels: ls},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      ls,
					Annotations: map[string]string{configHashAnnotation: configHash},
				},
				Spec: podSpec,
			},
		},
	}
}
