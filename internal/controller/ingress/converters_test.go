// SPDX-License-Identifier: Apache-2.0
// Copyright 2025-2026 The Cloudflare Operator Authors

package ingress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func convertersScheme(t *testing.T) *runtime.Scheme {
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	require.NoError(t, networkingv1.AddToScheme(scheme))
	return scheme
}

func exactPathType() *networkingv1.PathType {
	pt := networkingv1.PathTypeExact
	return &pt
}

func TestResolveRules_NumericPort(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "foo"},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: 80}},
		},
	}
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "foo"},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: "example.com",
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path: "/",
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: "web",
											Port: networkingv1.ServiceBackendPort{Number: 80},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	c := fake.NewClientBuilder().WithScheme(convertersScheme(t)).WithObjects(svc).Build()
	recorder := record.NewFakeRecorder(10)

	rules := ResolveRules(context.Background(), c, recorder, ing)
	require.Len(t, rules, 1)
	assert.Equal(t, "example.com", rules[0].Hostname)
	assert.Equal(t, "http://web.foo.svc:80", rules[0].Service)
	assert.Equal(t, "", rules[0].Path)
}

func TestResolveRules_NamedPortResolvedFromService(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "foo"},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Name: "http", Port: 8080}},
		},
	}
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "foo"},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: "example.com",
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/api",
									PathType: exactPathType(),
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: "web",
											Port: networkingv1.ServiceBackendPort{Name: "http"},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	c := fake.NewClientBuilder().WithScheme(convertersScheme(t)).WithObjects(svc).Build()
	recorder := record.NewFakeRecorder(10)

	rules := ResolveRules(context.Background(), c, recorder, ing)
	require.Len(t, rules, 1)
	assert.Equal(t, "http://web.foo.svc:8080", rules[0].Service)
	assert.Equal(t, "^/api$", rules[0].Path)
}

func TestResolveRules_UnresolvableBackendIsSkippedAndRecorded(t *testing.T) {
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "foo"},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: "example.com",
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path: "/",
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: "missing",
											Port: networkingv1.ServiceBackendPort{Name: "http"},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	c := fake.NewClientBuilder().WithScheme(convertersScheme(t)).Build()
	recorder := record.NewFakeRecorder(10)

	rules := ResolveRules(context.Background(), c, recorder, ing)
	assert.Empty(t, rules)

	select {
	case event := <-recorder.Events:
		assert.Contains(t, event, ReasonBackendNotFound)
	default:
		t.Fatal("expected a BackendNotFound event to be recorded")
	}
}

func TestConvertPathType(t *testing.T) {
	prefix := networkingv1.PathTypePrefix
	exact := networkingv1.PathTypeExact

	assert.Equal(t, "", convertPathType("/", &prefix))
	assert.Equal(t, "^/api$", convertPathType("/api", &exact))
	assert.Equal(t, "/api(/.*)?$", convertPathType("/api", &prefix))
	assert.Equal(t, "/api/.*", convertPathType("/api/", &prefix))
}
