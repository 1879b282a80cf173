// Package cluster talks to a Kubernetes API server on behalf of one fabric.
// Every client is built from that fabric's own connection parameters, so one
// fabric's view of a cluster can never leak into another's.
package cluster

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// CredentialProvider resolves a fabric's Kubernetes secret reference into a
// bearer token at use time. The core never stores or derives the token.
type CredentialProvider interface {
	BearerToken(ctx context.Context, secretRef string) (string, error)
}

// Client is one fabric's view of its cluster.
type Client struct {
	dyn       dynamic.Interface
	namespace string
}

// NewForFabric builds a client from a fabric's stored connection parameters.
func NewForFabric(ctx context.Context, f *fabric.Fabric, creds CredentialProvider) (*Client, error) {
	if f.KubeAPIURL == "" {
		return nil, errors.New(errors.ErrClusterAuth, "fabric has no Kubernetes API endpoint configured").
			WithDetail("fabric", f.ID)
	}

	var token string
	if f.KubeSecretRef != "" {
		if creds == nil {
			return nil, errors.New(errors.ErrClusterAuth, "no credential provider configured").
				WithDetail("fabric", f.ID)
		}
		var err error
		token, err = creds.BearerToken(ctx, f.KubeSecretRef)
		if err != nil {
			return nil, errors.Wrap(errors.ErrClusterAuth, "failed to resolve cluster credentials", err).
				WithDetail("fabric", f.ID)
		}
	}

	dyn, err := dynamic.NewForConfig(restConfigForFabric(f, token))
	if err != nil {
		return nil, errors.Wrap(errors.ErrClusterUnreachable, "failed to create dynamic client", err)
	}
	return &Client{dyn: dyn, namespace: f.KubeNamespace}, nil
}

// requestTimeout bounds every HTTP request to the API server so a hung
// endpoint fails the cluster leg instead of stalling the operation.
const requestTimeout = 30 * time.Second

// restConfigForFabric builds the per-fabric connection config. TLS is always
// verified: against the fabric's CA bundle when one is stored, otherwise
// against the system roots.
func restConfigForFabric(f *fabric.Fabric, token string) *rest.Config {
	cfg := &rest.Config{
		Host:        f.KubeAPIURL,
		BearerToken: token,
		Timeout:     requestTimeout,
	}
	if f.KubeCAPEM != "" {
		cfg.TLSClientConfig = rest.TLSClientConfig{CAData: []byte(f.KubeCAPEM)}
	}
	return cfg
}

// NewWithDynamic wraps an existing dynamic client, used by tests.
func NewWithDynamic(dyn dynamic.Interface, namespace string) *Client {
	return &Client{dyn: dyn, namespace: namespace}
}

// Resource is one custom object as observed in the cluster, reduced to the
// identity and spec payload the rest of the system compares on.
type Resource struct {
	Kind fabric.Kind
	Name string
	Spec map[string]any
}

// List returns all objects of a kind visible to this fabric.
func (c *Client) List(ctx context.Context, desc fabric.KindDescriptor) ([]Resource, error) {
	list, err := c.resource(desc).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify(err, desc, "", "list")
	}

	out := make([]Resource, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, toResource(desc, &list.Items[i]))
	}
	return out, nil
}

// Get returns one object, or (nil, nil) when the object does not exist.
// Absence is an expected condition, not an error.
func (c *Client) Get(ctx context.Context, desc fabric.KindDescriptor, name string) (*Resource, error) {
	u, err := c.resource(desc).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) && !isCRDMissing(err) {
			return nil, nil
		}
		return nil, classify(err, desc, name, "get")
	}
	res := toResource(desc, u)
	return &res, nil
}

// Apply is a server-side upsert: create when absent, update the spec in
// place when present. Never delete-then-recreate, so the object stays
// available throughout a sync.
func (c *Client) Apply(ctx context.Context, desc fabric.KindDescriptor, name string, spec map[string]any) error {
	existing, err := c.resource(desc).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) || isCRDMissing(err) {
			return classify(err, desc, name, "apply")
		}
		obj := &unstructured.Unstructured{Object: map[string]any{
			"apiVersion": desc.APIVersionString(),
			"kind":       string(desc.Kind),
			"metadata":   map[string]any{"name": name},
			"spec":       spec,
		}}
		if c.namespace != "" {
			obj.SetNamespace(c.namespace)
		}
		if _, err := c.resource(desc).Create(ctx, obj, metav1.CreateOptions{}); err != nil {
			return classify(err, desc, name, "create")
		}
		return nil
	}

	updated := existing.DeepCopy()
	if err := unstructured.SetNestedMap(updated.Object, deepCopyMap(spec), "spec"); err != nil {
		return errors.Wrap(errors.ErrClusterAPIError, "failed to set spec", err)
	}
	if _, err := c.resource(desc).Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return classify(err, desc, name, "update")
	}
	return nil
}

// Delete removes one object. Deleting an absent object succeeds.
func (c *Client) Delete(ctx context.Context, desc fabric.KindDescriptor, name string) error {
	err := c.resource(desc).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify(err, desc, name, "delete")
	}
	return nil
}

func (c *Client) resource(desc fabric.KindDescriptor) dynamic.ResourceInterface {
	if c.namespace != "" {
		return c.dyn.Resource(desc.GVR()).Namespace(c.namespace)
	}
	return c.dyn.Resource(desc.GVR())
}

func toResource(desc fabric.KindDescriptor, u *unstructured.Unstructured) Resource {
	spec, _, _ := unstructured.NestedMap(u.Object, "spec")
	if spec == nil {
		spec = map[string]any{}
	}
	return Resource{Kind: desc.Kind, Name: u.GetName(), Spec: spec}
}

// classify maps Kubernetes API errors onto the error taxonomy. Connection
// failures are distinct from "CRD not installed", which is distinct from
// "resource not found".
func classify(err error, desc fabric.KindDescriptor, name, verb string) error {
	switch {
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return errors.Wrap(errors.ErrClusterAuth,
			fmt.Sprintf("cluster rejected %s of %s", verb, desc.Kind), err)
	case isCRDMissing(err):
		return errors.Wrap(errors.ErrClusterCRDMissing,
			fmt.Sprintf("custom resource %s.%s is not installed", desc.Resource, desc.Group), err)
	case apierrors.IsNotFound(err):
		return errors.Wrap(errors.ErrClusterResourceMiss,
			fmt.Sprintf("%s %s not found", desc.Kind, name), err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), apierrors.IsServiceUnavailable(err), apierrors.IsTooManyRequests(err):
		return errors.Wrap(errors.ErrClusterUnreachable, "cluster temporarily unavailable", err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.Wrap(errors.ErrClusterUnreachable, "cluster unreachable", err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "tls handshake") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "context deadline exceeded") {
		return errors.Wrap(errors.ErrClusterUnreachable, "cluster unreachable", err)
	}

	return errors.Wrap(errors.ErrClusterAPIError,
		fmt.Sprintf("%s of %s %s failed", verb, desc.Kind, name), err)
}

// isCRDMissing distinguishes "the resource type itself is unknown" from a
// missing object of a known type. The API server reports the former as a
// NotFound whose details name no resource instance.
func isCRDMissing(err error) bool {
	if !apierrors.IsNotFound(err) {
		return false
	}
	var statusErr *apierrors.StatusError
	if stderrors.As(err, &statusErr) {
		details := statusErr.ErrStatus.Details
		if details != nil && details.Name == "" && details.Kind != "" {
			return true
		}
	}
	return strings.Contains(err.Error(), "could not find the requested resource")
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
