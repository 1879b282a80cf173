package fabric

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/hnplabs/fabric-sync/internal/errors"
)

// Kind identifies one of the supported fabric Custom Resource kinds.
// The set is closed: behavior is resolved through the descriptor table
// below, not through per-kind types.
type Kind string

const (
	KindVPC                Kind = "VPC"
	KindVPCAttachment      Kind = "VPCAttachment"
	KindVPCPeering         Kind = "VPCPeering"
	KindIPv4Namespace      Kind = "IPv4Namespace"
	KindExternal           Kind = "External"
	KindExternalAttachment Kind = "ExternalAttachment"
	KindConnection         Kind = "Connection"
	KindSwitch             Kind = "Switch"
	KindServer             Kind = "Server"
	KindSwitchGroup        Kind = "SwitchGroup"
	KindSwitchProfile      Kind = "SwitchProfile"
	KindVLANNamespace      Kind = "VLANNamespace"
)

// Fabric API groups. VPC-layer kinds live in the vpc group, physical
// wiring kinds in the wiring group.
const (
	GroupVPC    = "vpc.githedgehog.com"
	GroupWiring = "wiring.githedgehog.com"
	APIVersion  = "v1beta1"
)

// KindDescriptor drives the generic normalization and mapping routines.
// RequiredSpecFields lists top-level spec keys that must be present and
// non-empty for the document to be accepted.
type KindDescriptor struct {
	Kind               Kind
	Group              string
	Resource           string // plural resource name for the API endpoint
	RequiredSpecFields []string
}

// GVR returns the GroupVersionResource for this kind's CRD endpoint.
func (d KindDescriptor) GVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: d.Group, Version: APIVersion, Resource: d.Resource}
}

// APIVersionString returns the apiVersion value expected in manifests.
func (d KindDescriptor) APIVersionString() string {
	return d.Group + "/" + APIVersion
}

// Dir returns the managed-directory name for this kind (lowercased kind).
func (d KindDescriptor) Dir() string {
	return strings.ToLower(string(d.Kind))
}

var descriptors = []KindDescriptor{
	{Kind: KindVPC, Group: GroupVPC, Resource: "vpcs", RequiredSpecFields: nil},
	{Kind: KindVPCAttachment, Group: GroupVPC, Resource: "vpcattachments", RequiredSpecFields: []string{"connection", "subnet"}},
	{Kind: KindVPCPeering, Group: GroupVPC, Resource: "vpcpeerings", RequiredSpecFields: []string{"permit"}},
	{Kind: KindIPv4Namespace, Group: GroupVPC, Resource: "ipv4namespaces", RequiredSpecFields: []string{"subnets"}},
	{Kind: KindExternal, Group: GroupVPC, Resource: "externals", RequiredSpecFields: nil},
	{Kind: KindExternalAttachment, Group: GroupVPC, Resource: "externalattachments", RequiredSpecFields: []string{"connection", "external"}},
	{Kind: KindConnection, Group: GroupWiring, Resource: "connections", RequiredSpecFields: nil},
	{Kind: KindSwitch, Group: GroupWiring, Resource: "switches", RequiredSpecFields: []string{"role"}},
	{Kind: KindServer, Group: GroupWiring, Resource: "servers", RequiredSpecFields: nil},
	{Kind: KindSwitchGroup, Group: GroupWiring, Resource: "switchgroups", RequiredSpecFields: nil},
	{Kind: KindSwitchProfile, Group: GroupWiring, Resource: "switchprofiles", RequiredSpecFields: []string{"displayName"}},
	{Kind: KindVLANNamespace, Group: GroupWiring, Resource: "vlannamespaces", RequiredSpecFields: []string{"ranges"}},
}

var descriptorsByKind = func() map[Kind]KindDescriptor {
	m := make(map[Kind]KindDescriptor, len(descriptors))
	for _, d := range descriptors {
		m[d.Kind] = d
	}
	return m
}()

// AllKinds returns the closed set of supported kinds in declaration order.
func AllKinds() []KindDescriptor {
	out := make([]KindDescriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// LookupKind resolves a manifest's kind discriminator. The match is
// case-sensitive on the CRD kind name, matching what the API server accepts.
func LookupKind(kind string) (KindDescriptor, bool) {
	d, ok := descriptorsByKind[Kind(kind)]
	return d, ok
}

// ParseKind validates a kind string coming from the API surface, where a
// lowercased form is also accepted.
func ParseKind(s string) (KindDescriptor, error) {
	if d, ok := descriptorsByKind[Kind(s)]; ok {
		return d, nil
	}
	for _, d := range descriptors {
		if strings.EqualFold(string(d.Kind), s) {
			return d, nil
		}
	}
	return KindDescriptor{}, errors.ValidationError(fmt.Sprintf("unsupported resource kind: %s", s))
}
