// Package resource implements the registry that hands out shared resource
// instances. Resources are addressed by type and descriptor; factories turn
// descriptors into live instances backed by storage.
package resource

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
)

// Resource is the behaviour common to all resource kinds.
type Resource interface {
	// ResourceType names the kind, e.g. "synclist", "object", "imgcoll".
	ResourceType() string

	// DynamicContent reports whether the content is generated per client.
	// Dynamic resources are never cached by the registry.
	DynamicContent() bool

	// LastAccess returns the time of the last user access.
	LastAccess() time.Time

	// Close flushes pending state. Called when the last holder releases
	// the resource.
	Close() error
}

// Factory creates resources of one type for a descriptor namespace.
type Factory interface {
	// ResourceType returns the type this factory serves.
	ResourceType() string

	// DescriptorPrefix scopes the factory to a descriptor namespace. The
	// empty prefix marks the default factory for the type.
	DescriptorPrefix() string

	// ResourceID maps a descriptor to the qualified name that identifies
	// the resource instance. Resources with per-user content fold the
	// identity into the name.
	ResourceID(descriptor string, identity auth.Identity) string

	// CreateResource builds the instance. The identity is the requester.
	CreateResource(descriptor string, identity auth.Identity) (Resource, errcode.CloudError)
}

// QualifiedName derives the canonical resource name from a descriptor. Dots
// are path separators; descriptors rooted at "home" are private per user and
// get the identity spliced in. The type is appended so equal descriptors of
// different kinds stay distinct.
func QualifiedName(descriptor, resourceType string, identity auth.Identity) string {
	descriptor = strings.ReplaceAll(descriptor, ".", "/")
	parts := strings.FieldsFunc(descriptor, func(r rune) bool { return r == '/' })
	if len(parts) > 0 && parts[0] == "home" && identity != nil {
		parts = append([]string{parts[0], identity.IdentityID()}, parts[1:]...)
	}
	return strings.Join(parts, "/") + "_" + resourceType
}

// ParseParameters extracts resource arguments from a descriptor. Two forms
// are supported:
//
//	my/resource?sortby=name&dir=asc
//	my/resource:{"sortby":"name"}
func ParseParameters(descriptor string) map[string]any {
	params := map[string]any{}
	if i := strings.Index(descriptor, "?"); i >= 0 {
		for _, pair := range strings.Split(descriptor[i+1:], "&") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				continue
			}
			params[kv[0]] = kv[1]
		}
		return params
	}
	if i := strings.Index(descriptor, ":"); i >= 0 {
		if err := json.Unmarshal([]byte(descriptor[i+1:]), &params); err != nil {
			return map[string]any{}
		}
	}
	return params
}

// trimArguments strips the argument suffix so prefix matching sees only the
// path part of a descriptor.
func trimArguments(descriptor string) string {
	if i := strings.Index(descriptor, ":"); i >= 0 {
		descriptor = descriptor[:i]
	}
	if i := strings.Index(descriptor, "?"); i >= 0 {
		descriptor = descriptor[:i]
	}
	return descriptor
}
