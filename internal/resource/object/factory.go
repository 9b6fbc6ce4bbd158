package object

import (
	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/resource"
	"github.com/quickhub/quickhub/internal/storage"
)

// Factory builds file backed object resources and serves as the default
// factory for the object type.
type Factory struct {
	auth  *auth.Service
	paths storage.Paths
}

func NewFactory(authService *auth.Service, paths storage.Paths) *Factory {
	return &Factory{auth: authService, paths: paths}
}

func (f *Factory) ResourceType() string     { return "object" }
func (f *Factory) DescriptorPrefix() string { return "" }

func (f *Factory) ResourceID(descriptor string, identity auth.Identity) string {
	return resource.QualifiedName(descriptor, "object", identity)
}

func (f *Factory) CreateResource(descriptor string, identity auth.Identity) (resource.Resource, errcode.CloudError) {
	qualified := f.ResourceID(descriptor, identity)
	if qualified == "" {
		return nil, errcode.InvalidDescriptor
	}
	store, err := storage.NewFileObjectStorage(f.paths.ResourceFile(qualified))
	if err != nil {
		return nil, errcode.StorageError
	}
	return NewResource(f.auth, store), errcode.NoError
}
