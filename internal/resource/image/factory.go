package image

import (
	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/errcode"
	"github.com/quickhub/quickhub/internal/resource"
	"github.com/quickhub/quickhub/internal/storage"
)

// Factory builds file backed image collections. Each collection gets its
// own directory under the data root.
type Factory struct {
	auth  *auth.Service
	paths storage.Paths
}

func NewFactory(authService *auth.Service, paths storage.Paths) *Factory {
	return &Factory{auth: authService, paths: paths}
}

func (f *Factory) ResourceType() string     { return "imgcoll" }
func (f *Factory) DescriptorPrefix() string { return "" }

func (f *Factory) ResourceID(descriptor string, identity auth.Identity) string {
	return resource.QualifiedName(descriptor, "imgcoll", identity)
}

func (f *Factory) CreateResource(descriptor string, identity auth.Identity) (resource.Resource, errcode.CloudError) {
	qualified := f.ResourceID(descriptor, identity)
	if qualified == "" {
		return nil, errcode.InvalidDescriptor
	}
	store := storage.NewFileImageStorage(f.paths.ImageDir(qualified))
	return NewResource(f.auth, store), errcode.NoError
}
