// Package storage implements the filesystem persistence layer. Resources are
// stored as JSON documents below the storage root:
//
//	<root>/data/<qualifiedName>.json   resource documents
//	<root>/data/<qualifiedName>/       image collections
//	<root>/config/users                user database
//	<root>/devices/handles/<uuid>      device twin documents
//	<root>/devices/mappings            descriptor to uuid mapping
package storage

import "path/filepath"

// Paths derives the canonical file locations below a storage root.
type Paths struct {
	Root string
}

func NewPaths(root string) Paths {
	return Paths{Root: root}
}

func (p Paths) DataDir() string {
	return filepath.Join(p.Root, "data")
}

func (p Paths) ConfigDir() string {
	return filepath.Join(p.Root, "config")
}

func (p Paths) DevicesDir() string {
	return filepath.Join(p.Root, "devices")
}

// ResourceFile returns the document path for a qualified resource name.
func (p Paths) ResourceFile(qualifiedName string) string {
	return filepath.Join(p.DataDir(), qualifiedName+".json")
}

// ImageDir returns the directory holding an image collection's files.
func (p Paths) ImageDir(qualifiedName string) string {
	return filepath.Join(p.DataDir(), qualifiedName)
}

func (p Paths) UsersFile() string {
	return filepath.Join(p.ConfigDir(), "users")
}

func (p Paths) DeviceHandleFile(uuid string) string {
	return filepath.Join(p.DevicesDir(), "handles", uuid)
}

func (p Paths) DeviceMappingsFile() string {
	return filepath.Join(p.DevicesDir(), "mappings")
}
