package nas

import "path/filepath"

// Layout resolves the physical directories of one principal's store:
//
//	<store>/repo            archive repository
//	<store>/stage           archived on every snapshot
//	<store>/stage/_meta.db  metadata catalog
//	<store>/stage/tree      file bytes
//	<store>/mount           ephemeral mountpoint
//	<store>/lock            held while a process works on the store
type Layout struct {
	Root string
}

// CatalogFileName is the catalog database name inside the stage directory.
const CatalogFileName = "_meta.db"

// TempFilePrefix marks in-flight writes inside the staging tree.
const TempFilePrefix = ".nas-tmp-"

// LayoutFor returns the layout of p's store. A relative StorePath is resolved
// against storeRoot.
func LayoutFor(storeRoot string, p *Principal) Layout {
	if filepath.IsAbs(p.StorePath) {
		return Layout{Root: p.StorePath}
	}
	return Layout{Root: filepath.Join(storeRoot, p.StorePath)}
}

func (l Layout) Repo() string      { return filepath.Join(l.Root, "repo") }
func (l Layout) Stage() string     { return filepath.Join(l.Root, "stage") }
func (l Layout) CatalogDB() string { return filepath.Join(l.Stage(), CatalogFileName) }
func (l Layout) Tree() string      { return filepath.Join(l.Stage(), "tree") }
func (l Layout) Mount() string     { return filepath.Join(l.Root, "mount") }
func (l Layout) LockFile() string  { return filepath.Join(l.Root, "lock") }

// HostPath maps a canonical path into the tree directory.
func (l Layout) HostPath(p CanonicalPath) string {
	return filepath.Join(l.Tree(), filepath.FromSlash(string(p)))
}
