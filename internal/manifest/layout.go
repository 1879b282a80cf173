package manifest

import (
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// Directory names inside a fabric's GitOps directory.
const (
	RawDir       = "raw"
	ManagedDir   = "managed"
	UnmanagedDir = "unmanaged"
	MetaDir      = ".meta"
	metaFile     = "manifest.yaml"
	archiveDir   = "archive"
)

// Layout resolves paths inside one fabric's directory tree.
type Layout struct {
	Root string
}

func (l Layout) Raw() string       { return filepath.Join(l.Root, RawDir) }
func (l Layout) Managed() string   { return filepath.Join(l.Root, ManagedDir) }
func (l Layout) Unmanaged() string { return filepath.Join(l.Root, UnmanagedDir) }
func (l Layout) Meta() string      { return filepath.Join(l.Root, MetaDir) }
func (l Layout) Archive() string   { return filepath.Join(l.Root, MetaDir, archiveDir) }
func (l Layout) MetaFile() string  { return filepath.Join(l.Root, MetaDir, metaFile) }

// ManagedPath returns the canonical file path for a resource,
// managed/<kind>/<name>.yaml with the kind directory lowercased.
func (l Layout) ManagedPath(d fabric.KindDescriptor, name string) string {
	return filepath.Join(l.Managed(), d.Dir(), name+".yaml")
}

// Repair creates any missing directories in the layout. Idempotent; safe to
// call before every sync pass.
func (l Layout) Repair() error {
	dirs := []string{l.Raw(), l.Managed(), l.Unmanaged(), l.Meta(), l.Archive()}
	for _, d := range AllKindDirs(l) {
		dirs = append(dirs, d)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// AllKindDirs returns the managed subdirectory for every supported kind.
func AllKindDirs(l Layout) []string {
	kinds := fabric.AllKinds()
	dirs := make([]string, 0, len(kinds))
	for _, d := range kinds {
		dirs = append(dirs, filepath.Join(l.Managed(), d.Dir()))
	}
	return dirs
}

// MetaManifest is the bookkeeping record kept at .meta/manifest.yaml:
// when the raw directory was last processed and what was archived or
// quarantined in each pass.
type MetaManifest struct {
	LastProcessed time.Time      `json:"lastProcessed,omitempty"`
	Archived      []ArchiveEntry `json:"archived,omitempty"`
}

// ArchiveEntry records one original raw file moved into the archive, or one
// document routed to quarantine.
type ArchiveEntry struct {
	Original    string    `json:"original"`
	ArchivedAs  string    `json:"archivedAs,omitempty"`
	Quarantined string    `json:"quarantined,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// loadMeta reads the bookkeeping file, returning an empty manifest when the
// file does not exist yet.
func (l Layout) loadMeta() (*MetaManifest, error) {
	data, err := os.ReadFile(l.MetaFile())
	if err != nil {
		if os.IsNotExist(err) {
			return &MetaManifest{}, nil
		}
		return nil, err
	}
	var m MetaManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		// A corrupt bookkeeping file must not block processing.
		return &MetaManifest{}, nil
	}
	return &m, nil
}

// saveMeta writes the bookkeeping file, trimming the archive log so it does
// not grow without bound.
func (l Layout) saveMeta(m *MetaManifest) error {
	const maxEntries = 500
	if len(m.Archived) > maxEntries {
		m.Archived = m.Archived[len(m.Archived)-maxEntries:]
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.Meta(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(l.MetaFile(), data, 0o644)
}
