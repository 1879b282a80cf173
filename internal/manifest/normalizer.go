// Package manifest ingests raw YAML dropped into a fabric's raw/ directory,
// validates it against the supported Custom Resource kinds, and rewrites it
// into one canonical file per resource under managed/. Invalid documents are
// quarantined under unmanaged/ with their original content preserved.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
	"sigs.k8s.io/yaml"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// Normalizer processes one fabric's directory tree.
type Normalizer struct {
	layout Layout
}

// New creates a Normalizer rooted at a fabric's GitOps directory.
func New(root string) *Normalizer {
	return &Normalizer{layout: Layout{Root: root}}
}

// Layout exposes the directory layout for callers that need paths.
func (n *Normalizer) Layout() Layout {
	return n.layout
}

// Repair creates any missing directories. Callable independently before
// every sync pass.
func (n *Normalizer) Repair() error {
	return n.layout.Repair()
}

// Document is one validated Custom Resource document in canonical form.
type Document struct {
	Kind fabric.Kind
	Name string
	Spec map[string]any
	// Path is the managed file path the document was (or would be) written to.
	Path string
	// Hash is the SHA-256 of the canonical serialization.
	Hash string
	// Written is false when an identical file already existed; the write is
	// skipped to avoid spurious Git diffs.
	Written bool
}

// Quarantined is one document that failed parsing or validation.
type Quarantined struct {
	SourceFile string
	Path       string
	Reason     string
}

// Result summarizes one normalization pass.
type Result struct {
	Processed     []Document
	Quarantined   []Quarantined
	Warnings      []string
	FilesArchived int
}

// Normalize processes every file in raw/: valid documents are written under
// managed/<kind>/<name>.yaml, invalid ones land in unmanaged/, and original
// raw files are archived under .meta/archive/. Individual document failures
// are recoverable; a failure to write to the managed tree aborts the pass.
func (n *Normalizer) Normalize() (*Result, error) {
	if err := n.layout.Repair(); err != nil {
		return nil, errors.Wrap(errors.ErrManifestWrite, "failed to repair directory layout", err)
	}

	entries, err := os.ReadDir(n.layout.Raw())
	if err != nil {
		if os.IsNotExist(err) {
			return &Result{}, nil
		}
		return nil, errors.Wrap(errors.ErrManifestWrite, "failed to read raw directory", err)
	}

	meta, err := n.layout.loadMeta()
	if err != nil {
		return nil, errors.Wrap(errors.ErrManifestWrite, "failed to read bookkeeping file", err)
	}

	result := &Result{}
	seen := make(map[fabric.ResourceKey]string) // key -> source file, for duplicate detection

	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		rawPath := filepath.Join(n.layout.Raw(), entry.Name())
		data, err := os.ReadFile(rawPath)
		if err != nil {
			return nil, errors.Wrap(errors.ErrManifestWrite, fmt.Sprintf("failed to read %s", entry.Name()), err)
		}

		for i, docText := range splitDocuments(data) {
			doc, reason := n.parseDocument(docText)
			if reason != "" {
				q, err := n.quarantine(entry.Name(), i, docText, reason, meta)
				if err != nil {
					return nil, err
				}
				result.Quarantined = append(result.Quarantined, q)
				continue
			}

			key := fabric.ResourceKey{Kind: doc.Kind, Name: doc.Name}
			if prev, dup := seen[key]; dup {
				// Last-processed-wins; both originals are archived below.
				warning := fmt.Sprintf("duplicate %s across %s and %s, keeping the latter", key, prev, entry.Name())
				log.Printf("[manifest] Warning: %s", warning)
				result.Warnings = append(result.Warnings, warning)
			}
			seen[key] = entry.Name()

			written, err := n.writeManaged(doc)
			if err != nil {
				return nil, err
			}
			doc.Written = written
			result.Processed = append(result.Processed, *doc)
		}

		if _, err := n.archive(rawPath, entry.Name(), meta); err != nil {
			return nil, err
		}
		result.FilesArchived++
	}

	meta.LastProcessed = time.Now().UTC()
	if err := n.layout.saveMeta(meta); err != nil {
		return nil, errors.Wrap(errors.ErrManifestWrite, "failed to write bookkeeping file", err)
	}

	return result, nil
}

// parseDocument validates one raw YAML document. A non-empty reason marks the
// document for quarantine.
func (n *Normalizer) parseDocument(docText []byte) (*Document, string) {
	var raw struct {
		APIVersion string         `yaml:"apiVersion"`
		Kind       string         `yaml:"kind"`
		Metadata   map[string]any `yaml:"metadata"`
		Spec       map[string]any `yaml:"spec"`
	}
	if err := yamlv3.Unmarshal(docText, &raw); err != nil {
		return nil, fmt.Sprintf("invalid YAML: %v", err)
	}
	if raw.Kind == "" {
		return nil, "missing kind"
	}

	desc, ok := fabric.LookupKind(raw.Kind)
	if !ok {
		return nil, fmt.Sprintf("unsupported kind %q", raw.Kind)
	}
	if raw.APIVersion != "" && raw.APIVersion != desc.APIVersionString() {
		return nil, fmt.Sprintf("unexpected apiVersion %q for kind %s (want %s)", raw.APIVersion, raw.Kind, desc.APIVersionString())
	}

	name, _ := raw.Metadata["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, "missing metadata.name"
	}

	for _, field := range desc.RequiredSpecFields {
		v, ok := raw.Spec[field]
		if !ok || isEmptyValue(v) {
			return nil, fmt.Sprintf("missing required spec field %q", field)
		}
	}

	spec := raw.Spec
	if spec == nil {
		spec = map[string]any{}
	}

	canonical, err := Canonicalize(desc, name, spec)
	if err != nil {
		return nil, fmt.Sprintf("failed to canonicalize: %v", err)
	}

	return &Document{
		Kind: desc.Kind,
		Name: name,
		Spec: spec,
		Path: n.layout.ManagedPath(desc, name),
		Hash: HashBytes(canonical),
	}, ""
}

// writeManaged writes the canonical file, skipping the write when the
// existing content hash matches. Returns whether a write happened.
func (n *Normalizer) writeManaged(doc *Document) (bool, error) {
	desc, _ := fabric.LookupKind(string(doc.Kind))
	canonical, err := Canonicalize(desc, doc.Name, doc.Spec)
	if err != nil {
		return false, errors.Wrap(errors.ErrManifestWrite, "failed to serialize document", err)
	}

	if existing, err := os.ReadFile(doc.Path); err == nil {
		if HashBytes(existing) == doc.Hash {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(doc.Path), 0o755); err != nil {
		return false, errors.Wrap(errors.ErrManifestWrite, "failed to create managed directory", err)
	}
	if err := os.WriteFile(doc.Path, canonical, 0o644); err != nil {
		return false, errors.Wrap(errors.ErrManifestWrite, fmt.Sprintf("failed to write %s", doc.Path), err)
	}
	return true, nil
}

// quarantine preserves an invalid document under unmanaged/ and records the
// reason in the bookkeeping file.
func (n *Normalizer) quarantine(sourceFile string, docIndex int, docText []byte, reason string, meta *MetaManifest) (Quarantined, error) {
	base := strings.TrimSuffix(sourceFile, filepath.Ext(sourceFile))
	target := filepath.Join(n.layout.Unmanaged(), fmt.Sprintf("%s-doc%d.yaml", base, docIndex))
	target = uniquePath(target)

	if err := os.WriteFile(target, docText, 0o644); err != nil {
		return Quarantined{}, errors.Wrap(errors.ErrManifestWrite, "failed to write quarantine file", err)
	}

	log.Printf("[manifest] Quarantined document %d of %s: %s", docIndex, sourceFile, reason)
	meta.Archived = append(meta.Archived, ArchiveEntry{
		Original:    sourceFile,
		Quarantined: filepath.Base(target),
		Reason:      reason,
		At:          time.Now().UTC(),
	})

	return Quarantined{SourceFile: sourceFile, Path: target, Reason: reason}, nil
}

// archive moves a processed raw file into .meta/archive/, renamed with a
// timestamp so originals are never silently overwritten.
func (n *Normalizer) archive(rawPath, name string, meta *MetaManifest) (string, error) {
	stamp := time.Now().UTC().Format("20060102T150405")
	target := filepath.Join(n.layout.Archive(), stamp+"-"+name)
	target = uniquePath(target)

	if err := os.Rename(rawPath, target); err != nil {
		return "", errors.Wrap(errors.ErrManifestWrite, fmt.Sprintf("failed to archive %s", name), err)
	}

	meta.Archived = append(meta.Archived, ArchiveEntry{
		Original:   name,
		ArchivedAs: filepath.Base(target),
		At:         time.Now().UTC(),
	})
	return target, nil
}

// Ingest moves a YAML file discovered outside the layout into raw/ so the
// next normalization pass processes it. Files already under raw/ are left
// alone and reported as not moved.
func (n *Normalizer) Ingest(path string) (bool, error) {
	rel, err := filepath.Rel(n.layout.Raw(), path)
	if err == nil && !strings.HasPrefix(rel, "..") {
		return false, nil
	}
	target := uniquePath(filepath.Join(n.layout.Raw(), filepath.Base(path)))
	if err := os.Rename(path, target); err != nil {
		return false, errors.Wrap(errors.ErrManifestWrite, fmt.Sprintf("failed to move %s into raw", filepath.Base(path)), err)
	}
	return true, nil
}

// LoadManaged re-reads every canonical file under managed/, returning the
// parsed documents keyed the same way Normalize produced them.
func (n *Normalizer) LoadManaged() ([]Document, error) {
	var docs []Document
	for _, desc := range fabric.AllKinds() {
		dir := filepath.Join(n.layout.Managed(), desc.Dir())
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(errors.ErrManifestWrite, "failed to read managed directory", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isYAMLFile(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.Wrap(errors.ErrManifestWrite, fmt.Sprintf("failed to read %s", path), err)
			}
			doc, reason := n.parseDocument(data)
			if reason != "" {
				// Managed files are produced by this package, so a bad one
				// means out-of-band editing. Report rather than quarantine.
				return nil, errors.New(errors.ErrManifestParse,
					fmt.Sprintf("managed file %s is not a valid resource: %s", path, reason))
			}
			docs = append(docs, *doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Kind != docs[j].Kind {
			return docs[i].Kind < docs[j].Kind
		}
		return docs[i].Name < docs[j].Name
	})
	return docs, nil
}

// WriteResource writes a single resource into the managed tree, used by the
// explicit adopt flow for cluster-ahead resources. Returns the file path,
// content hash, and whether a write happened.
func (n *Normalizer) WriteResource(kind fabric.Kind, name string, spec map[string]any) (string, string, bool, error) {
	desc, ok := fabric.LookupKind(string(kind))
	if !ok {
		return "", "", false, errors.New(errors.ErrManifestUnknownKind, fmt.Sprintf("unsupported kind %q", kind))
	}
	canonical, err := Canonicalize(desc, name, spec)
	if err != nil {
		return "", "", false, errors.Wrap(errors.ErrManifestWrite, "failed to serialize resource", err)
	}
	doc := &Document{Kind: kind, Name: name, Spec: spec, Path: n.layout.ManagedPath(desc, name), Hash: HashBytes(canonical)}
	written, err := n.writeManaged(doc)
	if err != nil {
		return "", "", false, err
	}
	return doc.Path, doc.Hash, written, nil
}

// RemoveResource deletes a managed file, used when the orchestrator has
// confirmed intentional removal from the source.
func (n *Normalizer) RemoveResource(kind fabric.Kind, name string) error {
	desc, ok := fabric.LookupKind(string(kind))
	if !ok {
		return errors.New(errors.ErrManifestUnknownKind, fmt.Sprintf("unsupported kind %q", kind))
	}
	err := os.Remove(n.layout.ManagedPath(desc, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrManifestWrite, "failed to remove managed file", err)
	}
	return nil
}

// Canonicalize produces the canonical serialization for a resource: a
// four-key manifest round-tripped through JSON so map keys come out sorted
// and whitespace is uniform.
func Canonicalize(desc fabric.KindDescriptor, name string, spec map[string]any) ([]byte, error) {
	manifest := map[string]any{
		"apiVersion": desc.APIVersionString(),
		"kind":       string(desc.Kind),
		"metadata":   map[string]any{"name": name},
		"spec":       spec,
	}
	return yaml.Marshal(manifest)
}

// HashBytes returns the hex SHA-256 of content, the change-detection key for
// managed files and resource records.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashSpec hashes a spec payload through its canonical serialization so Git
// and cluster views of the same resource hash identically.
func HashSpec(kind fabric.Kind, name string, spec map[string]any) (string, error) {
	desc, ok := fabric.LookupKind(string(kind))
	if !ok {
		return "", fmt.Errorf("unsupported kind %q", kind)
	}
	canonical, err := Canonicalize(desc, name, spec)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// splitDocuments splits a YAML stream into its documents, preserving the
// original text of each so quarantined documents keep their exact content.
func splitDocuments(data []byte) [][]byte {
	var docs [][]byte
	var current bytes.Buffer

	flush := func() {
		text := bytes.TrimSpace(current.Bytes())
		if len(text) > 0 {
			doc := make([]byte, len(text))
			copy(doc, text)
			docs = append(docs, doc)
		}
		current.Reset()
	}

	reader := bytes.NewReader(data)
	for {
		line, err := readLine(reader)
		if line != nil {
			trimmed := strings.TrimRight(string(line), "\r\n")
			if trimmed == "---" || strings.HasPrefix(trimmed, "--- ") {
				flush()
			} else {
				current.Write(line)
			}
		}
		if err == io.EOF {
			break
		}
	}
	flush()
	return docs
}

func readLine(r *bytes.Reader) ([]byte, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if len(line) == 0 {
				return nil, err
			}
			return line, err
		}
		line = append(line, b)
		if b == '\n' {
			return line, nil
		}
	}
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// uniquePath appends a numeric suffix until the path does not exist, so
// archived and quarantined files never overwrite earlier ones.
func uniquePath(path string) string {
	candidate := path
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		ext := filepath.Ext(path)
		candidate = strings.TrimSuffix(path, ext) + fmt.Sprintf(".%d", i) + ext
	}
}
