package bundle

import (
	"archive/zip"
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/hashing"
	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
)

const (
	manifestPath  = "metadata.json"
	entriesDir    = "entries/"
	maxEntryBytes = int64(64 * 1024 * 1024)
)

//go:embed schema/manifest.schema.json
var schemaFS embed.FS

var (
	schemaOnce     sync.Once
	manifestSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		data, err := schemaFS.ReadFile("schema/manifest.schema.json")
		if err != nil {
			schemaErr = fmt.Errorf("read schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		manifestSchema, schemaErr = compiler.Compile(data)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return manifestSchema, schemaErr
}

// EncodeManifest returns the canonical (RFC 8785) JSON of m.
func EncodeManifest(m *Manifest) ([]byte, error) {
	if m.Entries == nil {
		c := *m
		c.Entries = []Entry{}
		m = &c
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return out, nil
}

// DecodeManifest validates data against the manifest schema and parses it.
func DecodeManifest(data []byte) (*Manifest, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse metadata: %v", ErrInvalidBundle, err)
	}
	if result := schema.ValidateJSON(data); !result.IsValid() {
		return nil, fmt.Errorf("%w: schema validation failed: %v", ErrInvalidBundle, result.Errors)
	}
	if m.Entries == nil {
		m.Entries = []Entry{}
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Digest is the hash of the canonical manifest. Two bundles with the same
// digest describe the same entries.
func Digest(m *Manifest) (hashing.EntryHash, error) {
	data, err := EncodeManifest(m)
	if err != nil {
		return "", err
	}
	return hashing.Sum(data), nil
}

func entryPath(name string) string { return entriesDir + name + ".md" }

// WriteZip writes b as a zip archive. Files are written in a fixed order with
// the export date as modification time, so equal bundles give equal archives.
func WriteZip(w io.Writer, b *Bundle) error {
	manifest, err := EncodeManifest(&b.Manifest)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	modified := b.Manifest.Metadata.ExportDate.UTC()
	add := func(name string, data []byte) error {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}

	if err := add(manifestPath, manifest); err != nil {
		return err
	}
	for _, e := range b.Manifest.Entries {
		data, ok := b.Content[e.Name]
		if !ok {
			return fmt.Errorf("%w: entry %d (%s)", chain.ErrMissingContent, e.Index, e.Name)
		}
		if err := add(entryPath(e.Name), data); err != nil {
			return err
		}
	}
	return zw.Close()
}

// ZipReader reads a bundle archive lazily. It implements Reader.
type ZipReader struct {
	files  []*zip.File
	closer io.Closer
}

// OpenZip opens the archive at path. Close releases the file.
func OpenZip(path string) (*ZipReader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrInvalidBundle, path, err)
	}
	return &ZipReader{files: rc.File, closer: rc}, nil
}

// NewZipReader reads an archive held in memory.
func NewZipReader(data []byte) (*ZipReader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return &ZipReader{files: zr.File}, nil
}

// Close implements io.Closer.
func (z *ZipReader) Close() error {
	if z.closer == nil {
		return nil
	}
	return z.closer.Close()
}

// ReadMetadata implements Reader.
func (z *ZipReader) ReadMetadata() (*Manifest, error) {
	f, ok := findZipFile(z.files, manifestPath)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidBundle, manifestPath)
	}
	data, err := readZipFile(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidBundle, manifestPath, err)
	}
	return DecodeManifest(data)
}

// ReadEntryContent implements Reader.
func (z *ZipReader) ReadEntryContent(name string) ([]byte, error) {
	if err := chain.ValidateName("entry name", name); err != nil {
		return nil, err
	}
	f, ok := findZipFile(z.files, entryPath(name))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrContentNotFound, name)
	}
	data, err := readZipFile(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read entry %q: %v", ErrInvalidBundle, name, err)
	}
	return data, nil
}

// Load reads every file of r into a Bundle.
func Load(r Reader) (*Bundle, error) {
	m, err := r.ReadMetadata()
	if err != nil {
		return nil, err
	}
	b := &Bundle{Manifest: *m, Content: make(map[string][]byte, len(m.Entries))}
	for _, e := range m.Entries {
		data, err := r.ReadEntryContent(e.Name)
		if err != nil {
			return nil, err
		}
		b.Content[e.Name] = data
	}
	return b, nil
}

func findZipFile(files []*zip.File, name string) (*zip.File, bool) {
	for _, f := range files {
		if filepath.ToSlash(f.Name) == name {
			return f, true
		}
	}
	return nil, false
}

func readZipFile(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > uint64(maxEntryBytes) {
		return nil, fmt.Errorf("zip entry too large: %d", f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxEntryBytes {
		return nil, fmt.Errorf("zip entry exceeds max size")
	}
	return data, nil
}
