package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/gowebpki/jcs"
)

// Persistence stores whole chain documents keyed by logbook name.
// Save must replace the document atomically. Load must return ErrNotFound for
// a missing document and ErrCorruptStore for one that cannot be parsed.
// Quarantine moves the stored document aside under a name derived from stamp
// and reports where it went; afterwards Load returns ErrNotFound.
type Persistence interface {
	Load(logbook string) (*Chain, error)
	Save(c *Chain) error
	Exists(logbook string) (bool, error)
	Names() ([]string, error)
	Quarantine(logbook, stamp string) (string, error)
}

// EncodeChain serialises c as RFC 8785 canonical JSON, so equal chains always
// produce identical bytes.
func EncodeChain(c *Chain) ([]byte, error) {
	doc := *c
	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal chain: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize chain: %w", err)
	}
	return canonical, nil
}

// DecodeChain parses a persisted document for logbook.
func DecodeChain(logbook string, data []byte) (*Chain, error) {
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: logbook %q: %v", ErrCorruptStore, logbook, err)
	}
	if c.LogbookName != logbook {
		return nil, fmt.Errorf("%w: logbook %q: document belongs to %q", ErrCorruptStore, logbook, c.LogbookName)
	}
	if c.Entries == nil {
		c.Entries = []Entry{}
	}
	return &c, nil
}

const chainFile = "chain.json"

// FilePersistence keeps each chain at <root>/<logbook>/chain.json.
type FilePersistence struct {
	root string
}

// NewFilePersistence creates a FilePersistence rooted at dir.
func NewFilePersistence(dir string) *FilePersistence {
	return &FilePersistence{root: dir}
}

// Root returns the storage directory.
func (p *FilePersistence) Root() string { return p.root }

func (p *FilePersistence) path(logbook string) string {
	return filepath.Join(p.root, logbook, chainFile)
}

// Load implements Persistence.
func (p *FilePersistence) Load(logbook string) (*Chain, error) {
	data, err := os.ReadFile(p.path(logbook))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read chain %q: %w", logbook, err)
	}
	return DecodeChain(logbook, data)
}

// Save implements Persistence.
func (p *FilePersistence) Save(c *Chain) error {
	data, err := EncodeChain(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path(c.LogbookName)), 0o750); err != nil {
		return fmt.Errorf("create logbook dir: %w", err)
	}
	return writeFileAtomic(p.path(c.LogbookName), data, 0o600)
}

// Exists implements Persistence.
func (p *FilePersistence) Exists(logbook string) (bool, error) {
	_, err := os.Stat(p.path(logbook))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Names implements Persistence.
func (p *FilePersistence) Names() ([]string, error) {
	dirs, err := os.ReadDir(p.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read storage root: %w", err)
	}
	var names []string
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if _, err := os.Stat(p.path(d.Name())); err == nil {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Quarantine implements Persistence by renaming chain.json to
// chain.json.corrupt-<stamp> in the logbook directory.
func (p *FilePersistence) Quarantine(logbook, stamp string) (string, error) {
	src := p.path(logbook)
	dst := src + ".corrupt-" + stamp
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("quarantine chain %q: %w", logbook, err)
	}
	return dst, nil
}

// writeFileAtomic writes content to a temp file in the destination directory,
// syncs it and renames it over path, so readers see either the old or the new
// document and never a partial one.
func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove destination before rename: %w", rmErr)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("rename temp file after remove: %w", err)
		}
	}
	cleanup = false

	if dir, err := os.Open(parent); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
