// Package localvm is an in-process reference runtime: it loads class
// files from the local filesystem, allocates method identifiers and
// feeds lifecycle events to an attached agent. It implements the
// introspection and arming surfaces the agent is built against, which
// makes the whole debugger runnable and testable without a live JVM.
package localvm

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Loader resolves a class name to the raw bytes of its class file.
type Loader interface {
	ClassBytes(name string) ([]byte, error)
}

// JmodLoader reads classes out of a JDK jmod archive. A jmod is a zip
// file prefixed with a 4-byte "JM\x01\x00" header; class entries live
// under classes/.
type JmodLoader struct {
	path string

	mu     sync.Mutex
	data   []byte
	reader *zip.Reader
}

// NewJmodLoader creates a loader for the given jmod file. The archive
// is opened lazily on the first lookup.
func NewJmodLoader(path string) *JmodLoader {
	return &JmodLoader{path: path}
}

func (l *JmodLoader) ensureReader() error {
	if l.reader != nil {
		return nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("jmod: opening %s: %w", l.path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("jmod: stat %s: %w", l.path, err)
	}

	data := make([]byte, stat.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return fmt.Errorf("jmod: reading %s: %w", l.path, err)
	}
	if len(data) < 4 {
		return fmt.Errorf("jmod: %s is not a jmod file", l.path)
	}

	l.data = data[4:] // skip the "JM\x01\x00" header
	l.reader, err = zip.NewReader(bytes.NewReader(l.data), int64(len(l.data)))
	if err != nil {
		return fmt.Errorf("jmod: opening zip: %w", err)
	}
	return nil
}

// ClassBytes returns the raw class file for name ("java/lang/String").
func (l *JmodLoader) ClassBytes(name string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureReader(); err != nil {
		return nil, err
	}

	target := "classes/" + name + ".class"
	for _, file := range l.reader.File {
		if file.Name != target {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("jmod: opening %s: %w", target, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("jmod: class %s not found in %s", name, l.path)
}

// DirLoader reads classes from an exploded classpath directory.
type DirLoader struct {
	root string
}

// NewDirLoader creates a loader rooted at the given directory.
func NewDirLoader(root string) *DirLoader {
	return &DirLoader{root: root}
}

// ClassBytes returns the raw class file for name, resolved as
// <root>/<name>.class.
func (l *DirLoader) ClassBytes(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.root, filepath.FromSlash(name)+".class"))
	if err != nil {
		return nil, fmt.Errorf("classpath: class %s not found: %w", name, err)
	}
	return data, nil
}

// ChainLoader tries each delegate in order and returns the first hit.
// It mirrors the parent-first delegation of a JVM class loader chain:
// put the platform loader before the application one.
type ChainLoader struct {
	loaders []Loader
}

// NewChainLoader composes loaders; earlier entries win.
func NewChainLoader(loaders ...Loader) *ChainLoader {
	return &ChainLoader{loaders: loaders}
}

func (l *ChainLoader) ClassBytes(name string) ([]byte, error) {
	var lastErr error
	for _, d := range l.loaders {
		data, err := d.ClassBytes(name)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("chain: no loaders configured")
	}
	return nil, fmt.Errorf("chain: class %s: %w", name, lastErr)
}
