package diagnostics

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// bundleSink receives the members of one bundle.
type bundleSink interface {
	Add(name string, data []byte) error
	Close() error
	Path() string
}

type zipSink struct {
	path string
	f    *os.File
	zw   *zip.Writer
}

func newZipSink(path string) (*zipSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle %s: %w", path, err)
	}
	return &zipSink{path: path, f: f, zw: zip.NewWriter(f)}, nil
}

func (s *zipSink) Add(name string, data []byte) error {
	w, err := s.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *zipSink) Close() error {
	zipErr := s.zw.Close()
	fileErr := s.f.Close()
	if zipErr != nil {
		return fmt.Errorf("finish bundle: %w", zipErr)
	}
	return fileErr
}

func (s *zipSink) Path() string { return s.path }

type dirSink struct {
	path string
}

func newDirSink(path string) (*dirSink, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory %s: %w", path, err)
	}
	return &dirSink{path: path}, nil
}

func (s *dirSink) Add(name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(s.path, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *dirSink) Close() error { return nil }

func (s *dirSink) Path() string { return s.path }
