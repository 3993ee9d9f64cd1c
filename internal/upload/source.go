package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// Source is a handle on locally selected content. Size may be unknown (-1);
// the pipeline then measures the content by reading it.
type Source interface {
	Name() string
	Mime() string
	Size() (int64, error)
	Open() (io.ReadCloser, error)

	// OrientationHint is an externally reported EXIF orientation (1..8),
	// 0 when unknown. Lets image jobs skip a metadata pass.
	OrientationHint() int
}

// FileSource reads content from a local path.
type FileSource struct {
	Path        string
	MimeType    string // optional; inferred from the extension when empty
	Orientation int
}

func (f *FileSource) Name() string { return filepath.Base(f.Path) }

func (f *FileSource) Mime() string {
	if f.MimeType != "" {
		return f.MimeType
	}
	if mt := mime.TypeByExtension(filepath.Ext(f.Path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func (f *FileSource) Size() (int64, error) {
	st, err := os.Stat(f.Path)
	if err != nil {
		return -1, fmt.Errorf("stat %s: %w", f.Path, err)
	}
	if st.IsDir() {
		return -1, fmt.Errorf("%s is a directory", f.Path)
	}
	return st.Size(), nil
}

func (f *FileSource) Open() (io.ReadCloser, error) {
	rc, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}
	return rc, nil
}

func (f *FileSource) OrientationHint() int { return f.Orientation }

// BytesSource serves content already held in memory (pasted images,
// share-sheet payloads).
type BytesSource struct {
	FileName    string
	MimeType    string
	Data        []byte
	Orientation int
}

func (b *BytesSource) Name() string { return b.FileName }

func (b *BytesSource) Mime() string {
	if b.MimeType != "" {
		return b.MimeType
	}
	return "application/octet-stream"
}

func (b *BytesSource) Size() (int64, error) { return int64(len(b.Data)), nil }

func (b *BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

func (b *BytesSource) OrientationHint() int { return b.Orientation }

// readAll drains a source into memory. Used for in-band payloads and image
// normalization, both of which are bounded by the size thresholds.
func readAll(src Source) ([]byte, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// measure determines content size by reading it, for sources whose metadata
// cannot report one.
func measure(src Source) (int64, error) {
	rc, err := src.Open()
	if err != nil {
		return -1, err
	}
	defer rc.Close()
	n, err := io.Copy(io.Discard, rc)
	if err != nil {
		return -1, fmt.Errorf("measure content: %w", err)
	}
	return n, nil
}
