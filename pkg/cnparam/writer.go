package cnparam

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Writer appends records to a container. The magic is written when the writer is
// created, so a container with no records is still valid.
type Writer struct {
	w       *bufio.Writer
	closer  io.Closer
	written int64
	records int
	closed  bool
}

// NewWriter writes the container magic to w and returns a Writer for its records.
// Close flushes buffered data but does not close w.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := &Writer{w: bufio.NewWriter(w)}
	if err := binary.Write(cw.w, binary.LittleEndian, Magic); err != nil {
		return nil, errors.Wrap(err, "failed to write magic")
	}
	cw.written = magicSize
	return cw, nil
}

// Create creates (or truncates) the file at path and writes the container magic.
// Close flushes and closes the file.
func Create(path string) (*Writer, error) {
	//nolint:gosec // G304: output path is chosen by the user
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", path)
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// WriteRecord encodes one record. Tensor data is always written as float32.
func (w *Writer) WriteRecord(r *Record) error {
	if w.closed {
		return ErrClosed
	}
	if err := r.Validate(); err != nil {
		return err
	}

	header := [2]uint32{uint32(len(r.Name)), uint32(len(r.Tensors))}
	if err := binary.Write(w.w, binary.LittleEndian, header); err != nil {
		return errors.Wrapf(err, "failed to write header of %q", r.Name)
	}
	if _, err := w.w.WriteString(r.Name); err != nil {
		return errors.Wrapf(err, "failed to write name of %q", r.Name)
	}
	for i, t := range r.Tensors {
		if err := writeTensor(w.w, t); err != nil {
			return errors.Wrapf(err, "failed to write tensor %d of %q", i, r.Name)
		}
	}
	w.written += r.EncodedSize()
	w.records++
	return nil
}

func writeTensor(w io.Writer, t *Tensor) error {
	extents := [4]uint64{t.Count, t.Width, t.Height, t.Channels}
	if err := binary.Write(w, binary.LittleEndian, extents); err != nil {
		return err
	}
	if len(t.Data) == 0 {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, t.Data)
}

// Records returns how many records have been written.
func (w *Writer) Records() int { return w.records }

// Size returns the number of bytes written so far, magic included.
func (w *Writer) Size() int64 { return w.written }

// Close flushes buffered data and closes the underlying file when the writer owns one.
// It is safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.w.Flush()
	if err != nil {
		err = errors.Wrap(err, "failed to flush container")
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close container")
		}
	}
	return err
}

// WriteFile writes a complete container holding records to path. Every record is
// validated before anything is written, and the container is built in a temporary
// file that replaces path only once it is complete, so path may be the file the
// records were read from.
func WriteFile(path string, records []*Record) (err error) {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to set permissions of %q", tmp)
	}

	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	w.closer = f
	for _, r := range records {
		if err = w.WriteRecord(r); err != nil {
			_ = w.Close()
			return err
		}
	}
	if err = w.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to replace %q", path)
	}
	return nil
}
