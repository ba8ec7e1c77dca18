package cnparam

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Reader decodes records from a container.
type Reader struct {
	r      *bufio.Reader
	offset int64
}

// NewReader reads and checks the container magic.
func NewReader(r io.Reader) (*Reader, error) {
	cr := &Reader{r: bufio.NewReader(r)}
	var magic uint64
	if err := binary.Read(cr.r, binary.LittleEndian, &magic); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrap(ErrInvalidMagic, "container too short")
		}
		return nil, errors.Wrap(err, "failed to read magic")
	}
	if magic != Magic {
		return nil, errors.Wrapf(ErrInvalidMagic, "got %#x", magic)
	}
	cr.offset = magicSize
	return cr, nil
}

// ReadRecord decodes the next record. It returns io.EOF when the container ends cleanly
// on a record boundary and io.ErrUnexpectedEOF when a record is truncated.
func (r *Reader) ReadRecord() (*Record, error) {
	var header [2]uint32
	if err := binary.Read(r.r, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(err, "failed to read record header at offset %d", r.offset)
	}
	nameLen, count := header[0], header[1]
	if count == 0 || count > MaxTensorsPerRecord {
		return nil, errors.Wrapf(ErrInvalidRecord, "tensor count %d at offset %d", count, r.offset)
	}

	var name bytes.Buffer
	if n, err := io.CopyN(&name, r.r, int64(nameLen)); err != nil {
		if n < int64(nameLen) && errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrapf(err, "failed to read record name at offset %d", r.offset)
	}
	rec := &Record{Name: name.String(), Tensors: make([]*Tensor, 0, count)}
	for i := uint32(0); i < count; i++ {
		t, err := readTensor(r.r)
		if err != nil {
			return nil, errors.Wrapf(err, "record %q tensor %d", rec.Name, i)
		}
		rec.Tensors = append(rec.Tensors, t)
	}
	r.offset += rec.EncodedSize()
	return rec, nil
}

// readChunk is the number of elements decoded per read.
const readChunk = 1 << 16

func readTensor(r io.Reader) (*Tensor, error) {
	var extents [4]uint64
	if err := binary.Read(r, binary.LittleEndian, &extents); err != nil {
		return nil, unexpected(err)
	}
	t := &Tensor{Count: extents[0], Width: extents[1], Height: extents[2], Channels: extents[3]}
	n, err := t.NumElements()
	if err != nil {
		return nil, err
	}
	if n > MaxTensorElements {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s has %d elements, limit is %d", t.ShapeString(), n, MaxTensorElements)
	}
	if t.Data, err = readData(r, n); err != nil {
		return nil, err
	}
	return t, nil
}

// readData decodes n float32 values chunk by chunk, so the slice only grows with the
// bytes actually read.
func readData(r io.Reader, n uint64) ([]float32, error) {
	data := make([]float32, 0, min(n, readChunk))
	buf := make([]byte, min(n, readChunk)*elementSize)
	for remaining := n; remaining > 0; {
		k := min(remaining, readChunk)
		chunk := buf[:k*elementSize]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, unexpected(err)
		}
		for i := 0; i < len(chunk); i += elementSize {
			data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(chunk[i:])))
		}
		remaining -= k
	}
	return data, nil
}

// Offset returns the number of bytes consumed so far, magic included.
func (r *Reader) Offset() int64 { return r.offset }

// ReadAll decodes every remaining record.
func (r *Reader) ReadAll() ([]*Record, error) {
	var records []*Record
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// ReadFile decodes the whole container at path.
func ReadFile(path string) ([]*Record, error) {
	//nolint:gosec // G304: input path is chosen by the user
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q", path)
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.WithMessagef(err, "%q", path)
	}
	return records, nil
}

// unexpected turns a clean EOF inside a record into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
