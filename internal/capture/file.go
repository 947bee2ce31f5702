package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxRecordSize bounds a single record when reading.
const MaxRecordSize = 16 << 20

// ErrRecordTooLarge is returned by Reader.Next for an oversized length prefix.
var ErrRecordTooLarge = errors.New("capture record too large")

// Recorder appends records to a writer. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewRecorder writes records to w.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// Create opens path for appending and returns a Recorder on it.
func Create(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return NewRecorder(f), nil
}

// Record appends rec and flushes it.
func (r *Recorder) Record(rec Record) error {
	body := rec.Encode()
	frame := protowire.AppendVarint(make([]byte, 0, len(body)+binary.MaxVarintLen64), uint64(len(body)))
	frame = append(frame, body...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return os.ErrClosed
	}
	if _, err := r.w.Write(frame); err != nil {
		return fmt.Errorf("write capture record: %w", err)
	}
	if err := r.w.Flush(); err != nil {
		return fmt.Errorf("flush capture record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer if it is a Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Flush()
	r.w = nil
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	return err
}

// Reader reads records written by a Recorder.
type Reader struct {
	br *bufio.Reader
}

// NewReader reads records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF after the last one.
// A record cut short by a crash yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Record, error) {
	size, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Record{}, err
	}
	if size > MaxRecordSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r.br, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}

	var rec Record
	if err := rec.Decode(body); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ReadAll reads every record from r.
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var out []Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
