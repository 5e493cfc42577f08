// Package codec implements the key-sorted record stream format used
// between stages. A record is one line: escaped key, tab, escaped value.
// Escaping lets keys and values carry arbitrary bytes, including tabs and
// newlines, while keeping partition files line-oriented and inspectable.
package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/seqmr/seqmr/pkg/core"
)

const defaultBufferSize = 1024 * 1024 // 1MB

// Escape replaces bytes that collide with the framing characters.
func Escape(b []byte) []byte {
	n := 0
	for _, c := range b {
		switch c {
		case '\\', '\t', '\n', '\r':
			n++
		}
	}
	if n == 0 {
		return b
	}
	out := make([]byte, 0, len(b)+n)
	for _, c := range b {
		switch c {
		case '\\':
			out = append(out, '\\', '\\')
		case '\t':
			out = append(out, '\\', 't')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		default:
			out = append(out, c)
		}
	}
	return out
}

// Unescape reverses Escape. It always returns a fresh slice.
func Unescape(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(b) {
			return nil, fmt.Errorf("truncated escape sequence")
		}
		switch b[i] {
		case '\\':
			out = append(out, '\\')
		case 't':
			out = append(out, '\t')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		default:
			return nil, fmt.Errorf("unknown escape sequence \\%c", b[i])
		}
	}
	return out, nil
}

// Writer encodes records onto an underlying stream.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, defaultBufferSize)}
}

func (w *Writer) Write(rec core.Record) error {
	if _, err := w.w.Write(Escape(rec.Key)); err != nil {
		return err
	}
	if err := w.w.WriteByte('\t'); err != nil {
		return err
	}
	if _, err := w.w.Write(Escape(rec.Value)); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Reader decodes records from an underlying stream. Read returns io.EOF
// after the last record.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, defaultBufferSize)}
}

func (r *Reader) Read() (core.Record, error) {
	line, err := r.r.ReadBytes('\n')
	if err == io.EOF && len(line) == 0 {
		return core.Record{}, io.EOF
	}
	if err != nil && err != io.EOF {
		return core.Record{}, err
	}
	line = bytes.TrimSuffix(line, []byte{'\n'})

	// Escaped tabs never appear raw, so the first tab is the delimiter.
	sep := bytes.IndexByte(line, '\t')
	if sep < 0 {
		return core.Record{}, fmt.Errorf("malformed record: no field delimiter")
	}
	key, err := Unescape(line[:sep])
	if err != nil {
		return core.Record{}, fmt.Errorf("malformed record key: %w", err)
	}
	value, err := Unescape(line[sep+1:])
	if err != nil {
		return core.Record{}, fmt.Errorf("malformed record value: %w", err)
	}
	return core.Record{Key: key, Value: value}, nil
}

// EncodeAll serializes a record slice to a single byte buffer, used for
// cache entries.
func EncodeAll(recs []core.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAll reverses EncodeAll.
func DecodeAll(data []byte) ([]core.Record, error) {
	r := NewReader(bytes.NewReader(data))
	var recs []core.Record
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}
