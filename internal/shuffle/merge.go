package shuffle

import (
	"bytes"
	"container/heap"
	"io"

	"github.com/seqmr/seqmr/pkg/codec"
	"github.com/seqmr/seqmr/pkg/core"
)

// Merger merges individually key-sorted runs into one key-sorted stream.
// Ties are broken by run index, so when runs are opened in upstream task
// order the merged stream preserves the stable order across map outputs.
// Memory is bounded by the number of runs, not the record count.
type Merger struct {
	h runHeap
}

// NewMerger opens one source per reader. Readers must each be key-sorted.
func NewMerger(readers ...*codec.Reader) (*Merger, error) {
	m := &Merger{}
	for i, r := range readers {
		src := &runSource{reader: r, run: i}
		if err := src.advance(); err != nil {
			return nil, err
		}
		if !src.eof {
			m.h = append(m.h, src)
		}
	}
	heap.Init(&m.h)
	return m, nil
}

// Next returns the next record in merged order, or io.EOF.
func (m *Merger) Next() (core.Record, error) {
	if m.h.Len() == 0 {
		return core.Record{}, io.EOF
	}
	src := m.h[0]
	rec := src.head
	if err := src.advance(); err != nil {
		return core.Record{}, err
	}
	if src.eof {
		heap.Pop(&m.h)
	} else {
		heap.Fix(&m.h, 0)
	}
	return rec, nil
}

// Group calls fn once per distinct key with all values in merged order.
func Group(m *Merger, fn func(key []byte, values [][]byte) error) error {
	var key []byte
	var values [][]byte
	for {
		rec, err := m.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if values != nil && !bytes.Equal(rec.Key, key) {
			if err := fn(key, values); err != nil {
				return err
			}
			values = nil
		}
		if values == nil {
			key = rec.Key
		}
		values = append(values, rec.Value)
	}
	if values != nil {
		return fn(key, values)
	}
	return nil
}

type runSource struct {
	reader *codec.Reader
	run    int
	head   core.Record
	eof    bool
}

func (s *runSource) advance() error {
	rec, err := s.reader.Read()
	if err == io.EOF {
		s.eof = true
		return nil
	}
	if err != nil {
		return err
	}
	s.head = rec
	return nil
}

type runHeap []*runSource

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].head.Key, h[j].head.Key); c != 0 {
		return c < 0
	}
	return h[i].run < h[j].run
}

func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *runHeap) Push(x any) { *h = append(*h, x.(*runSource)) }

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	src := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return src
}
