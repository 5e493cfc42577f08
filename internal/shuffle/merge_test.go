package shuffle

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seqmr/seqmr/pkg/codec"
	"github.com/seqmr/seqmr/pkg/core"
)

func encodeRun(t *testing.T, records []core.Record) *codec.Reader {
	t.Helper()
	data, err := codec.EncodeAll(records)
	require.NoError(t, err)
	return codec.NewReader(bytes.NewReader(data))
}

func drain(t *testing.T, m *Merger) []core.Record {
	t.Helper()
	var out []core.Record
	for {
		rec, err := m.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestMerger_MergesSortedRuns(t *testing.T) {
	m, err := NewMerger(
		encodeRun(t, []core.Record{
			{Key: []byte("a"), Value: []byte("1")},
			{Key: []byte("c"), Value: []byte("3")},
		}),
		encodeRun(t, []core.Record{
			{Key: []byte("b"), Value: []byte("2")},
			{Key: []byte("d"), Value: []byte("4")},
		}),
	)
	require.NoError(t, err)

	out := drain(t, m)
	require.Len(t, out, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		require.Equal(t, want, string(out[i].Key))
	}
}

func TestMerger_TiesBreakByRunOrder(t *testing.T) {
	// Equal keys come out in the order the runs were opened, which is
	// upstream task order.
	m, err := NewMerger(
		encodeRun(t, []core.Record{{Key: []byte("k"), Value: []byte("run0")}}),
		encodeRun(t, []core.Record{{Key: []byte("k"), Value: []byte("run1")}}),
		encodeRun(t, []core.Record{{Key: []byte("k"), Value: []byte("run2")}}),
	)
	require.NoError(t, err)

	out := drain(t, m)
	require.Len(t, out, 3)
	for i, want := range []string{"run0", "run1", "run2"} {
		require.Equal(t, want, string(out[i].Value))
	}
}

func TestMerger_EmptyRunsAreSkipped(t *testing.T) {
	m, err := NewMerger(
		encodeRun(t, nil),
		encodeRun(t, []core.Record{{Key: []byte("a"), Value: []byte("1")}}),
		encodeRun(t, nil),
	)
	require.NoError(t, err)

	out := drain(t, m)
	require.Len(t, out, 1)
	require.Equal(t, "a", string(out[0].Key))
}

func TestMerger_NoRuns(t *testing.T) {
	m, err := NewMerger()
	require.NoError(t, err)
	_, err = m.Next()
	require.Equal(t, io.EOF, err)
}

func TestGroup_CollectsValuesPerKey(t *testing.T) {
	m, err := NewMerger(
		encodeRun(t, []core.Record{
			{Key: []byte("a"), Value: []byte("1")},
			{Key: []byte("b"), Value: []byte("2")},
		}),
		encodeRun(t, []core.Record{
			{Key: []byte("a"), Value: []byte("3")},
			{Key: []byte("c"), Value: []byte("4")},
		}),
	)
	require.NoError(t, err)

	groups := make(map[string][]string)
	var order []string
	err = Group(m, func(key []byte, values [][]byte) error {
		order = append(order, string(key))
		for _, v := range values {
			groups[string(key)] = append(groups[string(key)], string(v))
		}
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Equal(t, []string{"1", "3"}, groups["a"])
	require.Equal(t, []string{"2"}, groups["b"])
	require.Equal(t, []string{"4"}, groups["c"])
}

func TestGroup_EmptyStream(t *testing.T) {
	m, err := NewMerger()
	require.NoError(t, err)

	called := false
	err = Group(m, func([]byte, [][]byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
}
