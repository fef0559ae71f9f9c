package funcreg

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceIteratorExhausts(t *testing.T) {
	it := NewSliceIterator([]Pair{{Key: []byte("a")}, {Key: []byte("b")}})
	p1, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, []byte("a"), p1.Key)

	p2, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, []byte("b"), p2.Key)

	_, ok = it.Next()
	require.False(t, ok)
}

func TestCollectDrainsIterator(t *testing.T) {
	pairs := []Pair{{Key: []byte("x"), Value: []byte("1")}, {Key: []byte("y"), Value: []byte("2")}}
	got := Collect(NewSliceIterator(pairs))
	require.Equal(t, pairs, got)
}

func TestMapperRefResolve(t *testing.T) {
	RegisterMapper("funcreg_test.identity", func(_ int, input Iterator) Iterator { return input })

	ref := NewMapperRef("funcreg_test.identity")
	fn, err := ref.Resolve()
	require.NoError(t, err)
	require.NotNil(t, fn)

	out := fn(0, NewSliceIterator([]Pair{{Key: []byte("k")}}))
	p, ok := out.Next()
	require.True(t, ok)
	require.Equal(t, []byte("k"), p.Key)
}

func TestMapperRefResolveUnknownID(t *testing.T) {
	ref := NewMapperRef("funcreg_test.does_not_exist")
	_, err := ref.Resolve()
	require.Error(t, err)
}

func TestRefResolvesOnceAndMemoizes(t *testing.T) {
	calls := 0
	RegisterReducer("funcreg_test.counting_reducer", func(a, b []byte) []byte {
		calls++
		return append(a, b...)
	})

	ref := NewReducerRef("funcreg_test.counting_reducer")
	fn1, err := ref.Resolve()
	require.NoError(t, err)
	fn2, err := ref.Resolve()
	require.NoError(t, err)

	fn1([]byte("a"), []byte("b"))
	fn2([]byte("c"), []byte("d"))
	require.Equal(t, 2, calls, "resolving twice should not re-run the reducer itself, only memoize lookup")
}

func TestMergerRefResolve(t *testing.T) {
	RegisterMerger("funcreg_test.concat_merger", func(left, right []byte) ([]byte, error) {
		return append(append([]byte{}, left...), right...), nil
	})

	ref := NewMergerRef("funcreg_test.concat_merger")
	fn, err := ref.Resolve()
	require.NoError(t, err)

	out, err := fn([]byte("ab"), []byte("cd"))
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), out)
}

func TestPartitionerRefResolve(t *testing.T) {
	RegisterPartitioner("funcreg_test.mod_partitioner", func(key []byte, numPartitions int) int {
		return int(key[0]) % numPartitions
	})

	ref := NewPartitionerRef("funcreg_test.mod_partitioner")
	fn, err := ref.Resolve()
	require.NoError(t, err)
	require.Equal(t, int('a')%4, fn([]byte("a"), 4))
}

// TestRefSurvivesGobRoundTrip confirms only ID and Params cross the wire;
// the lazy-resolution cell is always rebuilt fresh on the receiving side.
func TestRefSurvivesGobRoundTrip(t *testing.T) {
	RegisterMapper("funcreg_test.roundtrip", func(_ int, input Iterator) Iterator { return input })

	ref := NewMapperRef("funcreg_test.roundtrip")
	ref.Params = []byte(`{"k":1}`)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(ref))

	var decoded MapperRef
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))

	require.Equal(t, ref.ID, decoded.ID)
	require.Equal(t, ref.Params, decoded.Params)

	fn, err := decoded.Resolve()
	require.NoError(t, err)
	require.NotNil(t, fn)
}
