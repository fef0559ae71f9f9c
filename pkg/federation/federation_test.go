package federation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/fedstandalone/pkg/config"
	"github.com/cuemby/fedstandalone/pkg/funcreg"
	"github.com/cuemby/fedstandalone/pkg/session"
	"github.com/cuemby/fedstandalone/pkg/worker"
)

func TestMain(m *testing.M) {
	worker.Init()
	os.Exit(m.Run())
}

const idFederationTestPartitioner = "federation_test.mod_partitioner"

func init() {
	funcreg.RegisterPartitioner(idFederationTestPartitioner, func(key []byte, numPartitions int) int {
		if len(key) == 0 {
			return 0
		}
		return int(key[0]) % numPartitions
	})
}

func newTestFederation(t *testing.T) (*Federation, *session.Session) {
	t.Helper()
	cfg := config.Config{
		DataRoot:          t.TempDir(),
		MaxMessageSize:    config.DefaultMessageMaxSize,
		CatalogPartitions: config.DefaultCatalogPartitions,
		WorkerCount:       1,
	}
	sess, err := session.New(cfg, "sess-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Stop() })

	party := Party{Role: "guest", ID: "9999"}
	fed := New(sess, cfg, "sess-1", party)
	t.Cleanup(func() { _ = fed.Destroy() })
	return fed, sess
}

func testCtx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

// A Federation talking to itself exercises the full Remote/Get plumbing
// (status table, object table, acks) without needing a second bbolt handle
// on the same underlying file, which a genuinely separate party would
// require a separate OS process for.
func TestRemoteGetSmallObjectRoundTrip(t *testing.T) {
	fed, _ := newTestFederation(t)
	self := fed.party

	require.NoError(t, fed.Remote(testCtx(t), Value{Bytes: []byte("hello")}, "name1", "tag1", []Party{self}))

	got, err := fed.Get(testCtx(t), "name1", "tag1", []Party{self})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("hello"), got[0].Bytes)
	require.Nil(t, got[0].Table)
}

func TestRemoteGetLargeObjectSplitsAndRejoins(t *testing.T) {
	cfg := config.Config{DataRoot: t.TempDir(), WorkerCount: 1, MaxMessageSize: 8}
	sess, err := session.New(cfg, "sess-split")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Stop() })

	self := Party{Role: "host", ID: "1"}
	fed := New(sess, cfg, "sess-split", self)
	t.Cleanup(func() { _ = fed.Destroy() })

	payload := []byte("this payload is much longer than eight bytes")
	require.NoError(t, fed.Remote(testCtx(t), Value{Bytes: payload}, "big", "t", []Party{self}))

	got, err := fed.Get(testCtx(t), "big", "t", []Party{self})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, payload, got[0].Bytes)
}

func TestRemoteGetTableValue(t *testing.T) {
	fed, sess := newTestFederation(t)
	self := fed.party

	tbl, err := sess.CreateTable("src", sess.ID(), session.CreateTableOptions{
		Partitions: 2, Partitioner: funcreg.NewPartitionerRef(idFederationTestPartitioner),
	})
	require.NoError(t, err)
	require.NoError(t, tbl.Put([]byte("a"), []byte("1")))

	require.NoError(t, fed.Remote(testCtx(t), Value{Table: tbl}, "tbl-name", "t", []Party{self}))

	got, err := fed.Get(testCtx(t), "tbl-name", "t", []Party{self})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Table)

	v, found, err := got[0].Table.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)
}

func TestGetConsumesStatusAndObjectEntries(t *testing.T) {
	fed, _ := newTestFederation(t)
	self := fed.party

	require.NoError(t, fed.Remote(testCtx(t), Value{Bytes: []byte("once")}, "n", "t", []Party{self}))

	_, err := fed.Get(testCtx(t), "n", "t", []Party{self})
	require.NoError(t, err)

	// Receipt acknowledges by deleting both entries, so a second Get finds
	// nothing and polls until its deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = fed.Get(ctx, "n", "t", []Party{self})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetTimesOutWhenNeverSent(t *testing.T) {
	fed, _ := newTestFederation(t)
	other := Party{Role: "host", ID: "absent"}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := fed.Get(ctx, "never", "sent", []Party{other})
	require.Error(t, err)
}

func TestRemoteRejectsNilValue(t *testing.T) {
	fed, _ := newTestFederation(t)
	err := fed.Remote(testCtx(t), Value{}, "n", "t", []Party{fed.party})
	require.Error(t, err)
}

func TestFederationKeyIncludesAllComponents(t *testing.T) {
	fed, _ := newTestFederation(t)
	src := Party{Role: "guest", ID: "1"}
	dst := Party{Role: "host", ID: "2"}

	key := fed.federationKey("name", "tag", src, dst)
	require.Equal(t, "sess-1-name-tag-guest-1-host-2", key)
}

func TestSplitBytesChunksByMaxMessageSize(t *testing.T) {
	pairs := splitBytes([]byte("abcdefghij"), 4)
	require.Len(t, pairs, 3)
	require.Equal(t, []byte("abcd"), pairs[0].Value)
	require.Equal(t, []byte("efgh"), pairs[1].Value)
	require.Equal(t, []byte("ij"), pairs[2].Value)
}

func TestSplitBytesSingleChunkWhenUnderLimit(t *testing.T) {
	pairs := splitBytes([]byte("ab"), 4)
	require.Len(t, pairs, 1)
}
