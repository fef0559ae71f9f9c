package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The pool re-execs this test binary as its worker processes; Init diverts a
// re-exec'd child into the worker loop before the test framework starts
// running tests of its own.
func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

const kindEcho = "worker_test.echo"
const kindUppercase = "worker_test.uppercase"
const kindFail = "worker_test.fail"

func init() {
	RegisterExecutor(kindEcho, func(payload []byte) ([]byte, error) { return payload, nil })
	RegisterExecutor(kindUppercase, func(payload []byte) ([]byte, error) {
		return bytes.ToUpper(payload), nil
	})
	RegisterExecutor(kindFail, func(payload []byte) ([]byte, error) {
		return nil, errors.New("deliberate failure")
	})
}

func TestPoolSubmitRoundTrips(t *testing.T) {
	pool, err := NewPool(1, "")
	require.NoError(t, err)
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := pool.Submit(ctx, kindUppercase, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("HELLO"), out)
}

func TestPoolSubmitAllPreservesOrder(t *testing.T) {
	pool, err := NewPool(3, "")
	require.NoError(t, err)
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	results, err := pool.SubmitAll(ctx, kindEcho, payloads)
	require.NoError(t, err)
	require.Equal(t, payloads, results)
}

func TestPoolSubmitUnknownKindFails(t *testing.T) {
	pool, err := NewPool(1, "")
	require.NoError(t, err)
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = pool.Submit(ctx, "worker_test.no_such_kind", []byte("x"))
	require.Error(t, err)
}

func TestPoolSubmitExecutorError(t *testing.T) {
	pool, err := NewPool(1, "")
	require.NoError(t, err)
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = pool.Submit(ctx, kindFail, []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "deliberate failure")
}

func TestPoolStopIsIdempotent(t *testing.T) {
	pool, err := NewPool(1, "")
	require.NoError(t, err)
	pool.Stop()
	pool.Stop() // must not panic or double-close
}
