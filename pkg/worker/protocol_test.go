package worker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	task := Task{Kind: "t", Payload: []byte("payload")}
	require.NoError(t, writeFrame(&buf, &task))

	var decoded Task
	require.NoError(t, readFrame(&buf, &decoded))
	require.Equal(t, task, decoded)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // huge length prefix, no body

	var decoded Task
	err := readFrame(&buf, &decoded)
	require.Error(t, err)
}

func TestRegisterAndLookupExecutor(t *testing.T) {
	RegisterExecutor("worker_test.protocol_lookup", func(p []byte) ([]byte, error) { return p, nil })

	fn, ok := lookupExecutor("worker_test.protocol_lookup")
	require.True(t, ok)
	out, err := fn([]byte("z"))
	require.NoError(t, err)
	require.Equal(t, []byte("z"), out)

	_, ok = lookupExecutor("worker_test.never_registered")
	require.False(t, ok)
}
