package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	cases := []Packet{
		{Command: CmdRequest},
		{Command: CmdMethod, Payload: PutUint32(uint32(2))},
		{Command: CmdHeader, Payload: PutNameValue("Content-Type", "text/plain")},
		{Command: CmdLength, Payload: PutUint64(1 << 40)},
		{Command: CmdStatus, Payload: PutUint16(404)},
		{Command: CmdMetric, Payload: PutMetric("latency_ms", 12.5)},
		{Command: CmdData, Payload: nil},
	}
	var buf bytes.Buffer
	for _, p := range cases {
		require.NoError(t, Write(&buf, p))
	}
	for _, want := range cases {
		got, err := Read(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Command, got.Command)
		assert.Equal(t, want.Payload, got.Payload)
	}
}

func TestReadRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a header claiming the maximum u16 length without the
	// payload to match; Read must reject it before trying to allocate or
	// block reading bytes that will never arrive.
	buf.Write([]byte{0, 0, 0xff, 0xff})
	_, err := Read(&buf)
	require.Error(t, err)
}

func TestNameValueRoundTrip(t *testing.T) {
	payload := PutNameValue("X-Request-Id", "abc-123")
	name, value, err := NameValue(payload)
	require.NoError(t, err)
	assert.Equal(t, "X-Request-Id", name)
	assert.Equal(t, "abc-123", value)
}

func TestNameValueMissingSeparator(t *testing.T) {
	_, _, err := NameValue([]byte("no-separator-here"))
	require.Error(t, err)
}

func TestMetricRoundTrip(t *testing.T) {
	payload := PutMetric("queue_depth", 3.25)
	name, value, err := Metric(payload)
	require.NoError(t, err)
	assert.Equal(t, "queue_depth", name)
	assert.Equal(t, float32(3.25), value)
}

func TestUint64RejectsWrongWidth(t *testing.T) {
	_, err := Uint64([]byte{1, 2, 3})
	require.Error(t, err)
}
