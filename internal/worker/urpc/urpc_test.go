package urpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("payload")))

	// readFrame expects a command-length prefix too; simulate a full
	// frame by writing command then payload through the same helpers.
	var full bytes.Buffer
	require.NoError(t, writeFrame(&full, []byte("require_buffer")))
	require.NoError(t, writeFrame(&full, []byte("body")))

	frame, err := readFrame(&full)
	require.NoError(t, err)
	require.Equal(t, "require_buffer", frame.Command)
	require.Equal(t, []byte("body"), frame.Payload)
}
