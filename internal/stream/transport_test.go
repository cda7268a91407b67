package stream

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agentsession/internal/events"
)

func newTestSSEConn(body string) *sseConn {
	r := strings.NewReader(body)
	return &sseConn{body: io.NopCloser(r), reader: bufio.NewReader(r), cancel: func() {}}
}

func TestSSELineEndings(t *testing.T) {
	conn := newTestSSEConn(
		"data: {\"type\":\"Task\",\"content\":\"cr only\"}\r\r" +
			"data: {\"type\":\"Task\",\"content\":\"crlf\"}\r\n\r\n" +
			"data: {\"type\":\"Task\",\"content\":\"lf\"}\n\n")

	for _, want := range []string{"cr only", "crlf", "lf"} {
		ev, err := conn.Next()
		require.NoError(t, err)
		assert.Equal(t, want, ev.ContentText())
	}
	_, err := conn.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEBareDataField(t *testing.T) {
	conn := newTestSSEConn(
		"data\n\n" +
			"data: {\"type\":\"Task\",\r" +
			"data\r" +
			"data:\"content\":\"bare\"}\r\r")

	ev, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, events.TypeTask, ev.Type)
	assert.Equal(t, "bare", ev.ContentText())
}
