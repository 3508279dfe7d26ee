package domain

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out its data in fixed-size pieces.
type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.chunk, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// shortWriter accepts at most limit bytes per call.
type shortWriter struct {
	bytes.Buffer
	limit int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.limit {
		p = p[:w.limit]
	}
	return w.Buffer.Write(p)
}

func TestBufferFillRefusesWhileFull(t *testing.T) {
	b := NewBuffer(make([]byte, 8))
	n, err := b.Fill(bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.Empty())

	_, err = b.Fill(bytes.NewReader([]byte("def")))
	assert.ErrorIs(t, err, ErrBufferBusy)
	assert.Equal(t, []byte("abc"), b.Bytes())
}

func TestBufferFlushKeepsRemainderOnShortWrite(t *testing.T) {
	b := NewBuffer(make([]byte, 16))
	require.NoError(t, b.Load([]byte("0123456789")))

	w := &shortWriter{limit: 4}
	for !b.Empty() {
		_, err := b.Flush(w)
		require.NoError(t, err)
	}
	assert.Equal(t, "0123456789", w.String())

	n, err := b.Flush(w)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "0123456789", w.String())
}

func TestBufferAppendAccumulates(t *testing.T) {
	b := NewBuffer(make([]byte, 8))
	r := &chunkReader{data: []byte("abcdef"), chunk: 2}

	for i := 0; i < 3; i++ {
		_, err := b.Append(r)
		require.NoError(t, err)
	}
	assert.Equal(t, []byte("abcdef"), b.Bytes())

	b.Consume(2)
	assert.Equal(t, []byte("cdef"), b.Bytes())

	_, err := b.Append(bytes.NewReader([]byte("ghij")))
	require.NoError(t, err)
	assert.Equal(t, []byte("cdefghij"), b.Bytes())

	_, err = b.Append(bytes.NewReader([]byte("k")))
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

func TestBufferLoad(t *testing.T) {
	b := NewBuffer(make([]byte, 4))
	assert.ErrorIs(t, b.Load([]byte("too long")), ErrBufferOverflow)
	require.NoError(t, b.Load([]byte{0x05, 0x00}))
	assert.ErrorIs(t, b.Load([]byte{0x05}), ErrBufferBusy)
	b.Consume(5)
	assert.True(t, b.Empty())
	assert.Equal(t, 4, b.Cap())
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "done"},
		{ErrPeerClosed, "eof"},
		{ErrRejected, "rejected"},
		{ErrProtocolViolation, "protocol"},
		{ErrConnectFailed, "connect"},
		{ErrResolution, "resolution"},
		{io.ErrUnexpectedEOF, "io"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, CloseReason(tt.err))
		})
	}
}
