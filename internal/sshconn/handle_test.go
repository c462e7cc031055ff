package sshconn

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, h *pumpHandle) ([]byte, error) {
	t.Helper()
	var got []byte
	buf := make([]byte, 3)
	for {
		n, err := h.TryRead(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			return got, err
		}
		if n == 0 {
			return got, nil
		}
	}
}

func TestPumpHandle_NothingPending(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	h := newPumpHandle(r)

	n, err := h.TryRead(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.NoError(t, err)
}

func TestPumpHandle_DeliversThenEOF(t *testing.T) {
	r, w := io.Pipe()
	h := newPumpHandle(r)

	go func() {
		w.Write([]byte("hello "))
		w.Write([]byte("world"))
		w.Close()
	}()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}

	got, err := drain(t, h)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "hello world", string(got))

	// EOF is sticky.
	_, err = h.TryRead(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestPumpHandle_Error(t *testing.T) {
	r, w := io.Pipe()
	h := newPumpHandle(r)

	boom := errors.New("boom")
	w.Write([]byte("x"))
	w.CloseWithError(boom)
	<-h.Done()

	n, err := h.TryRead(make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = h.TryRead(make([]byte, 4))
	assert.ErrorIs(t, err, boom)
}
