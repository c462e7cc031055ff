package reader

import (
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/smartshell/internal/output"
)

// scriptedHandle hands out queued chunks, one per TryRead, and then reports
// nothing pending, EOF or a fixed error.
type scriptedHandle struct {
	mu     sync.Mutex
	chunks [][]byte
	eof    bool
	err    error
	reads  int
}

func (h *scriptedHandle) push(chunks ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range chunks {
		h.chunks = append(h.chunks, []byte(c))
	}
}

func (h *scriptedHandle) close() {
	h.mu.Lock()
	h.eof = true
	h.mu.Unlock()
}

func (h *scriptedHandle) TryRead(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads++

	if len(h.chunks) == 0 {
		if h.err != nil {
			return 0, h.err
		}
		if h.eof {
			return 0, io.EOF
		}
		return 0, nil
	}

	n := copy(p, h.chunks[0])
	if n < len(h.chunks[0]) {
		h.chunks[0] = h.chunks[0][n:]
	} else {
		h.chunks = h.chunks[1:]
	}
	return n, nil
}

func TestReadBytes_ExactCountWithoutDeadline(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("hello world")
	r := New(primary, nil)

	buf, err := r.ReadBytes(5, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.All())

	buf, err = r.ReadBytes(6, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, " world", buf.All())
}

func TestReadBytes_PartialOnDeadline(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("abc")
	r := New(primary, nil)

	start := time.Now()
	buf, err := r.ReadBytes(10, ReadOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err, "deadline exhaustion is not an error")
	assert.Equal(t, "abc", buf.All())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReadBytes_ArrivesLater(t *testing.T) {
	primary := &scriptedHandle{}
	r := New(primary, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		primary.push("xy", "z")
	}()

	buf, err := r.ReadBytes(3, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "xyz", buf.All())
}

func TestReadBytes_Zero(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("data")
	r := New(primary, nil)

	buf, err := r.ReadBytes(0, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 0, primary.reads)
}

func TestReadUntilEndMarker_SplitAcrossChunks(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("output\n#:MK", "R#")
	r := New(primary, nil)

	buf, err := r.ReadUntilEndMarker("#:MKR#", ReadOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "output\n#:MKR#", buf.All())
	assert.Equal(t, 2, buf.Len())
}

func TestReadUntilEndMarker_TrailingContentDoesNotMatch(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("abc#:MKR#\nmore")
	r := New(primary, nil)

	buf, err := r.ReadUntilEndMarker("#:MKR#", ReadOptions{Timeout: 40 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "abc#:MKR#\nmore", buf.All())
}

func TestReadUntilMarker_Anywhere(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("before ", "MARK", " after", "never read")
	r := New(primary, nil)

	buf, err := r.ReadUntilMarker("MARK", ReadOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "before MARK", buf.All())

	buf, err = r.ReadUntilMarker("after", ReadOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, " after", buf.All())
}

func TestReadUntilMarker_StraddlesChannels(t *testing.T) {
	primary := &scriptedHandle{}
	diagnostic := &scriptedHandle{}
	primary.push("MA")
	r := New(primary, diagnostic)

	go func() {
		time.Sleep(10 * time.Millisecond)
		diagnostic.push("RK")
	}()

	buf, err := r.ReadUntilMarker("MARK", ReadOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "MARK", buf.All())
	assert.Equal(t, "MA", buf.Channel(output.Primary))
	assert.Equal(t, "RK", buf.Channel(output.Diagnostic))
}

func TestReadUntilExpression(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("echo $0\r\n", "-bash\r\n", "$ ")
	r := New(primary, nil)

	re := regexp.MustCompile(`(?m)echo \$0[ \t]*\n(-?[^\s]+)[ \t]*\n`)
	buf, err := r.ReadUntilExpression(re, ReadOptions{Timeout: time.Second, NormalizeEOL: true})
	require.NoError(t, err)
	assert.Equal(t, "echo $0\n-bash\n", buf.All())

	m := re.FindStringSubmatch(buf.All())
	require.Len(t, m, 2)
	assert.Equal(t, "-bash", m[1])
}

func TestReadUntilExpression_Nil(t *testing.T) {
	r := New(&scriptedHandle{}, nil)
	_, err := r.ReadUntilExpression(nil, ReadOptions{})
	assert.Error(t, err)
}

func TestRead_DiagnosticPolledBeforePrimary(t *testing.T) {
	primary := &scriptedHandle{}
	diagnostic := &scriptedHandle{}
	primary.push("out")
	diagnostic.push("err")
	r := New(primary, diagnostic)

	buf, err := r.ReadBytes(6, ReadOptions{})
	require.NoError(t, err)

	records := buf.Records()
	require.Len(t, records, 2)
	assert.Equal(t, output.Diagnostic, records[0].Channel)
	assert.Equal(t, output.Primary, records[1].Channel)
	assert.Equal(t, "errout", buf.All())
}

func TestRead_StreamSelection(t *testing.T) {
	primary := &scriptedHandle{}
	diagnostic := &scriptedHandle{}
	primary.push("out")
	diagnostic.push("err")
	r := New(primary, diagnostic)

	buf, err := r.ReadUntilPause(20*time.Millisecond, ReadOptions{Stream: output.PrimaryOnly})
	require.NoError(t, err)
	assert.Equal(t, "out", buf.All())
	assert.Equal(t, 0, diagnostic.reads)

	buf, err = r.ReadUntilPause(20*time.Millisecond, ReadOptions{Stream: output.DiagnosticOnly})
	require.NoError(t, err)
	assert.Equal(t, "err", buf.All())
}

func TestRead_NoHandleForStream(t *testing.T) {
	r := New(&scriptedHandle{}, nil)

	_, err := r.ReadBytes(1, ReadOptions{Stream: output.DiagnosticOnly})
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestRead_NormalizeEOL(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("a\r\nb\r\n")
	r := New(primary, nil)

	buf, err := r.ReadUntilMarker("b\n", ReadOptions{Timeout: time.Second, NormalizeEOL: true})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", buf.All())
}

func TestReadUntilPause(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("a", "b")
	r := New(primary, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		primary.push("c")
	}()

	start := time.Now()
	buf, err := r.ReadUntilPause(60*time.Millisecond, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc", buf.All())
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWaitForContent(t *testing.T) {
	primary := &scriptedHandle{}
	r := New(primary, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		primary.push("Last login: today\n", "$ ")
	}()

	buf, err := r.WaitForContent(30*time.Millisecond, ReadOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "Last login: today\n$ ", buf.All())
}

func TestRead_DeadlineWithNoData(t *testing.T) {
	r := New(&scriptedHandle{}, &scriptedHandle{})

	start := time.Now()
	buf, err := r.ReadUntilMarker("never", ReadOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Size())

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond, "sleep must be clipped to the deadline")
}

func TestRead_IdlePollsAreBackedOff(t *testing.T) {
	primary := &scriptedHandle{}
	r := New(primary, nil)

	_, err := r.ReadUntilMarker("never", ReadOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	// 1+2+4+8+16 ms then 25 ms steps: roughly a dozen polls, never thousands.
	assert.Less(t, primary.reads, 50)
}

func TestRead_AllHandlesClosed(t *testing.T) {
	primary := &scriptedHandle{}
	diagnostic := &scriptedHandle{}
	primary.push("partial")
	primary.close()
	diagnostic.close()
	r := New(primary, diagnostic)

	buf, err := r.ReadUntilMarker("never", ReadOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "partial", buf.All())
}

func TestRead_OneHandleClosedKeepsPolling(t *testing.T) {
	primary := &scriptedHandle{}
	diagnostic := &scriptedHandle{}
	diagnostic.close()
	r := New(primary, diagnostic)

	go func() {
		time.Sleep(10 * time.Millisecond)
		primary.push("done")
	}()

	buf, err := r.ReadUntilMarker("done", ReadOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "done", buf.All())
}

func TestRead_HandleErrorIsReturned(t *testing.T) {
	boom := errors.New("channel reset")
	primary := &scriptedHandle{err: boom}
	primary.push("some")
	r := New(primary, nil)

	buf, err := r.ReadUntilMarker("never", ReadOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "some", buf.All())
}

func TestRead_ObserverReports(t *testing.T) {
	primary := &scriptedHandle{}
	diagnostic := &scriptedHandle{}
	primary.push("abc")
	diagnostic.push("de")

	var reports []Report
	r := New(primary, diagnostic, WithObserver(ObserverFunc(func(rep Report) {
		reports = append(reports, rep)
	})))

	_, err := r.ReadBytes(5, ReadOptions{})
	require.NoError(t, err)
	_, err = r.ReadUntilMarker("never", ReadOptions{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	require.Len(t, reports, 2)
	assert.Equal(t, ModeBytes, reports[0].Mode)
	assert.Equal(t, OutcomeMatched, reports[0].Outcome)
	assert.Equal(t, 3, reports[0].PrimaryBytes)
	assert.Equal(t, 2, reports[0].DiagnosticBytes)
	assert.Equal(t, ModeMarker, reports[1].Mode)
	assert.Equal(t, OutcomeDeadline, reports[1].Outcome)
}

func TestRead_ChunkSizeLimitsEachPoll(t *testing.T) {
	primary := &scriptedHandle{}
	primary.push("abcdefgh")
	r := New(primary, nil, WithChunkSize(3))

	buf, err := r.ReadUntilMarker("h", ReadOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", buf.All())
	assert.Equal(t, 3, buf.Len())
}

func TestPacer(t *testing.T) {
	p := newPacer(time.Millisecond, 25*time.Millisecond)

	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, p.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
		16 * time.Millisecond,
		25 * time.Millisecond,
		25 * time.Millisecond,
	}, got)

	p.Reset()
	assert.Equal(t, time.Millisecond, p.NextBackOff())
}
