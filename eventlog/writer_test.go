package eventlog

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/exp/slog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type lockedBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
	writes int
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.writes++
	return b.buffer.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buffer.String()
}

// gatedWriter blocks every write until the test releases it
type gatedWriter struct {
	entered chan struct{}
	release chan struct{}
	out     lockedBuffer
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.out.Write(p)
}

func TestWriterRoundTrip(t *testing.T) {
	out := &lockedBuffer{}
	w, err := New(testLogger(), out, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	w.RecordAllocation(0x1000, 64, 0, []uintptr{0xaaaa, 0xbbbb})
	w.Counter("live bytes", 64, 1)
	w.RecordFree(0x1000, 64, 1)

	require.NoError(t, w.Flush())
	require.Equal(t, "+ 0x1000 64 0 0xaaaa 0xbbbb\nC live_bytes 64 1\n- 0x1000 64 1\n", out.String())

	require.NoError(t, w.Stop())
	require.ErrorIs(t, w.Stop(), ErrClosed)
	require.ErrorIs(t, w.Append([]byte("+ 0x1 1 1\n")), ErrClosed)
	require.Error(t, w.Start())
}

func TestWriterStopDrains(t *testing.T) {
	out := &lockedBuffer{}
	w, err := New(testLogger(), out, Options{BufferSize: 1024})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	for i := 0; i < 100; i++ {
		w.RecordFree(uintptr(0x1000+i*16), 16, uint64(i))
	}
	require.NoError(t, w.Stop())

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 100)
	require.Equal(t, "- 0x1000 16 0", lines[0])
	require.Equal(t, "- 0x1630 16 99", lines[99])
	require.Greater(t, out.writes, 1)
	require.Zero(t, w.Dropped())
	require.EqualValues(t, len(out.String()), w.Written())
}

func TestWriterDropsWhenFlushPending(t *testing.T) {
	gate := &gatedWriter{entered: make(chan struct{}, 4), release: make(chan struct{})}
	logs := &lockedBuffer{}
	w, err := New(slog.New(slog.NewTextHandler(logs, nil)), gate, Options{BufferSize: maxLineLength})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	line := bytes.Repeat([]byte{'x'}, 300)

	// Fill the first buffer, then overflow it so it is handed off
	require.NoError(t, w.Append(line))
	require.NoError(t, w.Append(line))
	<-gate.entered

	// The second buffer fills while the first is still being written
	require.ErrorIs(t, w.Append(line), ErrLogCapacityExceeded)
	require.EqualValues(t, 1, w.Dropped())

	callers := make([]uintptr, 16)
	for i := range callers {
		callers[i] = ^uintptr(0)
	}
	w.RecordAllocation(0x1000, 1, 0, callers)
	require.EqualValues(t, 2, w.Dropped())
	require.Contains(t, logs.String(), "dropping allocation events")

	close(gate.release)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Stop())
	require.Equal(t, 600, len(gate.out.String()))

	oversized := bytes.Repeat([]byte{'x'}, maxLineLength+1)
	w, err = New(testLogger(), io.Discard, Options{BufferSize: maxLineLength})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.ErrorIs(t, w.Append(oversized), ErrLogCapacityExceeded)
	require.NoError(t, w.Stop())
}

func TestWriterConcurrentAppends(t *testing.T) {
	out := &lockedBuffer{}
	w, err := New(testLogger(), out, Options{BufferSize: 4096})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	var wg conc.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Go(func() {
			for i := 0; i < 500; i++ {
				w.RecordAllocation(uintptr(worker<<20|i), i, 0, nil)
			}
		})
	}
	wg.Wait()
	require.NoError(t, w.Stop())

	// Every line that made it out is whole
	written := 0
	require.NoError(t, Parse(strings.NewReader(out.String()), func(event Event) error {
		written++
		return nil
	}))
	require.EqualValues(t, 2000, int64(written)+w.Dropped())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(testLogger(), nil, Options{})
	require.Error(t, err)

	_, err = New(testLogger(), io.Discard, Options{BufferSize: 16})
	require.Error(t, err)
}
