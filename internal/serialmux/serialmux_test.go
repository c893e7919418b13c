package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/presence/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func recvLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

// ---------------------------------------------------------------------------
// Subscribe / Monitor
// ---------------------------------------------------------------------------

func TestSubscribeIDsAreUnique(t *testing.T) {
	t.Parallel()
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.NotNil(t, ch1)
	assert.NotNil(t, ch2)

	assert.Equal(t, 2, mux.SubscriberCount())

	mux.Unsubscribe(id1)
	assert.Equal(t, 1, mux.SubscriberCount())
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel is closed")
	mux.Unsubscribe(id1) // no-op
}

func TestMonitorFansOutLines(t *testing.T) {
	t.Parallel()
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte("{\"event\":\"slc\"}\nsecond\n"))

	assert.Equal(t, `{"event":"slc"}`, recvLine(t, a))
	assert.Equal(t, "second", recvLine(t, a))
	assert.Equal(t, `{"event":"slc"}`, recvLine(t, b))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, mux.Close())
}

func TestMonitorReturnsReadError(t *testing.T) {
	t.Parallel()
	port := NewTestableSerialPort()
	port.ReadError = errors.New("device unplugged")
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestMonitorEndsAtEOF(t *testing.T) {
	t.Parallel()
	port := NewTestableSerialPort()
	port.AddReadData([]byte("only line\n"))
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Monitor(context.Background()))
	assert.Equal(t, "only line", recvLine(t, ch))
}

func TestSlowSubscriberDropsLines(t *testing.T) {
	t.Parallel()
	port := NewTestableSerialPort()
	var lines strings.Builder
	for i := 0; i < subscriberBuffer+10; i++ {
		lines.WriteString("line\n")
	}
	port.AddReadData([]byte(lines.String()))
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Monitor(context.Background()))
	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, int64(10), mux.Dropped())
}

// ---------------------------------------------------------------------------
// SendCommand / Close
// ---------------------------------------------------------------------------

func TestSendCommandAppendsNewline(t *testing.T) {
	t.Parallel()
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("STATE? HQ-A"))
	require.NoError(t, mux.SendCommand("RANGE STOP x\n"))
	assert.Equal(t, "STATE? HQ-A\nRANGE STOP x\n", string(port.GetWrittenData()))
}

func TestSendCommandErrors(t *testing.T) {
	t.Parallel()
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	port.WriteError = errors.New("io")
	assert.EqualError(t, mux.SendCommand("X"), "io")

	port.ShortWrite = true
	assert.ErrorIs(t, mux.SendCommand("X"), ErrWriteFailed)
}

func TestCloseClosesSubscribersOnce(t *testing.T) {
	t.Parallel()
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, port.Closed)
	assert.NoError(t, mux.Close())
}

// ---------------------------------------------------------------------------
// Admin routes
// ---------------------------------------------------------------------------

func TestAdminRoutesRegistered(t *testing.T) {
	t.Parallel()
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/debug/scanner-command", strings.NewReader("command=STATE%3F+HQ-A"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

func TestPortOptionsNormalise(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"explicit", PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}, PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}, false},
		{"negative baud", PortOptions{BaudRate: -1}, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, false},
		{"bad data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"bad stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"bad parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalise()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	t.Parallel()

	mode, err := PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
	assert.Equal(t, DefaultBaudRate, mode.BaudRate)

	mode, err = PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	_, err = PortOptions{Parity: "?"}.SerialMode()
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Disabled and replay muxes
// ---------------------------------------------------------------------------

func waitClosed(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected a closed channel")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel to close")
	}
}

func TestDisabledSerialMuxUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	d := NewDisabledSerialMux()
	var _ Mux = d

	id, ch := d.Subscribe()
	done := make(chan struct{})
	go func() {
		_, ok := <-ch
		assert.False(t, ok, "expected channel to be closed on unsubscribe")
		close(done)
	}()

	d.Unsubscribe(id)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber not released by Unsubscribe")
	}
	d.Unsubscribe(id) // no-op
}

func TestDisabledSerialMuxCloseClosesAllChannels(t *testing.T) {
	t.Parallel()
	d := NewDisabledSerialMux()
	id1, ch1 := d.Subscribe()
	_, ch2 := d.Subscribe()

	require.NoError(t, d.Close())
	waitClosed(t, ch1)
	waitClosed(t, ch2)
	assert.NoError(t, d.Close(), "second close is a no-op")
	d.Unsubscribe(id1)

	_, ch3 := d.Subscribe()
	waitClosed(t, ch3)
}

func TestDisabledSerialMuxDiscardsCommands(t *testing.T) {
	t.Parallel()
	d := NewDisabledSerialMux()

	assert.NoError(t, d.SendCommand("REGION HQ-A f7826da6-4fa2-4e98-8024-bc5b71e0893e 1"))
	assert.NoError(t, d.SendCommand("STATE? HQ-A"))
	assert.Equal(t, int64(2), d.DroppedCommands())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/scanner-disabled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "scanner disabled, 2 command(s) discarded\n", w.Body.String())
}

func TestReplaySerialMux(t *testing.T) {
	t.Parallel()
	mux, port := NewReplaySerialMux([]string{
		"# fixture",
		`{"event":"enter","site":"HQ-A"}`,
		"",
		`{"event":"exit","site":"HQ-A"}`,
	}, time.Millisecond)
	var _ Mux = mux
	_, ch := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	assert.Equal(t, `{"event":"enter","site":"HQ-A"}`, recvLine(t, ch))
	assert.Equal(t, `{"event":"exit","site":"HQ-A"}`, recvLine(t, ch))

	require.NoError(t, mux.SendCommand("RANGE STOP x"))
	assert.Equal(t, []string{"RANGE STOP x"}, port.Commands())

	require.NoError(t, mux.Close())
	assert.Error(t, mux.SendCommand("late"))
}
