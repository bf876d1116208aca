package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestSerialPort implements SerialPorter for testing SerialMux operations
type TestSerialPort struct {
	readData    []byte
	readIndex   int
	writtenData bytes.Buffer
	writeErr    error
	closeErr    error
	closed      bool
	mu          sync.Mutex
}

func NewTestSerialPort(data string) *TestSerialPort {
	return &TestSerialPort{
		readData: []byte(data),
	}
}

func (p *TestSerialPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if p.readIndex >= len(p.readData) {
		// Block until closed to simulate waiting for more data
		time.Sleep(10 * time.Millisecond)
		if p.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(buf, p.readData[p.readIndex:])
	p.readIndex += n
	return n, nil
}

func (p *TestSerialPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.writtenData.Write(data)
}

func (p *TestSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

func (p *TestSerialPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

func (p *TestSerialPort) WrittenData() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writtenData.String()
}

func TestNewSerialMux(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	if mux == nil {
		t.Fatal("NewSerialMux returned nil")
	}
	if mux.port != port {
		t.Error("SerialMux port not set correctly")
	}
	if mux.subscribers == nil {
		t.Error("SerialMux subscribers map not initialized")
	}
}

func TestSerialMux_Subscribe(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()

	if id1 == "" || id2 == "" {
		t.Error("Subscription returned empty ID")
	}
	if id1 == id2 {
		t.Error("Subscription IDs should be unique")
	}
	if ch1 == nil || ch2 == nil {
		t.Error("Subscription returned nil channel")
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 2 {
		t.Errorf("Expected 2 subscribers, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()
}

func TestSerialMux_Unsubscribe(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()

	done := make(chan bool)
	go func() {
		_, ok := <-ch
		if ok {
			t.Error("Expected channel to be closed")
		}
		done <- true
	}()

	time.Sleep(10 * time.Millisecond)

	mux.Unsubscribe(id)

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for channel closure")
	}

	mux.subscriberMu.Lock()
	if len(mux.subscribers) != 0 {
		t.Errorf("Expected 0 subscribers, got %d", len(mux.subscribers))
	}
	mux.subscriberMu.Unlock()
}

func TestSerialMux_Unsubscribe_NonExistent(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	// Should not panic
	mux.Unsubscribe("non-existent-id")
}

func TestSerialMux_SendCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{
			name:    "gcode line gains newline",
			command: "G1 X10",
			want:    "G1 X10\n",
		},
		{
			name:    "newline preserved",
			command: "G1 Y5\n",
			want:    "G1 Y5\n",
		},
		{
			name:    "status query is written raw",
			command: "?",
			want:    "?",
		},
		{
			name:    "feed hold is written raw",
			command: "!",
			want:    "!",
		},
		{
			name:    "soft reset is written raw",
			command: "\x18",
			want:    "\x18",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestSerialPort("")
			mux := NewSerialMux(port)

			if err := mux.SendCommand(tt.command); err != nil {
				t.Fatalf("SendCommand failed: %v", err)
			}
			if got := port.WrittenData(); got != tt.want {
				t.Errorf("written %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSerialMux_SendCommand_PreservesOrder(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	lines := []string{"G1 X10", "G1 Y5", "G0 Z2", "M3 S1000"}
	for _, line := range lines {
		if err := mux.SendCommand(line); err != nil {
			t.Fatalf("SendCommand(%q) failed: %v", line, err)
		}
	}

	want := strings.Join(lines, "\n") + "\n"
	if got := port.WrittenData(); got != want {
		t.Errorf("written %q, want %q", got, want)
	}
}

func TestSerialMux_SendCommand_WriteError(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	wantErr := errors.New("device gone")
	port.SetWriteError(wantErr)

	if err := mux.SendCommand("G1 X10"); !errors.Is(err, wantErr) {
		t.Errorf("SendCommand error = %v, want %v", err, wantErr)
	}
}

func TestSerialMux_Monitor_FansOutInOrder(t *testing.T) {
	port := NewTestSerialPort("ok\r\nok\r\nerror:20\r\n")
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- mux.Monitor(ctx)
	}()

	want := []string{"ok", "ok", "error:20"}
	for i, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Errorf("line %d = %q, want %q", i, got, w)
			}
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for line %d", i)
		}
	}

	cancel()
	select {
	case err := <-monitorDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned unexpected error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Monitor did not exit after cancellation")
	}
}

func TestSerialMux_Monitor_ExitsOnPortEOF(t *testing.T) {
	port := NewTestSerialPort("ok\r\n")
	mux := NewSerialMux(port)

	_, ch := mux.Subscribe()

	ctx := context.Background()
	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- mux.Monitor(ctx)
	}()

	// Closing the port makes the next Read return EOF; the scanner stops and
	// Monitor returns nil.
	time.Sleep(50 * time.Millisecond)
	port.Close()

	select {
	case err := <-monitorDone:
		if err != nil {
			t.Errorf("Monitor returned %v, want nil on EOF", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Monitor did not exit after port EOF")
	}

	// EOF means the serial path is gone; subscribers must not stay blocked
	drainUntilClosed(t, ch)
}

// drainUntilClosed consumes buffered lines until the channel closes, failing
// the test if it stays open.
func drainUntilClosed(t *testing.T, ch chan string) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(1 * time.Second):
			t.Fatal("subscriber channel not closed")
		}
	}
}

// A read error kills the monitor; every subscriber channel must be closed so
// sessions blocked on them end instead of hanging against a dead serial path.
func TestSerialMux_Monitor_ReadErrorClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	_, ch := mux.Subscribe()

	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- mux.Monitor(context.Background())
	}()

	// one good line first
	port.AddReadData([]byte("ok\r\n"))
	select {
	case line := <-ch:
		if line != "ok" {
			t.Errorf("line = %q, want %q", line, "ok")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for the good line")
	}

	// then fail the read path; the second AddReadData wakes the blocked
	// reader so the error is observed on its next call
	port.mu.Lock()
	port.ReadError = errors.New("controller unplugged")
	port.mu.Unlock()
	port.AddReadData([]byte("$10=1\r\n"))

	select {
	case err := <-monitorDone:
		if err == nil {
			t.Error("Monitor returned nil, want read error")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Monitor did not exit after read error")
	}

	drainUntilClosed(t, ch)

	// late unsubscribes from tearing-down sessions must not panic
	mux.Unsubscribe("already-gone")
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, ok := <-ch1; ok {
		t.Error("subscriber channel 1 not closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("subscriber channel 2 not closed")
	}
	if !port.closed {
		t.Error("serial port not closed")
	}
}

// Closing the mux and reopening a port must succeed; the handle is released on
// Close so a reconnecting client can reacquire the device.
func TestSerialMux_CloseReleasesPort(t *testing.T) {
	factory := NewMockSerialPortFactory(NewTestSerialPort(""))

	port, err := factory.Open("/dev/ttyUSB0", PortOptions{})
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	mux := NewSerialMux(port.(*TestSerialPort))
	if err := mux.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := factory.Open("/dev/ttyUSB0", PortOptions{}); err != nil {
		t.Fatalf("reopen after close failed: %v", err)
	}
	if len(factory.OpenCalls) != 2 {
		t.Errorf("expected 2 open calls, got %d", len(factory.OpenCalls))
	}
}

func TestSerialMux_Initialize(t *testing.T) {
	port := NewTestSerialPort("")
	mux := NewSerialMux(port)

	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	written := port.WrittenData()
	if !strings.Contains(written, "$I") {
		t.Errorf("Initialize did not query build info, wrote %q", written)
	}
}
