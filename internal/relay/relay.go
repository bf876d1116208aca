// Package relay moves command lines between one network client and the serial
// mux that owns the GRBL controller. It is a line pass-through: no reordering,
// no coalescing, and no G-code validation. Each inbound client line triggers
// exactly one serial write and each controller line is forwarded to the client
// in the order it was read.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openworkshop/grblbridge/internal/monitoring"
	"github.com/openworkshop/grblbridge/internal/serialmux"
)

// Traffic directions recorded per relayed line.
const (
	DirectionCommand  = "command"  // client -> controller
	DirectionResponse = "response" // controller -> client
)

// Close reasons reported when a bridge session ends.
const (
	ReasonClientGone   = "client disconnected"
	ReasonClientWrite  = "client write failed"
	ReasonSerialWrite  = "serial write failed"
	ReasonSerialClosed = "serial subscription closed"
	ReasonCancelled    = "shutdown"
)

// ClientConn is the network side of a bridge session. The websocket layer
// implements it; tests substitute in-memory fakes.
type ClientConn interface {
	// ReadLine blocks until the client sends a command line or the
	// connection fails. Closing the connection unblocks a pending read.
	ReadLine() (string, error)
	// WriteLine sends one controller response line to the client.
	WriteLine(line string) error
	Close() error
	RemoteAddr() string
}

// Recorder persists session lifecycle and traffic. Implemented by db.DB; a
// nil Recorder disables persistence.
type Recorder interface {
	RecordSessionStart(id, remoteAddr string, startedAt time.Time) error
	RecordSessionEnd(id string, endedAt time.Time, linesSent, linesReceived int64, closeReason string) error
	RecordLine(sessionID, direction, line, lineType string) error
}

// Session is the outcome of one bridge session.
type Session struct {
	ID            string    `json:"session_id"`
	RemoteAddr    string    `json:"remote_addr"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	LinesSent     int64     `json:"lines_sent"`     // client -> controller
	LinesReceived int64     `json:"lines_received"` // controller -> client
	CloseReason   string    `json:"close_reason"`
}

// Relay bridges client connections onto a serial mux.
type Relay struct {
	mux serialmux.SerialMuxInterface
	rec Recorder
}

// New creates a Relay over the given serial mux. rec may be nil.
func New(mux serialmux.SerialMuxInterface, rec Recorder) *Relay {
	return &Relay{mux: mux, rec: rec}
}

// Run bridges conn and the serial mux until either side fails or ctx is
// cancelled. It always closes conn and releases the serial subscription
// before returning; a session failure never takes down the process. The
// returned Session describes what happened.
func (r *Relay) Run(ctx context.Context, conn ClientConn) Session {
	sess := Session{
		ID:         uuid.NewString(),
		RemoteAddr: conn.RemoteAddr(),
		StartedAt:  time.Now(),
	}
	monitoring.Logf("session %s: client %s connected", sess.ID, sess.RemoteAddr)
	if r.rec != nil {
		if err := r.rec.RecordSessionStart(sess.ID, sess.RemoteAddr, sess.StartedAt); err != nil {
			monitoring.Logf("session %s: failed to record start: %v", sess.ID, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	subID, lines := r.mux.Subscribe()
	defer r.mux.Unsubscribe(subID)

	var linesSent, linesReceived int64

	// first reason wins; later failures are consequences of the teardown
	var reasonOnce sync.Once
	reason := ReasonCancelled
	setReason := func(why string) {
		reasonOnce.Do(func() { reason = why })
	}

	var wg sync.WaitGroup

	// client -> controller. ReadLine has no context support, so cancellation
	// is delivered by closing the connection below.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			line, err := conn.ReadLine()
			if err != nil {
				if ctx.Err() != nil {
					setReason(ReasonCancelled)
				} else {
					setReason(ReasonClientGone)
				}
				return
			}
			if err := r.mux.SendCommand(line); err != nil {
				monitoring.Logf("session %s: serial write failed: %v", sess.ID, err)
				setReason(ReasonSerialWrite)
				return
			}
			atomic.AddInt64(&linesSent, 1)
			r.recordLine(sess.ID, DirectionCommand, line)
		}
	}()

	// controller -> client
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					setReason(ReasonSerialClosed)
					return
				}
				if err := conn.WriteLine(line); err != nil {
					setReason(ReasonClientWrite)
					return
				}
				atomic.AddInt64(&linesReceived, 1)
				r.recordLine(sess.ID, DirectionResponse, line)
			}
		}
	}()

	// Whichever direction fails first cancels the context; closing the
	// connection then unblocks the other direction's pending read.
	<-ctx.Done()
	conn.Close()
	wg.Wait()

	sess.EndedAt = time.Now()
	sess.LinesSent = atomic.LoadInt64(&linesSent)
	sess.LinesReceived = atomic.LoadInt64(&linesReceived)
	sess.CloseReason = reason

	monitoring.Logf("session %s: closed (%s) after %d sent / %d received",
		sess.ID, sess.CloseReason, sess.LinesSent, sess.LinesReceived)
	if r.rec != nil {
		if err := r.rec.RecordSessionEnd(sess.ID, sess.EndedAt, sess.LinesSent, sess.LinesReceived, sess.CloseReason); err != nil {
			monitoring.Logf("session %s: failed to record end: %v", sess.ID, err)
		}
	}
	return sess
}

func (r *Relay) recordLine(sessionID, direction, line string) {
	if r.rec == nil {
		return
	}
	if err := r.rec.RecordLine(sessionID, direction, line, serialmux.ClassifyLine(line)); err != nil {
		monitoring.Logf("session %s: failed to record %s line: %v", sessionID, direction, err)
	}
}
