package gdbserial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdaiter/ios-lldb-dap/pkg/logflags"
)

const dialTimeout = 5 * time.Second

// ErrRemoteUnavailable is returned when the stub cannot be reached.
// Commands issued while unreachable are queued and replayed on the next
// successful connect.
var ErrRemoteUnavailable = errors.New("remote stub unavailable")

// ErrTargetRunning is returned by reads that are only meaningful while
// the target is stopped.
var ErrTargetRunning = errors.New("target is running")

// RemoteProtocolError is a fatal framing failure on the wire, reported
// after the retransmission budget is exhausted. The connection is
// considered dead but the outgoing queue is preserved.
type RemoteProtocolError struct {
	Context string
	Err     error
}

func (err *RemoteProtocolError) Error() string {
	return fmt.Sprintf("remote protocol error during %s: %v", err.Context, err.Err)
}

func (err *RemoteProtocolError) Unwrap() error { return err.Err }

// ConnState describes the transport connection lifecycle.
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connecting
	Handshaking
	Ready
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("unknown state %d", uint8(s))
}

// Event is published by the transport reader goroutine. Exactly one
// field is set.
type Event struct {
	Stop   *StopReply
	Output string
	Err    error
}

type queuedCmd struct {
	payload []byte
	noReply bool // resume commands, the only reply is a later stop packet
}

// Transport multiplexes a single gdb-remote connection. Synchronous
// commands (breakpoints, memory reads) are issued while the target is
// stopped; resume commands hand the connection to a reader goroutine
// that blocks until the next stop reply and publishes it on Events.
//
// While Disconnected, or while the reader goroutine owns the
// connection, outgoing commands accumulate in a FIFO queue and are
// replayed in issue order by the next successful Connect or the next
// stop.
type Transport struct {
	mu    sync.Mutex
	state ConnState
	conn  *conn
	queue []queuedCmd

	// running is true between a resume being sent and the reader
	// goroutine delivering the stop that ends it. While it is set the
	// connection belongs to the reader and no other goroutine may
	// touch it.
	running bool

	events chan Event
	log    *logrus.Entry
}

func NewTransport() *Transport {
	return &Transport{
		events: make(chan Event, 8),
		log:    logflags.DebuggerLogger(),
	}
}

// Events returns the channel on which stop replies, program output and
// asynchronous errors are delivered. The channel has a single consumer.
func (t *Transport) Events() <-chan Event { return t.events }

func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// QueueLen returns the number of commands waiting for a connection.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Connect dials the stub, runs the protocol handshake and then flushes
// any commands queued while disconnected, in the order they were
// issued. It returns the halt reason reported by the stub.
func (t *Transport) Connect(addr string) (*StopReply, error) {
	t.mu.Lock()
	if t.state != Disconnected {
		t.mu.Unlock()
		return nil, fmt.Errorf("connect in state %s", t.state)
	}
	t.state = Connecting
	t.mu.Unlock()

	netconn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		t.setState(Disconnected)
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	t.setState(Handshaking)
	c := newConn(netconn)
	sp, err := c.handshake()
	if err != nil {
		c.close()
		t.setState(Disconnected)
		return nil, fmt.Errorf("%w: handshake: %v", ErrRemoteUnavailable, err)
	}

	t.mu.Lock()
	t.conn = c
	resume, err := t.flushLocked()
	if err != nil {
		t.disconnectLocked()
		t.mu.Unlock()
		return nil, err
	}
	t.state = Ready
	t.running = resume
	t.mu.Unlock()

	if resume {
		go t.waitForStop(c)
	}
	return sp, nil
}

// flushLocked replays the queue over the connection. It stops at the
// first resume: the resume is sent last and anything queued behind it
// stays queued until the next stop. It reports whether a resume was
// sent, in which case the caller must hand the connection to the
// stop-reply reader.
func (t *Transport) flushLocked() (resume bool, err error) {
	for len(t.queue) > 0 {
		cmd := t.queue[0]

		if cmd.noReply {
			if err := t.conn.send(cmd.payload); err != nil {
				return false, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
			}
			t.queue = t.queue[1:]
			return true, nil
		}

		if _, err := t.conn.exec(cmd.payload, "queue flush"); err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				// the stub rejected the command, surface it but keep flushing
				t.log.Warnf("queued command failed: %v", err)
				t.queue = t.queue[1:]
				continue
			}
			if errors.Is(err, ErrTooManyAttempts) {
				return false, &RemoteProtocolError{Context: "queue flush", Err: err}
			}
			return false, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}
		t.queue = t.queue[1:]
	}
	return false, nil
}

// SetBreakpoint plants a software breakpoint at a remote address.
// While disconnected or while the target runs the insert is queued and
// delivered on the next connect or stop. Implements the breakpoint
// table's Setter.
func (t *Transport) SetBreakpoint(addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Ready || t.running {
		t.queue = append(t.queue, queuedCmd{payload: []byte(fmt.Sprintf("$Z0,%x,1", addr))})
		return nil
	}
	return t.conn.setBreakpoint(addr)
}

// ClearBreakpoint removes a software breakpoint at a remote address.
func (t *Transport) ClearBreakpoint(addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Ready || t.running {
		t.queue = append(t.queue, queuedCmd{payload: []byte(fmt.Sprintf("$z0,%x,1", addr))})
		return nil
	}
	return t.conn.clearBreakpoint(addr)
}

// ReadMemory reads len(data) bytes of target memory at a remote
// address. Only valid while the target is stopped and connected.
func (t *Transport) ReadMemory(data []byte, addr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Ready {
		return ErrRemoteUnavailable
	}
	if t.running {
		return ErrTargetRunning
	}
	err := t.conn.readMemory(data, addr)
	if err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.disconnectLocked()
		}
	}
	return err
}

// ReadRegister reads a single register by its debugserver register
// number. Only valid while the target is stopped and connected.
func (t *Transport) ReadRegister(regnum int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Ready {
		return 0, ErrRemoteUnavailable
	}
	if t.running {
		return 0, ErrTargetRunning
	}
	data := make([]byte, 8)
	err := t.conn.readRegister(regnum, data)
	if err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.disconnectLocked()
		}
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Resume continues all threads. The reply arrives asynchronously on
// Events as a stop reply.
func (t *Transport) Resume() error {
	return t.resumeCmd([]byte("$vCont;c"))
}

// Step single-steps the given thread, resuming the others.
func (t *Transport) Step(threadID string) error {
	if threadID == "" {
		return t.resumeCmd([]byte("$vCont;s"))
	}
	return t.resumeCmd([]byte(fmt.Sprintf("$vCont;s:%s;c", threadID)))
}

func (t *Transport) resumeCmd(payload []byte) error {
	t.mu.Lock()
	if t.state != Ready || t.running {
		t.queue = append(t.queue, queuedCmd{payload: payload, noReply: true})
		t.mu.Unlock()
		return nil
	}
	c := t.conn
	if err := c.send(payload); err != nil {
		t.disconnectLocked()
		t.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	t.running = true
	t.mu.Unlock()

	go t.waitForStop(c)
	return nil
}

// waitForStop owns the connection while the target runs. It forwards
// program output packets; on a true stop reply it flushes the commands
// queued while the target ran and then publishes the stop. If the
// flush ends in another resume it keeps reading.
func (t *Transport) waitForStop(c *conn) {
	for {
		resp, err := c.recv(nil, "stop reply", false)
		if err != nil {
			if !t.readerTeardown(c) {
				return
			}
			if errors.Is(err, ErrTooManyAttempts) {
				t.events <- Event{Err: &RemoteProtocolError{Context: "stop reply", Err: err}}
				return
			}
			t.events <- Event{Err: fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)}
			return
		}

		repeat, sp, out, err := parseStopPacket(resp)
		if out != nil {
			t.events <- Event{Output: string(out)}
		}
		if repeat {
			continue
		}
		if err != nil {
			t.mu.Lock()
			if t.conn == c {
				t.running = false
			}
			t.mu.Unlock()
			t.events <- Event{Err: err}
			return
		}

		t.mu.Lock()
		resume := false
		var flushErr error
		if t.conn == c {
			t.running = false
			resume, flushErr = t.flushLocked()
			if flushErr != nil {
				t.disconnectLocked()
			} else if resume {
				t.running = true
			}
		}
		t.mu.Unlock()

		t.events <- Event{Stop: &sp}
		if flushErr != nil {
			t.events <- Event{Err: flushErr}
			return
		}
		if !resume {
			return
		}
	}
}

// readerTeardown cleans up after a receive failure. It reports false
// when the connection was already replaced or closed deliberately, in
// which case the failure is expected and nothing is published.
func (t *Transport) readerTeardown(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != c {
		return false
	}
	t.disconnectLocked()
	return true
}

// Detach cleanly detaches from the stub and drops the outgoing queue.
func (t *Transport) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = nil
	if t.state != Ready {
		t.state = Disconnected
		return nil
	}
	if t.running {
		// the reader goroutine owns the connection while the target
		// runs; closing it is the only way to take it back, the stub
		// tears the session down on EOF
		t.disconnectLocked()
		return nil
	}
	err := t.conn.detach()
	t.disconnectLocked()
	return err
}

// Kill terminates the target process and drops the outgoing queue.
func (t *Transport) Kill() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = nil
	if t.state != Ready {
		t.state = Disconnected
		return nil
	}
	if t.running {
		t.disconnectLocked()
		return nil
	}
	err := t.conn.kill()
	t.disconnectLocked()
	return err
}

func (t *Transport) setState(state ConnState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// disconnectLocked tears down the connection. The queue survives so a
// later Connect can replay it.
func (t *Transport) disconnectLocked() {
	if t.conn != nil {
		t.conn.close()
		t.conn = nil
	}
	t.state = Disconnected
	t.running = false
}
