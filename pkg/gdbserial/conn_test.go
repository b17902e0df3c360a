package gdbserial

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/mdaiter/ios-lldb-dap/pkg/gdbwire"
)

// fakeStub speaks just enough of the gdb-remote protocol to exercise
// the client side of the handshake and command execution.
type fakeStub struct {
	t     *testing.T
	conn  net.Conn
	rdr   *bufio.Reader
	noack bool

	cmds chan string // every payload received, in order
	raw  chan []byte // pre-framed bytes to emit in response to vCont
}

func newFakeStub(t *testing.T, conn net.Conn) *fakeStub {
	return &fakeStub{
		t:    t,
		conn: conn,
		rdr:  bufio.NewReader(conn),
		cmds: make(chan string, 64),
		raw:  make(chan []byte, 4),
	}
}

// readPacket reads one framed packet, skipping ack bytes, and sends the
// ack for it when acks are still enabled.
func (s *fakeStub) readPacket() (string, error) {
	for {
		b, err := s.rdr.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '+' || b == '-' {
			continue
		}
		if b != '$' {
			s.t.Errorf("fake stub: unexpected byte %q", b)
			return "", io.ErrUnexpectedEOF
		}
		break
	}
	payload, err := s.rdr.ReadBytes('#')
	if err != nil {
		return "", err
	}
	checksum := make([]byte, 2)
	if _, err := io.ReadFull(s.rdr, checksum); err != nil {
		return "", err
	}
	if !s.noack {
		s.conn.Write([]byte{'+'})
	}
	return string(payload[:len(payload)-1]), nil
}

func (s *fakeStub) reply(payload string) {
	s.conn.Write(gdbwire.Encode(nil, []byte("$"+payload)))
}

// run services packets until the connection closes.
func (s *fakeStub) run() {
	for {
		payload, err := s.readPacket()
		if err != nil {
			close(s.cmds)
			return
		}
		s.cmds <- payload

		switch {
		case strings.HasPrefix(payload, "qSupported"):
			s.reply("PacketSize=1000;QStartNoAckMode+;swbreak+")
		case payload == "QStartNoAckMode":
			s.reply("OK")
			s.noack = true
		case payload == "?":
			s.reply("T05thread:1;")
		case strings.HasPrefix(payload, "Z0,") || strings.HasPrefix(payload, "z0,"):
			s.reply("OK")
		case strings.HasPrefix(payload, "m"):
			s.reply("00000000")
		case strings.HasPrefix(payload, "p"):
			s.reply("0020000000000000")
		case strings.HasPrefix(payload, "vCont"):
			s.conn.Write(<-s.raw)
		case payload == "D" || payload == "k":
			s.reply("OK")
		default:
			s.reply("") // unsupported
		}
	}
}

func startStub(t *testing.T) (*fakeStub, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	stub := newFakeStub(t, nil)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		stub.conn = conn
		stub.rdr = bufio.NewReader(conn)
		stub.run()
	}()
	return stub, l.Addr().String()
}

func TestConnHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	stub := newFakeStub(t, server)
	go stub.run()

	c := newConn(client)
	sp, err := c.handshake()
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if sp.Signal != 5 {
		t.Errorf("halt reason signal = %d, want 5", sp.Signal)
	}
	if sp.ThreadID != "1" {
		t.Errorf("halt reason thread = %q, want \"1\"", sp.ThreadID)
	}
	if c.ack {
		t.Error("acks still enabled after QStartNoAckMode")
	}
	if c.packetSize != 0x1000 {
		t.Errorf("packetSize = %#x, want 0x1000", c.packetSize)
	}

	if err := c.setBreakpoint(0x1000); err != nil {
		t.Errorf("setBreakpoint: %v", err)
	}
}

func drainCmds(stub *fakeStub, n int) []string {
	cmds := make([]string, 0, n)
	for i := 0; i < n; i++ {
		cmds = append(cmds, <-stub.cmds)
	}
	return cmds
}

func TestTransportQueueOrder(t *testing.T) {
	stub, addr := startStub(t)

	tr := NewTransport()
	if err := tr.SetBreakpoint(0x1000); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetBreakpoint(0x2000); err != nil {
		t.Fatal(err)
	}
	if err := tr.ClearBreakpoint(0x1000); err != nil {
		t.Fatal(err)
	}
	if n := tr.QueueLen(); n != 3 {
		t.Fatalf("queue length = %d, want 3", n)
	}

	if _, err := tr.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if tr.State() != Ready {
		t.Fatalf("state = %s, want ready", tr.State())
	}
	if n := tr.QueueLen(); n != 0 {
		t.Fatalf("queue length after connect = %d, want 0", n)
	}

	cmds := drainCmds(stub, 6)
	want := []string{"qSupported:swbreak+;hwbreak+;no-resumed+", "QStartNoAckMode", "?", "Z0,1000,1", "Z0,2000,1", "z0,1000,1"}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, cmds[i], want[i])
		}
	}
}

func TestTransportStopReply(t *testing.T) {
	stub, addr := startStub(t)
	tr := NewTransport()
	if _, err := tr.Connect(addr); err != nil {
		t.Fatal(err)
	}

	stub.raw <- gdbwire.Encode(nil, []byte("$T05thread:1;reason:breakpoint;20:0010000000000000;"))
	if err := tr.Resume(); err != nil {
		t.Fatal(err)
	}

	ev := <-tr.Events()
	if ev.Stop == nil {
		t.Fatalf("event = %+v, want stop", ev)
	}
	if pc, ok := ev.Stop.PC(); !ok || pc != 0x1000 {
		t.Errorf("pc = %#x (ok=%v), want 0x1000", pc, ok)
	}
	if got := ev.Stop.StopReason(); got != "breakpoint" {
		t.Errorf("stop reason = %q, want breakpoint", got)
	}
}

func TestTransportCommandWhileRunning(t *testing.T) {
	stub, addr := startStub(t)
	tr := NewTransport()
	if _, err := tr.Connect(addr); err != nil {
		t.Fatal(err)
	}
	drainCmds(stub, 3)

	if err := tr.Resume(); err != nil {
		t.Fatal(err)
	}
	if got := <-stub.cmds; got != "vCont;c" {
		t.Fatalf("command = %q, want vCont;c", got)
	}

	// the reader goroutine owns the connection now: the insert must
	// queue instead of touching the wire
	if err := tr.SetBreakpoint(0x4000); err != nil {
		t.Fatal(err)
	}
	if n := tr.QueueLen(); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	if err := tr.ReadMemory(make([]byte, 4), 0x1000); !errors.Is(err, ErrTargetRunning) {
		t.Errorf("ReadMemory while running = %v, want ErrTargetRunning", err)
	}

	stub.raw <- gdbwire.Encode(nil, []byte("$T05thread:1;"))
	ev := <-tr.Events()
	if ev.Stop == nil {
		t.Fatalf("event = %+v, want stop", ev)
	}

	// the queued insert is delivered once the target stops
	if got := <-stub.cmds; got != "Z0,4000,1" {
		t.Errorf("command = %q, want Z0,4000,1", got)
	}
	if n := tr.QueueLen(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestTransportQueuedResumeHoldsLaterCommands(t *testing.T) {
	stub, addr := startStub(t)

	tr := NewTransport()
	if err := tr.SetBreakpoint(0x1000); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetBreakpoint(0x2000); err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Connect(addr); err != nil {
		t.Fatal(err)
	}

	cmds := drainCmds(stub, 5)
	want := []string{"qSupported:swbreak+;hwbreak+;no-resumed+", "QStartNoAckMode", "?", "Z0,1000,1", "vCont;c"}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, cmds[i], want[i])
		}
	}

	// the insert queued behind the resume is held, not dropped
	if n := tr.QueueLen(); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	stub.raw <- gdbwire.Encode(nil, []byte("$T05thread:1;"))
	ev := <-tr.Events()
	if ev.Stop == nil {
		t.Fatalf("event = %+v, want stop", ev)
	}
	if got := <-stub.cmds; got != "Z0,2000,1" {
		t.Errorf("command = %q, want Z0,2000,1", got)
	}
}

func TestTransportReadRegister(t *testing.T) {
	stub, addr := startStub(t)
	tr := NewTransport()
	if _, err := tr.Connect(addr); err != nil {
		t.Fatal(err)
	}
	drainCmds(stub, 3)

	v, err := tr.ReadRegister(RegPC)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if v != 0x2000 {
		t.Errorf("pc = %#x, want 0x2000", v)
	}
	if got := <-stub.cmds; got != "p20" {
		t.Errorf("command = %q, want p20", got)
	}
}

func TestTransportProgramOutput(t *testing.T) {
	stub, addr := startStub(t)
	tr := NewTransport()
	if _, err := tr.Connect(addr); err != nil {
		t.Fatal(err)
	}

	out := gdbwire.Encode(nil, []byte("$O68690a"))
	out = append(out, gdbwire.Encode(nil, []byte("$W00"))...)
	stub.raw <- out
	if err := tr.Resume(); err != nil {
		t.Fatal(err)
	}

	ev := <-tr.Events()
	if ev.Output != "hi\n" {
		t.Errorf("output = %q, want %q", ev.Output, "hi\n")
	}
	ev = <-tr.Events()
	if ev.Stop == nil || !ev.Stop.Exited {
		t.Fatalf("event = %+v, want exit stop", ev)
	}
}

func TestTransportCorruptedReply(t *testing.T) {
	stub, addr := startStub(t)
	tr := NewTransport()
	if _, err := tr.Connect(addr); err != nil {
		t.Fatal(err)
	}

	// same stop reply twice with a wrong checksum both times
	corrupt := []byte("$T05thread:1;#00$T05thread:1;#00")
	stub.raw <- corrupt
	if err := tr.Resume(); err != nil {
		t.Fatal(err)
	}

	ev := <-tr.Events()
	var perr *RemoteProtocolError
	if ev.Err == nil {
		t.Fatalf("event = %+v, want error", ev)
	}
	if !errors.As(ev.Err, &perr) {
		t.Fatalf("error = %v, want RemoteProtocolError", ev.Err)
	}
	if tr.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", tr.State())
	}

	// the queue must survive the failure
	if err := tr.SetBreakpoint(0x4000); err != nil {
		t.Fatal(err)
	}
	if n := tr.QueueLen(); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}
