// Package gdbserial implements a client for the Gdb Remote Serial
// Protocol as spoken by debugserver and lldb-server. It provides an
// order-preserving transport that survives periods of disconnection by
// queueing outgoing commands and replaying them on reconnect.
package gdbserial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mdaiter/ios-lldb-dap/pkg/gdbwire"
	"github.com/mdaiter/ios-lldb-dap/pkg/logflags"
)

const (
	gdbWireMaxLen = 120

	qSupportedCmd = "$qSupported:swbreak+;hwbreak+;no-resumed+"
)

// ErrTooManyAttempts is returned when the checksum of a reply is wrong
// too many times in a row.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// ProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

type conn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf   []byte
	outbuf  bytes.Buffer
	sendbuf []byte

	packetSize int

	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of receive attempts when bad checksums are read
	isDebugserver       bool // true if the stub is debugserver

	log *logrus.Entry
}

func newConn(c net.Conn) *conn {
	return &conn{
		conn:                c,
		rdr:                 bufio.NewReader(c),
		inbuf:               make([]byte, 2, 2048),
		packetSize:          256,
		maxTransmitAttempts: 1,
		log:                 logflags.GdbWireLogger(),
	}
}

// handshake runs the connection startup sequence: qSupported to
// negotiate features, QStartNoAckMode to disable acknowledgment bytes
// and '?' to learn the current halt reason. Any step failing leaves the
// connection unusable.
func (c *conn) handshake() (*StopReply, error) {
	c.ack = true

	// This first ack packet is needed to start up the connection
	c.sendack('+')

	features, err := c.qSupported()
	if err != nil {
		return nil, err
	}
	c.isDebugserver = features["QStartNoAckMode"]

	if err := c.disableAck(); err != nil {
		return nil, err
	}

	resp, err := c.exec([]byte("$?"), "init/haltReason")
	if err != nil {
		return nil, err
	}
	_, sp, _, err := parseStopPacket(resp)
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// qSupported interprets qSupported responses.
func (c *conn) qSupported() (features map[string]bool, err error) {
	respBuf, err := c.exec([]byte(qSupportedCmd), "init/qSupported")
	if err != nil {
		return nil, err
	}
	features = make(map[string]bool)
	for _, stubfeature := range strings.Split(string(respBuf), ";") {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil {
					c.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (c *conn) disableAck() error {
	_, err := c.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		c.ack = false
	}
	return err
}

// setBreakpoint executes a 'Z' (insert breakpoint) command of type '0'
func (c *conn) setBreakpoint(addr uint64) error {
	c.outbuf.Reset()
	fmt.Fprintf(&c.outbuf, "$Z0,%x,1", addr)
	_, err := c.exec(c.outbuf.Bytes(), "set breakpoint")
	return err
}

// clearBreakpoint executes a 'z' (remove breakpoint) command of type '0'
func (c *conn) clearBreakpoint(addr uint64) error {
	c.outbuf.Reset()
	fmt.Fprintf(&c.outbuf, "$z0,%x,1", addr)
	_, err := c.exec(c.outbuf.Bytes(), "clear breakpoint")
	return err
}

// kill executes a 'k' (kill) command.
func (c *conn) kill() error {
	resp, err := c.exec([]byte{'$', 'k'}, "kill")
	if err == io.EOF {
		// The stub is allowed to shut the connection on us immediately
		// after a kill. This is not an error.
		return nil
	}
	if err != nil {
		return err
	}
	_, _, _, err = parseStopPacket(resp)
	return err
}

// detach executes a 'D' (detach) command.
func (c *conn) detach() error {
	_, err := c.exec([]byte{'$', 'D'}, "detach")
	return err
}

// readRegister executes 'p' (read register) command.
func (c *conn) readRegister(regnum int, data []byte) error {
	c.outbuf.Reset()
	fmt.Fprintf(&c.outbuf, "$p%x", regnum)
	resp, err := c.exec(c.outbuf.Bytes(), "register read")
	if err != nil {
		return err
	}

	for i := 0; i+1 < len(resp) && i/2 < len(data); i += 2 {
		n, _ := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
		data[i/2] = uint8(n)
	}

	return nil
}

// readMemory executes 'm' (read memory) commands until data is filled.
func (c *conn) readMemory(data []byte, addr uint64) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		c.outbuf.Reset()

		// the stub may return fewer bytes than its packet size allows,
		// never ask for more than it advertised
		sz := size
		if dataSize := (c.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&c.outbuf, "$m%x,%x", addr+uint64(len(data)), sz)
		resp, err := c.exec(c.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}

		for i := 0; i < len(resp); i += 2 {
			n, _ := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			data = append(data, uint8(n))
		}
	}
	return nil
}

// exec sends a message to the stub and reads a response.
func (c *conn) exec(cmd []byte, context string) ([]byte, error) {
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	return c.recv(cmd, context, false)
}

func (c *conn) send(cmd []byte) error {
	c.sendbuf = gdbwire.Encode(c.sendbuf[:0], cmd)

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(c.sendbuf) > gdbWireMaxLen {
				c.log.Debugf("<- %s...", string(c.sendbuf[:gdbWireMaxLen]))
			} else {
				c.log.Debugf("<- %s", string(c.sendbuf))
			}
		}
		_, err := c.conn.Write(c.sendbuf)
		if err != nil {
			return err
		}

		if !c.ack {
			break
		}

		if c.readack() {
			break
		}
		if attempt >= c.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (c *conn) recv(cmd []byte, context string, binary bool) (resp []byte, err error) {
	attempt := 0
	for {
		var err error
		resp, err = c.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}

		// read checksum
		_, err = io.ReadFull(c.rdr, c.inbuf[:2])
		if err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			if len(resp) > gdbWireMaxLen {
				c.log.Debugf("-> %s...", string(resp[:gdbWireMaxLen]))
			} else {
				c.log.Debugf("-> %s%s", string(resp), string(c.inbuf[:2]))
			}
		}

		if resp[0] == '%' {
			// Ignore notification packets, we claimed we do not support
			// notifications of any kind during qSupported.
			continue
		}

		if gdbwire.ChecksumOK(resp, c.inbuf[:2]) {
			if c.ack {
				c.sendack('+')
			}
			break
		}
		if attempt >= c.maxTransmitAttempts {
			if c.ack {
				c.sendack('+')
			}
			return nil, ErrTooManyAttempts
		}
		attempt++
		if c.ack {
			c.sendack('-')
		}
	}

	if binary {
		c.inbuf, resp = gdbwire.DecodeBinary(resp, c.inbuf)
	} else {
		c.inbuf, resp = gdbwire.Decode(resp, c.inbuf)
	}

	if len(resp) == 0 || resp[0] == 'E' {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &ProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// readack reads one byte from the stub, returns true if the byte is '+'
func (c *conn) readack() bool {
	b, err := c.rdr.ReadByte()
	if err != nil {
		return false
	}
	c.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack sends an ack character, b must be either '+' or '-'
func (c *conn) sendack(b byte) {
	if b != '+' && b != '-' {
		panic(fmt.Errorf("sendack(%c)", b))
	}
	c.conn.Write([]byte{b})
	c.log.Debugf("<- %s", string(b))
}

func (c *conn) close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
