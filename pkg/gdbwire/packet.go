// Package gdbwire implements the framing layer of the Gdb Remote Serial
// Protocol: $<payload>#<checksum> packets, run-length encoding and the
// escape sequences used by lldb-server/debugserver binary packets.
// The wire protocol is described at
// https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
package gdbwire

import "strconv"

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

// Encode appends the framed form of cmd to buf and returns it. cmd must
// start with '$'; the '#' terminator and the two checksum digits are
// appended.
func Encode(buf, cmd []byte) []byte {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}
	buf = append(buf, cmd...)
	buf = append(buf, '#')
	sum := Checksum(cmd)
	return append(buf, hexdigit[sum>>4], hexdigit[sum&0xf])
}

// Checksum computes the mod-256 sum of the payload bytes of packet,
// skipping the leading '$' and stopping at '#'.
func Checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}

// ChecksumOK checks that checksumBuf (two hex digits) is a valid
// checksum for packet.
func ChecksumOK(packet, checksumBuf []byte) bool {
	if len(packet) == 0 || packet[0] != '$' {
		return false
	}

	sum := Checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

// escapeXor is the value xored with escaped characters in the gdb remote protocol
const escapeXor byte = 0x20

// Decode expands the run-length and escape sequences of a framed
// packet in, which starts at '$' and ends at '#'. The expansion is
// written into buf, reusing its capacity when possible; a nil buf
// allocates a fresh one. It returns the grown buffer and the decoded
// payload.
func Decode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '{':
			// escaped byte follows, xored on the wire
			if i+1 >= len(in) {
				buf = append(buf, ch)
				break
			}
			buf = append(buf, in[i+1]^escapeXor)
			i++
		case '*':
			// run-length: the next byte minus 29 gives how many more
			// copies of the previous byte to emit
			if i+1 >= len(in) || len(buf) == 0 {
				buf = append(buf, ch)
				break
			}
			n := in[i+1] - 29
			r := buf[len(buf)-1]
			for j := uint8(0); j < n; j++ {
				buf = append(buf, r)
			}
			i++
		case '#':
			return buf, payload(buf)
		default:
			buf = append(buf, ch)
		}
	}
	return buf, payload(buf)
}

// DecodeBinary expands a binary reply ('x'/'X' packets and the json
// packets debugserver emits). Binary payloads use '}' escapes and no
// run-length encoding, and may contain '{' and '*' literally.
func DecodeBinary(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}':
			if i+1 >= len(in) {
				buf = append(buf, ch)
				break
			}
			buf = append(buf, in[i+1]^escapeXor)
			i++
		case '#':
			return buf, payload(buf)
		default:
			buf = append(buf, ch)
		}
	}
	return buf, payload(buf)
}

// payload strips the leading '$' kept in the decode buffer.
func payload(buf []byte) []byte {
	if len(buf) == 0 {
		return nil
	}
	return buf[1:]
}
