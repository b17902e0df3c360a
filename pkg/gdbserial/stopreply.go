package gdbserial

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Register numbers assigned by debugserver to the AArch64 registers we
// care about. Stop replies carry an "expedited" subset of the register
// file as numeric key:value pairs.
const (
	RegFP = 29
	RegLR = 30
	RegSP = 31
	RegPC = 32
)

// StopReply is the decoded form of a stop-reply packet ('S', 'T', 'W'
// or 'X'). Registers maps debugserver register numbers to the values
// expedited in the packet.
type StopReply struct {
	Signal   uint8
	ThreadID string
	Reason   string

	Exited     bool
	ExitStatus uint8

	Registers map[int]uint64
}

// PC returns the program counter expedited in the stop reply, if any.
func (sp *StopReply) PC() (uint64, bool) {
	pc, ok := sp.Registers[RegPC]
	return pc, ok
}

// FP returns the frame pointer expedited in the stop reply, if any.
func (sp *StopReply) FP() (uint64, bool) {
	fp, ok := sp.Registers[RegFP]
	return fp, ok
}

// NumericThreadID converts the stub's hex thread-id into the integer
// form used by the Debug Adapter Protocol, defaulting to 1.
func (sp *StopReply) NumericThreadID() int {
	return threadIDToInt(sp.ThreadID)
}

// StopReason maps the stop reply to a Debug Adapter Protocol stopped
// event reason.
func (sp *StopReply) StopReason() string {
	switch sp.Reason {
	case "breakpoint", "swbreak", "hwbreak":
		return "breakpoint"
	case "trace", "watchpoint":
		return "step"
	case "exception", "signal":
		return "exception"
	}
	switch sp.Signal {
	case 0x05: // SIGTRAP
		return "breakpoint"
	case 0x02: // SIGINT
		return "pause"
	}
	return "exception"
}

// parseStopPacket decodes a stop reply. For 'O' (console output)
// packets repeat is true and out holds the decoded program output; the
// caller should read the next packet.
func parseStopPacket(resp []byte) (repeat bool, sp StopReply, out []byte, err error) {
	switch resp[0] {
	case 'T':
		if len(resp) < 3 {
			return false, StopReply{}, nil, fmt.Errorf("malformed stop packet: %s", string(resp))
		}

		sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
		if err != nil {
			return false, StopReply{}, nil, fmt.Errorf("malformed stop packet: %s: %v", string(resp), err)
		}
		sp.Signal = uint8(sig)
		sp.Registers = make(map[int]uint64)

		buf := resp[3:]
		for buf != nil {
			colon := strings.Index(string(buf), ":")
			if colon < 0 {
				break
			}
			key := string(buf[:colon])
			buf = buf[colon+1:]

			semicolon := strings.Index(string(buf), ";")
			var value string
			if semicolon < 0 {
				value = string(buf)
				buf = nil
			} else {
				value = string(buf[:semicolon])
				buf = buf[semicolon+1:]
			}

			switch key {
			case "thread":
				sp.ThreadID = value
			case "reason":
				sp.Reason = value
			case "watch", "awatch", "rwatch":
				sp.Reason = "watchpoint"
			default:
				// numeric keys are expedited registers
				if regnum, err := strconv.ParseUint(key, 16, 64); err == nil {
					if v, err := decodeRegisterValue(value); err == nil {
						sp.Registers[int(regnum)] = v
					}
				}
			}
		}

	case 'S':
		if len(resp) < 3 {
			return false, StopReply{}, nil, fmt.Errorf("malformed stop packet: %s", string(resp))
		}
		sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
		if err != nil {
			return false, StopReply{}, nil, fmt.Errorf("malformed stop packet: %s: %v", string(resp), err)
		}
		sp.Signal = uint8(sig)

	case 'W', 'X':
		// process exited, next two character are exit status
		semicolon := strings.Index(string(resp), ";")
		if semicolon < 0 {
			semicolon = len(resp)
		}
		status, err := strconv.ParseUint(string(resp[1:semicolon]), 16, 8)
		if err != nil {
			return false, StopReply{}, nil, fmt.Errorf("malformed exit packet: %s: %v", string(resp), err)
		}
		sp.Exited = true
		sp.ExitStatus = uint8(status)
		if resp[0] == 'X' {
			sp.Reason = "signal"
		}

	case 'O':
		data := make([]byte, hex.DecodedLen(len(resp)-1))
		n, _ := hex.Decode(data, resp[1:])
		return true, StopReply{}, data[:n], nil

	default:
		return false, StopReply{}, nil, fmt.Errorf("unexpected response for stop packet %s", string(resp))
	}

	return false, sp, nil, nil
}

// decodeRegisterValue decodes the little-endian hex encoding used for
// expedited register values in 'T' packets.
func decodeRegisterValue(value string) (uint64, error) {
	data := make([]byte, hex.DecodedLen(len(value)))
	if _, err := hex.Decode(data, []byte(value)); err != nil {
		return 0, err
	}
	switch len(data) {
	case 4:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case 8:
		return binary.LittleEndian.Uint64(data), nil
	}
	return 0, fmt.Errorf("unexpected register value length %d", len(data))
}

// threadIDToInt converts a stub thread-id (hex string) into the numeric
// form used by the Debug Adapter Protocol.
func threadIDToInt(threadID string) int {
	if threadID == "" {
		return 1
	}
	n, err := strconv.ParseUint(threadID, 16, 64)
	if err != nil || n == 0 {
		return 1
	}
	return int(n)
}
