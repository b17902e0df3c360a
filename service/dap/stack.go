package dap

import (
	"encoding/binary"
	"path/filepath"

	"github.com/google/go-dap"

	"github.com/mdaiter/ios-lldb-dap/pkg/symbols"
)

// stackFrame is one entry of the backtrace, stored behind a frame
// handle between a stop and the next resume.
type stackFrame struct {
	pc  uint64 // remote address
	loc *symbols.Location
}

// collectFrames assembles the backtrace of the stopped thread by
// walking the AArch64 frame-pointer chain: at each frame [fp] holds the
// caller's fp and [fp+8] the return address. Frames that do not
// symbolicate are kept, not dropped.
func (s *Server) collectFrames(depth int) []stackFrame {
	s.mu.Lock()
	sp := s.lastStop
	mod := s.module
	s.mu.Unlock()
	if mod == nil {
		return nil
	}

	pc, havePC := uint64(0), false
	if sp != nil {
		pc, havePC = sp.PC()
	}
	if !havePC {
		// no stop context (or none with registers), report a single
		// frame at the entry point so clients still render something
		entry := mod.ToRemote(mod.TextAddr)
		return []stackFrame{{pc: entry, loc: mod.ResolveAddress(entry)}}
	}

	frames := []stackFrame{{pc: pc, loc: mod.ResolveAddress(pc)}}
	fp, ok := sp.FP()
	for ok && fp != 0 && len(frames) < depth {
		record := make([]byte, 16)
		if err := s.transport.ReadMemory(record, fp); err != nil {
			break
		}
		callerFP := binary.LittleEndian.Uint64(record[:8])
		retAddr := binary.LittleEndian.Uint64(record[8:])
		if retAddr == 0 {
			break
		}
		frames = append(frames, stackFrame{pc: retAddr, loc: mod.ResolveAddress(retAddr)})
		if callerFP <= fp {
			// the stack grows down, a non-increasing fp means the chain
			// is corrupt or finished
			break
		}
		fp = callerFP
	}
	return frames
}

func frameToDAP(id, index int, frame stackFrame) dap.StackFrame {
	name := "unknown"
	file := "unknown"
	line := 0
	if frame.loc != nil {
		if frame.loc.Fn != nil {
			name = frame.loc.Fn.Name
		}
		if frame.loc.File != "" {
			file = frame.loc.File
			line = frame.loc.Line
		}
	}
	hint := "subtle"
	if index == 0 {
		hint = "normal"
	}
	return dap.StackFrame{
		Id:               id,
		Name:             name,
		Line:             line,
		Column:           1,
		Source:           &dap.Source{Name: filepath.Base(file), Path: file},
		PresentationHint: hint,
	}
}
