package gdbserial

import "testing"

func TestParseStopPacket(t *testing.T) {
	repeat, sp, _, err := parseStopPacket([]byte("T05thread:1f03;reason:breakpoint;1d:00e0000000000000;20:3412000000000000;"))
	if err != nil {
		t.Fatal(err)
	}
	if repeat {
		t.Error("repeat = true for T packet")
	}
	if sp.Signal != 5 || sp.ThreadID != "1f03" || sp.Reason != "breakpoint" {
		t.Errorf("bad stop reply: %+v", sp)
	}
	if fp, ok := sp.FP(); !ok || fp != 0xe000 {
		t.Errorf("fp = %#x (ok=%v), want 0xe000", fp, ok)
	}
	if pc, ok := sp.PC(); !ok || pc != 0x1234 {
		t.Errorf("pc = %#x (ok=%v), want 0x1234", pc, ok)
	}
	if threadIDToInt(sp.ThreadID) != 0x1f03 {
		t.Errorf("thread id = %d, want %d", threadIDToInt(sp.ThreadID), 0x1f03)
	}
}

func TestParseStopPacketExit(t *testing.T) {
	_, sp, _, err := parseStopPacket([]byte("W2a"))
	if err != nil {
		t.Fatal(err)
	}
	if !sp.Exited || sp.ExitStatus != 42 {
		t.Errorf("bad exit reply: %+v", sp)
	}

	_, sp, _, err = parseStopPacket([]byte("X09;process:1f03"))
	if err != nil {
		t.Fatal(err)
	}
	if !sp.Exited || sp.ExitStatus != 9 || sp.Reason != "signal" {
		t.Errorf("bad kill reply: %+v", sp)
	}
}

func TestParseStopPacketOutput(t *testing.T) {
	repeat, _, out, err := parseStopPacket([]byte("O68656c6c6f0a"))
	if err != nil {
		t.Fatal(err)
	}
	if !repeat {
		t.Error("repeat = false for O packet")
	}
	if string(out) != "hello\n" {
		t.Errorf("out = %q, want %q", out, "hello\n")
	}
}

func TestParseStopPacketMalformed(t *testing.T) {
	for _, in := range []string{"T", "Szz", "Qfoo"} {
		if _, _, _, err := parseStopPacket([]byte(in)); err == nil {
			t.Errorf("parseStopPacket(%q) did not fail", in)
		}
	}
}
