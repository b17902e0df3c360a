package breakpoint

import (
	"errors"
	"fmt"
	"testing"
)

// fakeSetter records every trap operation in order.
type fakeSetter struct {
	ops  []string
	fail error
}

func (s *fakeSetter) SetBreakpoint(addr uint64) error {
	if s.fail != nil {
		return s.fail
	}
	s.ops = append(s.ops, fmt.Sprintf("set:%x", addr))
	return nil
}

func (s *fakeSetter) ClearBreakpoint(addr uint64) error {
	s.ops = append(s.ops, fmt.Sprintf("clear:%x", addr))
	return nil
}

// fakeLocator resolves Foo.swift lines 40..49 to 0x1000+8*(line-40).
type fakeLocator struct{ slide int64 }

func (l fakeLocator) ResolveLocation(file string, line int) (uint64, bool) {
	if file != "Foo.swift" || line < 40 || line > 49 {
		return 0, false
	}
	return 0x1000 + 8*uint64(line-40), true
}

func (l fakeLocator) ToRemote(local uint64) uint64 { return uint64(int64(local) + l.slide) }

func TestPendingResolution(t *testing.T) {
	setter := &fakeSetter{}
	table := NewTable(setter)

	bp, err := table.Set("Foo.swift", 42)
	if err != nil {
		t.Fatal(err)
	}
	if bp.State != Pending {
		t.Fatalf("state before symbols = %s, want pending", bp.State)
	}
	if len(setter.ops) != 0 {
		t.Fatalf("ops before symbols = %v, want none", setter.ops)
	}

	changed := table.SetLocator(fakeLocator{slide: 0x5000})
	if len(changed) != 1 || changed[0].ID != bp.ID {
		t.Fatalf("changed = %v, want [%d]", changed, bp.ID)
	}
	if bp.State != Resolved || bp.Addr != 0x6010 {
		t.Fatalf("breakpoint = %+v, want resolved at 0x6010", bp)
	}
	if len(setter.ops) != 1 || setter.ops[0] != "set:6010" {
		t.Fatalf("ops = %v, want [set:6010]", setter.ops)
	}
}

func TestRefcountCoalescing(t *testing.T) {
	setter := &fakeSetter{}
	table := NewTable(setter)
	table.SetLocator(fakeLocator{})

	// two breakpoints on the same line share one trap
	b1, _ := table.Set("Foo.swift", 42)
	b2, _ := table.Set("Foo.swift", 42)
	if b1.Addr != b2.Addr {
		t.Fatalf("addresses differ: %#x vs %#x", b1.Addr, b2.Addr)
	}
	if len(setter.ops) != 1 {
		t.Fatalf("ops = %v, want one set", setter.ops)
	}

	if err := table.Clear(b1.ID); err != nil {
		t.Fatal(err)
	}
	if len(setter.ops) != 1 {
		t.Fatalf("ops after first clear = %v, trap removed too early", setter.ops)
	}
	if err := table.Clear(b2.ID); err != nil {
		t.Fatal(err)
	}
	if len(setter.ops) != 2 || setter.ops[1] != "clear:1010" {
		t.Fatalf("ops after second clear = %v, want final [... clear:1010]", setter.ops)
	}
}

func TestClearPendingIsNoop(t *testing.T) {
	setter := &fakeSetter{}
	table := NewTable(setter)

	bp, _ := table.Set("Foo.swift", 42)
	if err := table.Clear(bp.ID); err != nil {
		t.Fatal(err)
	}
	if len(setter.ops) != 0 {
		t.Fatalf("ops = %v, want none", setter.ops)
	}
	if err := table.Clear(bp.ID); err == nil {
		t.Error("double clear did not fail")
	}
}

func TestClearFile(t *testing.T) {
	setter := &fakeSetter{}
	table := NewTable(setter)
	table.SetLocator(fakeLocator{})

	table.Set("Foo.swift", 40)
	table.Set("Foo.swift", 44)
	table.Set("Bar.swift", 10) // stays pending

	if err := table.ClearFile("Foo.swift"); err != nil {
		t.Fatal(err)
	}
	bps := table.Breakpoints()
	if len(bps) != 1 || bps[0].File != "Bar.swift" {
		t.Fatalf("breakpoints = %v, want only Bar.swift", bps)
	}
	// both traps removed
	clears := 0
	for _, op := range setter.ops {
		if op == "clear:1000" || op == "clear:1020" {
			clears++
		}
	}
	if clears != 2 {
		t.Fatalf("ops = %v, want both traps cleared", setter.ops)
	}
}

func TestUnresolvableStaysPending(t *testing.T) {
	table := NewTable(&fakeSetter{})
	table.SetLocator(fakeLocator{})

	bp, err := table.Set("Foo.swift", 99)
	if err != nil {
		t.Fatal(err)
	}
	if bp.State != Pending {
		t.Fatalf("state = %s, want pending", bp.State)
	}
}

func TestSetterFailureKeepsPending(t *testing.T) {
	setter := &fakeSetter{fail: errors.New("stub said no")}
	table := NewTable(setter)
	table.SetLocator(fakeLocator{})

	bp, err := table.Set("Foo.swift", 42)
	if err == nil {
		t.Fatal("Set did not surface the setter error")
	}
	if bp.State != Pending {
		t.Fatalf("state = %s, want pending", bp.State)
	}
}

func TestReapply(t *testing.T) {
	setter := &fakeSetter{}
	table := NewTable(setter)
	table.SetLocator(fakeLocator{})

	table.Set("Foo.swift", 40)
	table.Set("Foo.swift", 44)

	setter.ops = nil
	if err := table.Reapply(); err != nil {
		t.Fatal(err)
	}
	want := []string{"set:1000", "set:1020"}
	if len(setter.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", setter.ops, want)
	}
	for i := range want {
		if setter.ops[i] != want[i] {
			t.Errorf("op %d = %q, want %q", i, setter.ops[i], want[i])
		}
	}
}
