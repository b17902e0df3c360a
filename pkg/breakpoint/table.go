// Package breakpoint tracks source breakpoints across their whole
// lifecycle: requested before symbols are available (pending), resolved
// to an address once the module loads, reference counted so that two
// logical breakpoints on the same instruction need only one trap, and
// replayed after a reconnect.
package breakpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mdaiter/ios-lldb-dap/pkg/logflags"
)

// Setter plants and removes traps in the remote process.
type Setter interface {
	SetBreakpoint(addr uint64) error
	ClearBreakpoint(addr uint64) error
}

// Locator resolves file:line to a file-local address and translates it
// to the remote address space.
type Locator interface {
	ResolveLocation(file string, line int) (uint64, bool)
	ToRemote(local uint64) uint64
}

// State of a breakpoint.
type State uint8

const (
	// Pending breakpoints have no address yet, either because symbols
	// have not loaded or because the location did not resolve.
	Pending State = iota
	// Resolved breakpoints are bound to a remote address.
	Resolved
)

func (s State) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "pending"
}

// Breakpoint is one logical source breakpoint.
type Breakpoint struct {
	ID   int
	File string
	Line int

	// Addr is the remote address of the trap, valid when State is Resolved.
	Addr  uint64
	State State
}

// Table owns all breakpoints of a session. Multiple breakpoints
// resolving to the same address share one trap in the target; the trap
// is removed only when the last of them is cleared.
type Table struct {
	mu     sync.Mutex
	nextID int
	bps    map[int]*Breakpoint
	refs   map[uint64]int

	setter Setter
	loc    Locator
	log    *logrus.Entry
}

func NewTable(setter Setter) *Table {
	return &Table{
		nextID: 1,
		bps:    make(map[int]*Breakpoint),
		refs:   make(map[uint64]int),
		setter: setter,
		log:    logflags.DebuggerLogger(),
	}
}

// SetLocator installs the symbol module and resolves every pending
// breakpoint against it. It returns the breakpoints that became
// resolved.
func (t *Table) SetLocator(loc Locator) []*Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loc = loc

	var changed []*Breakpoint
	for _, id := range t.sortedIDs() {
		bp := t.bps[id]
		if bp.State != Pending {
			continue
		}
		if err := t.resolveLocked(bp); err != nil {
			t.log.Warnf("could not plant breakpoint %d at %s:%d: %v", bp.ID, bp.File, bp.Line, err)
			continue
		}
		if bp.State == Resolved {
			changed = append(changed, bp)
		}
	}
	return changed
}

// Set creates a breakpoint at file:line. Without symbols, or when the
// location is unknown to the line table, the breakpoint is kept in
// Pending state rather than rejected.
func (t *Table) Set(file string, line int) (*Breakpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bp := &Breakpoint{ID: t.nextID, File: file, Line: line}
	t.nextID++
	t.bps[bp.ID] = bp

	if err := t.resolveLocked(bp); err != nil {
		return bp, err
	}
	return bp, nil
}

// SetAddress creates a breakpoint directly at a remote address.
func (t *Table) SetAddress(addr uint64) (*Breakpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bp := &Breakpoint{ID: t.nextID, Addr: addr}
	t.nextID++
	t.bps[bp.ID] = bp

	if err := t.plantLocked(bp, addr); err != nil {
		return bp, err
	}
	return bp, nil
}

// resolveLocked binds bp to an address if the module knows one for it.
func (t *Table) resolveLocked(bp *Breakpoint) error {
	if t.loc == nil {
		return nil
	}
	local, ok := t.loc.ResolveLocation(bp.File, bp.Line)
	if !ok {
		return nil
	}
	return t.plantLocked(bp, t.loc.ToRemote(local))
}

func (t *Table) plantLocked(bp *Breakpoint, addr uint64) error {
	t.refs[addr]++
	if t.refs[addr] == 1 {
		if err := t.setter.SetBreakpoint(addr); err != nil {
			t.refs[addr]--
			return err
		}
	}
	bp.Addr = addr
	bp.State = Resolved
	return nil
}

// Clear removes the breakpoint with the given id. Clearing a pending
// breakpoint touches nothing in the target.
func (t *Table) Clear(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bp := t.bps[id]
	if bp == nil {
		return fmt.Errorf("no breakpoint with id %d", id)
	}
	delete(t.bps, id)
	return t.unplantLocked(bp)
}

func (t *Table) unplantLocked(bp *Breakpoint) error {
	if bp.State != Resolved {
		return nil
	}
	t.refs[bp.Addr]--
	if t.refs[bp.Addr] > 0 {
		return nil
	}
	delete(t.refs, bp.Addr)
	return t.setter.ClearBreakpoint(bp.Addr)
}

// ClearFile removes all breakpoints in the given source file. The
// setBreakpoints request of the Debug Adapter Protocol replaces the
// whole set for a file, so this runs before re-adding.
func (t *Table) ClearFile(file string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for id, bp := range t.bps {
		if bp.File != file {
			continue
		}
		delete(t.bps, id)
		if err := t.unplantLocked(bp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ClearAll removes every breakpoint.
func (t *Table) ClearAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for id, bp := range t.bps {
		delete(t.bps, id)
		if err := t.unplantLocked(bp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reapply plants a trap for every resolved address again. Used after
// reconnecting to a stub that lost its state.
func (t *Table) Reapply() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	addrs := make([]uint64, 0, len(t.refs))
	for addr := range t.refs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var firstErr error
	for _, addr := range addrs {
		if err := t.setter.SetBreakpoint(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Breakpoints returns all breakpoints sorted by id.
func (t *Table) Breakpoints() []*Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Breakpoint, 0, len(t.bps))
	for _, id := range t.sortedIDs() {
		out = append(out, t.bps[id])
	}
	return out
}

func (t *Table) sortedIDs() []int {
	ids := make([]int, 0, len(t.bps))
	for id := range t.bps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
