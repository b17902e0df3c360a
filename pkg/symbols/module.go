// Package symbols loads Mach-O executables and their DWARF debug info
// and answers the two symbolication questions the adapter needs:
// address to source location and source location to address. All
// addresses stored in a Module are file-local; the load slide of the
// remote process is applied at the edges.
package symbols

import (
	"debug/dwarf"
	"debug/macho"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/mdaiter/ios-lldb-dap/pkg/logflags"
)

const (
	lcUUID = 0x1b // LC_UUID load command

	resolveCacheSize = 256
)

// ErrNoDebugInfo is returned (or logged, depending on LoadOptions.Strict)
// when neither the binary nor any dSYM candidate carries DWARF sections.
var ErrNoDebugInfo = errors.New("no debug info found")

// LoadError means the executable could not be read at all.
type LoadError struct {
	Path string
	Err  error
}

func (err *LoadError) Error() string {
	return fmt.Sprintf("could not load %s: %v", err.Path, err.Err)
}

func (err *LoadError) Unwrap() error { return err.Err }

// LineEntry is one row of the flattened line table. EndAddr is the
// address of the next row in the same sequence, or 0 for the last row.
type LineEntry struct {
	Addr    uint64
	EndAddr uint64
	File    string
	Line    int
	Col     int
}

// Function is a DW_TAG_subprogram with a code range.
type Function struct {
	Name  string
	Entry uint64
	End   uint64
}

// Location is the result of symbolicating an address.
type Location struct {
	PC   uint64 // file-local address
	File string
	Line int
	Col  int
	Fn   *Function
}

// LoadOptions control debug info discovery.
type LoadOptions struct {
	// DebugInfoPath is an explicit dSYM bundle (or DWARF file) to use
	// instead of the search heuristics.
	DebugInfoPath string
	// DebugInfoDirectories are extra directories searched for
	// <binary>.dSYM bundles.
	DebugInfoDirectories []string
	// Strict makes missing debug info a load failure instead of a
	// degraded module.
	Strict bool
}

// Module is the symbolicated view of one Mach-O executable. A session
// loads exactly one Module. LineTable and Funcs are immutable after
// Index.
type Module struct {
	Path          string
	DebugInfoPath string
	UUID          [16]byte
	HasUUID       bool

	// TextAddr is the vmaddr of the __TEXT segment as recorded in the
	// file, before any load slide.
	TextAddr uint64

	LineTable []LineEntry
	Funcs     []Function

	mu    sync.Mutex
	slide int64

	funcIndex *trie.Trie
	cache     *lru.Cache
	log       *logrus.Entry
}

// Load reads the Mach-O executable at path, locates its DWARF debug
// info and builds the line table and function index.
func Load(path string, opts LoadOptions) (*Module, error) {
	exe, err := macho.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer exe.Close()

	m := &Module{Path: path, log: logflags.SymbolsLogger()}

	seg := exe.Segment("__TEXT")
	if seg == nil {
		return nil, &LoadError{Path: path, Err: errors.New("no __TEXT segment")}
	}
	m.TextAddr = seg.Addr

	for _, l := range exe.Loads {
		raw := l.Raw()
		if len(raw) >= 24 && exe.ByteOrder.Uint32(raw[:4]) == lcUUID {
			copy(m.UUID[:], raw[8:24])
			m.HasUUID = true
		}
	}

	data, dwarfPath, err := m.findDebugInfo(exe, opts)
	if err != nil {
		if opts.Strict {
			return nil, err
		}
		m.log.Warnf("loading %s without debug info: %v", path, err)
	} else {
		m.DebugInfoPath = dwarfPath
		if err := m.loadDWARF(data); err != nil {
			if opts.Strict {
				return nil, &LoadError{Path: dwarfPath, Err: err}
			}
			m.log.Warnf("could not read DWARF from %s: %v", dwarfPath, err)
		}
	}

	m.Index()
	if logflags.Symbols() {
		m.log.Debugf("loaded %s: %d line entries, %d functions (debug info: %s)", path, len(m.LineTable), len(m.Funcs), m.DebugInfoPath)
	}
	return m, nil
}

// loadDWARF flattens the line programs of all compile units and
// collects subprogram ranges.
func (m *Module) loadDWARF(data *dwarf.Data) error {
	rdr := data.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			lineReader, err := data.LineReader(entry)
			if err != nil || lineReader == nil {
				continue
			}
			prev := -1
			var le dwarf.LineEntry
			for {
				err := lineReader.Next(&le)
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if prev >= 0 {
					m.LineTable[prev].EndAddr = le.Address
				}
				if le.EndSequence {
					prev = -1
					continue
				}
				file := ""
				if le.File != nil {
					file = le.File.Name
				}
				m.LineTable = append(m.LineTable, LineEntry{
					Addr: le.Address,
					File: file,
					Line: le.Line,
					Col:  le.Column,
				})
				prev = len(m.LineTable) - 1
			}

		case dwarf.TagSubprogram:
			name, _ := entry.Val(dwarf.AttrName).(string)
			lowpc, ok := entry.Val(dwarf.AttrLowpc).(uint64)
			if name == "" || !ok {
				rdr.SkipChildren()
				continue
			}
			end := lowpc
			// DW_AT_high_pc is either an address or an offset from low_pc
			switch v := entry.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				end = v
			case int64:
				end = lowpc + uint64(v)
			}
			m.Funcs = append(m.Funcs, Function{Name: name, Entry: lowpc, End: end})
			rdr.SkipChildren()
		}
	}
	return nil
}

// Index sorts the tables and builds the lookup structures. Load calls
// it; callers assembling a Module by hand must call it before use.
func (m *Module) Index() {
	sort.Slice(m.LineTable, func(i, j int) bool { return m.LineTable[i].Addr < m.LineTable[j].Addr })
	for i := range m.LineTable {
		if m.LineTable[i].EndAddr == 0 && i+1 < len(m.LineTable) {
			m.LineTable[i].EndAddr = m.LineTable[i+1].Addr
		}
	}
	sort.Slice(m.Funcs, func(i, j int) bool { return m.Funcs[i].Entry < m.Funcs[j].Entry })

	m.funcIndex = trie.New()
	for i := range m.Funcs {
		m.funcIndex.Add(m.Funcs[i].Name, i)
	}
	if m.cache == nil {
		m.cache, _ = lru.New(resolveCacheSize)
	}
	if m.log == nil {
		m.log = logflags.SymbolsLogger()
	}
}

// HasDebugInfo reports whether any DWARF was found for this module.
func (m *Module) HasDebugInfo() bool {
	return len(m.LineTable) > 0 || len(m.Funcs) > 0
}

// SetSlide records the load slide of the remote process directly.
func (m *Module) SetSlide(slide int64) {
	m.mu.Lock()
	m.slide = slide
	m.mu.Unlock()
}

// SetSlideFromRemoteText computes the slide from the remote load
// address of the __TEXT segment.
func (m *Module) SetSlideFromRemoteText(remoteTextAddr uint64) {
	m.SetSlide(int64(remoteTextAddr) - int64(m.TextAddr))
}

// Slide returns the current load slide.
func (m *Module) Slide() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slide
}

// ToLocal translates a remote process address to a file-local address.
func (m *Module) ToLocal(remote uint64) uint64 {
	return uint64(int64(remote) - m.Slide())
}

// ToRemote translates a file-local address to a remote process address.
func (m *Module) ToRemote(local uint64) uint64 {
	return uint64(int64(local) + m.Slide())
}

// ResolveAddress symbolicates a remote program counter. It returns nil
// when the address falls outside every known line range and function.
// Results are cached by local address, so slide changes stay safe.
func (m *Module) ResolveAddress(remotePC uint64) *Location {
	local := m.ToLocal(remotePC)

	if v, ok := m.cache.Get(local); ok {
		loc := v.(Location)
		return &loc
	}

	var loc Location
	loc.PC = local

	i := sort.Search(len(m.LineTable), func(i int) bool { return m.LineTable[i].Addr > local }) - 1
	if i >= 0 {
		e := &m.LineTable[i]
		if e.EndAddr == 0 || local < e.EndAddr {
			loc.File = e.File
			loc.Line = e.Line
			loc.Col = e.Col
		}
	}
	loc.Fn = m.FuncContaining(local)

	if loc.File == "" && loc.Fn == nil {
		return nil
	}
	m.cache.Add(local, loc)
	return &loc
}

// ResolveLocation maps file:line to the file-local address of the first
// line table entry at or after the requested line. Both full paths and
// basenames are accepted for file. The lowest matching line wins, and
// the lowest address among entries for that line.
func (m *Module) ResolveLocation(file string, line int) (uint64, bool) {
	base := filepath.Base(file)
	var best *LineEntry
	for i := range m.LineTable {
		e := &m.LineTable[i]
		if e.Line < line {
			continue
		}
		if e.File != file && filepath.Base(e.File) != base {
			continue
		}
		if best == nil || e.Line < best.Line || (e.Line == best.Line && e.Addr < best.Addr) {
			best = e
		}
	}
	if best == nil {
		return 0, false
	}
	return best.Addr, true
}

// FuncContaining returns the function whose range contains the
// file-local address, or nil.
func (m *Module) FuncContaining(local uint64) *Function {
	i := sort.Search(len(m.Funcs), func(i int) bool { return m.Funcs[i].Entry > local }) - 1
	if i < 0 {
		return nil
	}
	fn := &m.Funcs[i]
	if local >= fn.End && fn.End > fn.Entry {
		return nil
	}
	return fn
}

// FindFunction looks up a function by its exact name.
func (m *Module) FindFunction(name string) *Function {
	node, ok := m.funcIndex.Find(name)
	if !ok {
		return nil
	}
	i, ok := node.Meta().(int)
	if !ok {
		return nil
	}
	return &m.Funcs[i]
}

// FuncsByPrefix returns the names of all functions starting with
// prefix, sorted.
func (m *Module) FuncsByPrefix(prefix string) []string {
	names := m.funcIndex.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}
