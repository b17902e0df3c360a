package symbols

import (
	"bytes"
	"debug/dwarf"
	"debug/macho"
	"fmt"
	"os"
	"path/filepath"
)

// findDebugInfo locates the DWARF data for exe. dSYM candidates are
// tried first, the executable's own sections last; Xcode strips DWARF
// from the binary proper on anything but debug builds.
func (m *Module) findDebugInfo(exe *macho.File, opts LoadOptions) (*dwarf.Data, string, error) {
	for _, candidate := range debugInfoCandidates(m.Path, opts) {
		f, err := macho.Open(candidate)
		if err != nil {
			continue
		}
		if m.HasUUID && !uuidMatches(f, m.UUID) {
			m.log.Warnf("skipping %s: UUID mismatch", candidate)
			f.Close()
			continue
		}
		data, err := f.DWARF()
		f.Close()
		if err != nil {
			m.log.Warnf("skipping %s: %v", candidate, err)
			continue
		}
		return data, candidate, nil
	}

	if data, err := exe.DWARF(); err == nil {
		return data, m.Path, nil
	}
	return nil, "", fmt.Errorf("%w for %s", ErrNoDebugInfo, m.Path)
}

// debugInfoCandidates builds the ordered list of paths that may hold
// the DWARF file for the binary at path:
//
//  1. the explicitly configured path, both as a dSYM bundle and as a
//     bare DWARF file
//  2. a sibling <binary>.dSYM bundle
//  3. <binary name>.dSYM bundles under each configured search directory
func debugInfoCandidates(path string, opts LoadOptions) []string {
	base := filepath.Base(path)
	var candidates []string
	if opts.DebugInfoPath != "" {
		candidates = append(candidates,
			dsymDWARFPath(opts.DebugInfoPath, base),
			opts.DebugInfoPath)
	}
	candidates = append(candidates, dsymDWARFPath(path+".dSYM", base))
	for _, dir := range opts.DebugInfoDirectories {
		candidates = append(candidates, dsymDWARFPath(filepath.Join(dir, base+".dSYM"), base))
	}

	out := candidates[:0]
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			out = append(out, c)
		}
	}
	return out
}

func dsymDWARFPath(bundle, base string) string {
	return filepath.Join(bundle, "Contents", "Resources", "DWARF", base)
}

func uuidMatches(f *macho.File, uuid [16]byte) bool {
	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) >= 24 && f.ByteOrder.Uint32(raw[:4]) == lcUUID {
			return bytes.Equal(raw[8:24], uuid[:])
		}
	}
	// a dSYM without LC_UUID cannot be verified, accept it
	return true
}
