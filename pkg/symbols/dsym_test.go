package symbols

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDebugInfoCandidates(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "testprog")

	sibling := filepath.Join(dir, "testprog.dSYM", "Contents", "Resources", "DWARF")
	if err := os.MkdirAll(sibling, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sibling, "testprog"), []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}

	searchDir := filepath.Join(dir, "symbols")
	inSearch := filepath.Join(searchDir, "testprog.dSYM", "Contents", "Resources", "DWARF")
	if err := os.MkdirAll(inSearch, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inSearch, "testprog"), []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}

	got := debugInfoCandidates(bin, LoadOptions{DebugInfoDirectories: []string{searchDir}})
	want := []string{
		filepath.Join(sibling, "testprog"),
		filepath.Join(inSearch, "testprog"),
	}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDebugInfoCandidatesExplicit(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "testprog")

	// an explicit path pointing at a bare DWARF file comes first
	dwarfFile := filepath.Join(dir, "testprog.dwarf")
	if err := os.WriteFile(dwarfFile, []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}

	got := debugInfoCandidates(bin, LoadOptions{DebugInfoPath: dwarfFile})
	if len(got) != 1 || got[0] != dwarfFile {
		t.Fatalf("candidates = %v, want [%s]", got, dwarfFile)
	}
}

func TestLoadSkipsMismatchedDSYM(t *testing.T) {
	dir := t.TempDir()
	bin := writeMachO(t, dir, "testprog", 0x100000000)

	// sibling dSYM with a different UUID must be rejected
	bundle := filepath.Join(dir, "testprog.dSYM", "Contents", "Resources", "DWARF")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	other := testUUID
	other[0] ^= 0xff
	writeMachOUUID(t, bundle, "testprog", 0x100000000, other)

	m, err := Load(bin, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.DebugInfoPath != "" {
		t.Errorf("DebugInfoPath = %q, want empty", m.DebugInfoPath)
	}
}
