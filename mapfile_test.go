package blkcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadStatusMapMissingFileReturnsFresh(t *testing.T) {
	dir := t.TempDir()
	sm, comments, err := LoadStatusMap(filepath.Join(dir, "nope.map"), 16*4096, 4096)
	if err != nil {
		t.Fatalf("LoadStatusMap: %v", err)
	}
	if comments != nil {
		t.Fatalf("expected no comments for a fresh map, got %v", comments)
	}
	if got := sm.StatusAt(0); got != Unread {
		t.Fatalf("fresh map block 0: got %s, want Unread", got)
	}
}

func TestStatusMapSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.map")

	sm := NewStatusMap(16*4096, 4096)
	sm.Set(0, 4, Cached)
	sm.Set(4, 5, BadSector)
	sm.SetCurrentPos(5 * 4096)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sm.Save(f, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f.Close()

	loaded, _, err := LoadStatusMap(path, 16*4096, 4096)
	if err != nil {
		t.Fatalf("LoadStatusMap: %v", err)
	}

	for b := uint64(0); b < 16; b++ {
		if got, want := loaded.StatusAt(b), sm.StatusAt(b); got != want {
			t.Fatalf("block %d: got %s, want %s", b, got, want)
		}
	}
}

// TestMapfileRoundTripPreservesForeignStatuses checks that a mapfile
// written by something other than this engine round-trips every status
// character the engine never itself transitioned.
func TestMapfileRoundTripPreservesForeignStatuses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ddrescue.map")

	original := "# Mapfile. Created by ddrescue\n" +
		"# current_pos  current_status\n" +
		"0x00000000     +\n" +
		"#      pos            size    status\n" +
		"0x00000000     0x00001000     +\n" +
		"0x00001000     0x00001000     B\n" +
		"0x00002000     0x00001000     ?\n"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	sm, comments, err := LoadStatusMap(path, 3*4096, 4096)
	if err != nil {
		t.Fatalf("LoadStatusMap: %v", err)
	}
	if sm.StatusAt(0) != Cached || sm.StatusAt(1) != BadSector || sm.StatusAt(2) != Unread {
		t.Fatalf("unexpected folded statuses: %s %s %s", sm.StatusAt(0), sm.StatusAt(1), sm.StatusAt(2))
	}

	var buf bytes.Buffer
	if err := sm.Save(&buf, comments); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for _, want := range []string{"0x00000000     0x00001000     +", "0x00001000     0x00001000     B"} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Fatalf("saved mapfile missing expected line %q:\n%s", want, buf.String())
		}
	}
}

// TestMapfileRepeatedRoundTripDoesNotDuplicateHeaders checks that loading
// and saving a mapfile several times in a row, as happens across repeated
// engine sessions, never grows the column-header comments: Save always
// regenerates them itself, so they must not also accumulate as passthrough.
func TestMapfileRepeatedRoundTripDoesNotDuplicateHeaders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.map")

	sm := NewStatusMap(4*4096, 4096)
	sm.Set(0, 2, Cached)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sm.Save(f, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f.Close()

	for i := 0; i < 3; i++ {
		loaded, comments, err := LoadStatusMap(path, 4*4096, 4096)
		if err != nil {
			t.Fatalf("round %d: LoadStatusMap: %v", i, err)
		}
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("round %d: create: %v", i, err)
		}
		if err := loaded.Save(f, comments); err != nil {
			t.Fatalf("round %d: Save: %v", i, err)
		}
		f.Close()
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read final mapfile: %v", err)
	}
	for _, header := range []string{"# current_pos  current_status", "#      pos            size    status"} {
		if n := bytes.Count(contents, []byte(header)); n != 1 {
			t.Fatalf("header %q appears %d times after repeated round-trips, want exactly 1:\n%s", header, n, contents)
		}
	}
}

func TestLoadStatusMapRejectsUnknownStatusChar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.map")
	contents := "# Mapfile\n" +
		"# current_pos  current_status\n" +
		"0x00000000     ?\n" +
		"0x00000000     0x00001000     Z\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, _, err := LoadStatusMap(path, 4096, 4096)
	if err == nil {
		t.Fatalf("expected error for unknown status character")
	}
	if _, ok := err.(*MapFileCorruptError); !ok {
		t.Fatalf("got %T, want *MapFileCorruptError", err)
	}
}

func TestLoadStatusMapRejectsCoverageMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.map")
	contents := "# Mapfile\n" +
		"# current_pos  current_status\n" +
		"0x00000000     ?\n" +
		"0x00000000     0x00001000     +\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, _, err := LoadStatusMap(path, 2*4096, 4096)
	if err == nil {
		t.Fatalf("expected error for coverage mismatch")
	}
	if _, ok := err.(*MapFileCorruptError); !ok {
		t.Fatalf("got %T, want *MapFileCorruptError", err)
	}
}

func TestLoadStatusMapRejectsOverlappingRanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlap.map")
	contents := "# Mapfile\n" +
		"# current_pos  current_status\n" +
		"0x00000000     ?\n" +
		"0x00000000     0x00002000     +\n" +
		"0x00001000     0x00001000     B\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, _, err := LoadStatusMap(path, 2*4096, 4096)
	if err == nil {
		t.Fatalf("expected error for overlapping ranges")
	}
}
