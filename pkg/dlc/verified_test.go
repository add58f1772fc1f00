package dlc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVerifiedSetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), verifiedFileName)
	vs := loadVerifiedSet(path)
	vs.bind(0xCAFEBABE)
	vs.Add(1)
	vs.Add(7)
	if err := vs.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := loadVerifiedSet(path)
	got.bind(0xCAFEBABE)
	if got.Count() != 2 || !got.Contains(1) || !got.Contains(7) {
		t.Fatalf("reloaded set has %d entries", got.Count())
	}
	if !got.ContainsAll([]uint32{1, 7}) || got.ContainsAll([]uint32{1, 2}) {
		t.Fatal("ContainsAll mismatch")
	}

	var seen []uint32
	got.ForEach(func(i uint32) { seen = append(seen, i) })
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 7 {
		t.Fatalf("ForEach = %v, want [1 7]", seen)
	}
}

func TestVerifiedSetDropsOtherSuperpack(t *testing.T) {
	path := filepath.Join(t.TempDir(), verifiedFileName)
	vs := loadVerifiedSet(path)
	vs.bind(1)
	vs.Add(3)
	if err := vs.flush(); err != nil {
		t.Fatal(err)
	}

	next := loadVerifiedSet(path)
	next.bind(2)
	if next.Count() != 0 {
		t.Fatalf("Count = %d after superpack change, want 0", next.Count())
	}
	if err := next.flush(); err != nil {
		t.Fatal(err)
	}
	if again := loadVerifiedSet(path); again.footerCrc != 2 || again.Count() != 0 {
		t.Fatalf("persisted crc=%x count=%d", again.footerCrc, again.Count())
	}
}

func TestVerifiedSetLimit(t *testing.T) {
	vs := newVerifiedSet("")
	for _, i := range []uint32{0, 4, 5, 9} {
		vs.Add(i)
	}
	vs.limit(5)
	if vs.Count() != 2 || vs.Contains(5) || vs.Contains(9) {
		t.Fatalf("Count = %d after limit", vs.Count())
	}
}

func TestVerifiedSetIgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), verifiedFileName)
	for _, data := range [][]byte{[]byte("junk"), []byte("DLCV\x01\x00\x00\x00garbage")} {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if vs := loadVerifiedSet(path); vs.Count() != 0 {
			t.Fatalf("corrupt file %q loaded %d entries", data, vs.Count())
		}
	}
}

func TestVerifiedSetFlushSkipsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), verifiedFileName)
	vs := loadVerifiedSet(path)
	if err := vs.flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("clean set written to disk: %v", err)
	}
}
