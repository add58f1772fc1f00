package litefs

import (
	"errors"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/breeze-rmm/dlc/pkg/packformat"
)

func writeLite(t *testing.T, root, name string, content []byte) {
	t.Helper()
	packed, used, err := packformat.Compress(packformat.CodecLZ4HC, content)
	if err != nil {
		t.Fatal(err)
	}
	footer := packformat.LiteFooterFor(packformat.FileEntry{
		CompressedSize:  uint32(len(packed)),
		OriginalSize:    uint32(len(content)),
		CompressedCrc32: crc32.ChecksumIEEE(packed),
		Type:            used,
	})
	path := filepath.Join(root, filepath.FromSlash(name)+".dvpl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(packed, footer.Encode()...), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMountAndRead(t *testing.T) {
	root := t.TempDir()
	content := []byte("level geometry level geometry level geometry")
	writeLite(t, root, "maps/level1.sc2", content)

	tbl := NewTable()
	if err := tbl.Mount(root, "~res:/"); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	got, err := tbl.ReadFile("~res:/maps/level1.sc2")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("content = %q", got)
	}
	if !tbl.Exists("~res:/maps/level1.sc2") {
		t.Fatal("Exists should be true for a verified file")
	}
	if tbl.Exists("~res:/maps/missing.sc2") {
		t.Fatal("Exists should be false for a missing file")
	}
	if _, err := tbl.ReadFile("~res:/maps/missing.sc2"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing err = %v, want fs.ErrNotExist", err)
	}
	if _, err := tbl.ReadFile("~doc:/x"); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("unmounted prefix err = %v, want ErrNotMounted", err)
	}
}

func TestResolveCannotEscapeRoot(t *testing.T) {
	root := t.TempDir()
	tbl := NewTable()
	if err := tbl.Mount(root, "~res:/"); err != nil {
		t.Fatal(err)
	}
	path, err := tbl.resolve("~res:/../../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	abs, _ := filepath.Abs(root)
	if rel, _ := filepath.Rel(abs, path); rel != filepath.Join("etc", "passwd.dvpl") {
		t.Fatalf("resolved %q outside root", path)
	}
}

func TestMountRefCounting(t *testing.T) {
	root := t.TempDir()
	tbl := NewTable()
	for i := 0; i < 2; i++ {
		if err := tbl.Mount(root, "~res:/"); err != nil {
			t.Fatalf("Mount %d: %v", i, err)
		}
	}
	if err := tbl.Mount(root, "~other:/"); err == nil {
		t.Fatal("remounting under another prefix should fail")
	}

	if err := tbl.Unmount(root); err != nil {
		t.Fatal(err)
	}
	if len(tbl.Mounted()) != 1 {
		t.Fatal("root should stay mounted while referenced")
	}
	if err := tbl.Unmount(root); err != nil {
		t.Fatal(err)
	}
	if len(tbl.Mounted()) != 0 {
		t.Fatal("root should be unmounted after the last reference")
	}
	if err := tbl.Unmount(root); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("extra Unmount err = %v, want ErrNotMounted", err)
	}
}

func TestRestrictHidesRejectedFiles(t *testing.T) {
	root := t.TempDir()
	writeLite(t, root, "maps/level1.sc2", []byte("current"))
	writeLite(t, root, "maps/old.sc2", []byte("left over from another superpack"))

	tbl := NewTable()
	if err := tbl.Restrict(root, nil); !errors.Is(err, ErrNotMounted) {
		t.Fatalf("Restrict before Mount err = %v, want ErrNotMounted", err)
	}
	if err := tbl.Mount(root, "~res:/"); err != nil {
		t.Fatal(err)
	}
	var asked []string
	allow := func(name string) bool {
		asked = append(asked, name)
		return name == "maps/level1.sc2"
	}
	if err := tbl.Restrict(root, allow); err != nil {
		t.Fatalf("Restrict: %v", err)
	}

	if got, err := tbl.ReadFile("~res:/maps/level1.sc2"); err != nil || string(got) != "current" {
		t.Fatalf("allowed file = %q, %v", got, err)
	}
	if _, err := tbl.ReadFile("~res:/maps/old.sc2"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("rejected file err = %v, want fs.ErrNotExist", err)
	}
	if tbl.Exists("~res:/maps/old.sc2") {
		t.Fatal("Exists should be false for a rejected file")
	}
	if len(asked) == 0 || asked[0] != "maps/level1.sc2" {
		t.Fatalf("filter saw names %q, want root-relative slash paths", asked)
	}

	if err := tbl.Restrict(root, nil); err != nil {
		t.Fatal(err)
	}
	if !tbl.Exists("~res:/maps/old.sc2") {
		t.Fatal("clearing the filter should serve every intact file")
	}
}
