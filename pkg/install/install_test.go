package install

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/manifest"
)

type tarEntry struct {
	name    string
	body    string
	mode    int64
	dir     bool
	symlink string
}

func writeTarGz(t *testing.T, path string, entries []tarEntry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		switch {
		case e.dir:
			hdr.Typeflag = tar.TypeDir
		case e.symlink != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.symlink
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractStripsComponents(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bottle.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "wget/1.25.0", dir: true},
		{name: "wget/1.25.0/bin", dir: true},
		{name: "wget/1.25.0/bin/wget", body: "elf", mode: 0o755},
		{name: "wget/1.25.0/share/man/man1/wget.1", body: "manpage"},
	})

	dest := filepath.Join(dir, "keg")
	if err := extractTarGz(archive, dest, 2); err != nil {
		t.Fatalf("extract: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "bin", "wget"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "elf" {
		t.Errorf("content = %q", got)
	}
	info, _ := os.Stat(filepath.Join(dest, "bin", "wget"))
	if info.Mode()&0o100 == 0 {
		t.Error("executable bit lost")
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "pkg/../../escape", body: "nope"},
	})

	err := extractTarGz(archive, filepath.Join(dir, "dest"), 0)
	if !cerrors.Is(err, cerrors.ErrCodeInvalidPath) {
		t.Fatalf("err = %v, want INVALID_PATH", err)
	}
	if _, serr := os.Stat(filepath.Join(dir, "escape")); !os.IsNotExist(serr) {
		t.Error("traversal entry was written")
	}
}

func TestInstallBottle(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "wget-1.25.0.bottle.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "wget/1.25.0/bin/wget", body: "elf", mode: 0o755},
	})

	f := &definition.Formula{Name: "wget", Version: "1.25.0"}
	kegPath := filepath.Join(dir, "Cellar", "wget", "1.25.0")
	b := NewTarBottleInstaller(nil)
	if err := b.InstallBottle(context.Background(), f, archive, kegPath); err != nil {
		t.Fatalf("InstallBottle: %v", err)
	}
	if _, err := os.Stat(filepath.Join(kegPath, "bin", "wget")); err != nil {
		t.Error("binary not placed in keg")
	}
}

func TestInstallBottleCorruptArchiveLeavesNoKeg(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "corrupt.tar.gz")
	if err := os.WriteFile(archive, []byte("not a tarball"), 0o644); err != nil {
		t.Fatal(err)
	}

	kegPath := filepath.Join(dir, "Cellar", "wget", "1.25.0")
	b := NewTarBottleInstaller(nil)
	err := b.InstallBottle(context.Background(), &definition.Formula{Name: "wget"}, archive, kegPath)
	if err == nil {
		t.Fatal("corrupt archive must fail")
	}
	if _, serr := os.Stat(kegPath); !os.IsNotExist(serr) {
		t.Error("half-unpacked keg left behind")
	}
}

func TestLinkFormula(t *testing.T) {
	root := t.TempDir()
	kegPath := filepath.Join(root, "Cellar", "wget", "1.25.0")
	for _, d := range []string{filepath.Join(kegPath, "bin"), filepath.Join(kegPath, "share", "man", "man1")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(kegPath, "bin", "wget"), []byte("elf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(kegPath, "share", "man", "man1", "wget.1"), []byte("man"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewPrefixLinker(filepath.Join(root, "bin"), filepath.Join(root, "share", "man"), filepath.Join(root, "opt"), nil)
	artifacts, err := l.LinkFormula(kegPath, "wget")
	if err != nil {
		t.Fatalf("LinkFormula: %v", err)
	}
	// opt link + bin link + man link
	if len(artifacts) != 3 {
		t.Fatalf("got %d artifacts: %+v", len(artifacts), artifacts)
	}

	target, err := os.Readlink(filepath.Join(root, "bin", "wget"))
	if err != nil {
		t.Fatal(err)
	}
	if target != filepath.Join(kegPath, "bin", "wget") {
		t.Errorf("bin link points at %s", target)
	}
	opt, err := os.Readlink(filepath.Join(root, "opt", "wget"))
	if err != nil {
		t.Fatal(err)
	}
	if opt != kegPath {
		t.Errorf("opt link points at %s", opt)
	}
	if _, err := os.Lstat(filepath.Join(root, "share", "man", "man1", "wget.1")); err != nil {
		t.Error("man link missing")
	}
}

func TestLinkFormulaRelinksExisting(t *testing.T) {
	root := t.TempDir()
	oldKeg := filepath.Join(root, "Cellar", "wget", "1.24.0")
	newKeg := filepath.Join(root, "Cellar", "wget", "1.25.0")
	for _, keg := range []string{oldKeg, newKeg} {
		if err := os.MkdirAll(filepath.Join(keg, "bin"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(keg, "bin", "wget"), []byte("elf"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	l := NewPrefixLinker(filepath.Join(root, "bin"), filepath.Join(root, "man"), filepath.Join(root, "opt"), nil)
	if _, err := l.LinkFormula(oldKeg, "wget"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.LinkFormula(newKeg, "wget"); err != nil {
		t.Fatalf("relink over existing links: %v", err)
	}
	target, _ := os.Readlink(filepath.Join(root, "opt", "wget"))
	if target != newKeg {
		t.Errorf("opt link = %s, want %s", target, newKeg)
	}
}

func TestInstallCask(t *testing.T) {
	root := t.TempDir()
	payload := filepath.Join(root, "browser-2.0.tar.gz")
	writeTarGz(t, payload, []tarEntry{
		{name: "Browser.app/Contents/Info.plist", body: "<plist/>"},
		{name: "browser", body: "#!/bin/sh", mode: 0o755},
		{name: "browser.1", body: "man"},
	})

	cask := &definition.Cask{
		Token:   "browser",
		Version: "2.0",
		Artifacts: definition.CaskArtifacts{
			Apps:          []string{"Browser.app"},
			Binaries:      []string{"browser"},
			Manpages:      []string{"browser.1"},
			Pkgs:          []string{"com.example.browser"},
			LaunchdLabels: []string{"com.example.browser.agent"},
		},
	}

	versionDir := filepath.Join(root, "Caskroom", "browser", "2.0")
	c := NewArtifactCaskInstaller(filepath.Join(root, "Applications"), filepath.Join(root, "bin"), filepath.Join(root, "man"), nil)
	artifacts, err := c.InstallCask(context.Background(), cask, payload, versionDir)
	if err != nil {
		t.Fatalf("InstallCask: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "Applications", "Browser.app", "Contents", "Info.plist")); err != nil {
		t.Error("app bundle not moved into applications dir")
	}
	if _, err := os.Lstat(filepath.Join(root, "bin", "browser")); err != nil {
		t.Error("binary link missing")
	}
	if _, err := os.Lstat(filepath.Join(root, "man", "man1", "browser.1")); err != nil {
		t.Error("man link missing")
	}

	kinds := map[manifest.Kind]int{}
	for _, a := range artifacts {
		kinds[a.Kind]++
	}
	for _, want := range []manifest.Kind{
		manifest.KindAppBundle,
		manifest.KindBinaryLink,
		manifest.KindManpageLink,
		manifest.KindPkgUtilReceipt,
		manifest.KindLaunchd,
	} {
		if kinds[want] != 1 {
			t.Errorf("kind %s recorded %d times, want 1", want, kinds[want])
		}
	}
}

func TestBuildEnv(t *testing.T) {
	base := []string{"HOME=/home/u", "PATH=/usr/bin"}
	opts := []string{"/prefix/opt/openssl", "/prefix/opt/zlib"}

	env := buildEnv(base, opts)
	var path, cpp, ld string
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			path = kv
		case strings.HasPrefix(kv, "CPPFLAGS="):
			cpp = kv
		case strings.HasPrefix(kv, "LDFLAGS="):
			ld = kv
		}
	}
	if !strings.Contains(path, "/prefix/opt/openssl/bin") || !strings.HasSuffix(path, "/usr/bin") {
		t.Errorf("PATH = %s", path)
	}
	if !strings.Contains(cpp, "-I/prefix/opt/zlib/include") {
		t.Errorf("CPPFLAGS = %s", cpp)
	}
	if !strings.Contains(ld, "-L/prefix/opt/openssl/lib") {
		t.Errorf("LDFLAGS = %s", ld)
	}
}

func TestBuildMissingTools(t *testing.T) {
	t.Setenv("PATH", t.TempDir()) // nothing on PATH

	b := NewExecSourceBuilder(nil)
	err := b.Build(context.Background(), &definition.Formula{Name: "wget"}, "unused.tar.gz", t.TempDir(), nil)
	if !cerrors.Is(err, cerrors.ErrCodeBuildEnv) {
		t.Fatalf("err = %v, want BUILD_ENV_ERROR", err)
	}
}
