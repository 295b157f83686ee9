package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/matzehuels/cellarman/pkg/keg"
)

type recordingHooks struct {
	forgotten []string
	unloaded  []string
	elevated  []string
}

func (h *recordingHooks) ForgetPackage(_ context.Context, id string) error {
	h.forgotten = append(h.forgotten, id)
	return nil
}

func (h *recordingHooks) UnloadService(_ context.Context, label string) error {
	h.unloaded = append(h.unloaded, label)
	return nil
}

func (h *recordingHooks) ElevatedRemove(path string) error {
	h.elevated = append(h.elevated, path)
	return os.RemoveAll(path)
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	artifacts := []InstalledArtifact{
		AppBundle("/Applications/Browser.app"),
		BinaryLink("/usr/local/bin/browser", "/opt/Caskroom/browser/2.0/browser"),
		PkgUtilReceipt("com.example.browser"),
	}

	if err := Write(dir, artifacts); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d artifacts, want 3", len(got))
	}
	if got[0].Kind != KindAppBundle || got[0].Path != "/Applications/Browser.app" {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].LinkPath == "" || got[1].TargetPath == "" {
		t.Errorf("link entry lost fields: %+v", got[1])
	}
}

func TestReadMissing(t *testing.T) {
	got, err := Read(t.TempDir())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Errorf("missing manifest should read as empty, got %v", got)
	}
}

// TestUninstallCaskIsInverse installs a synthetic cask layout, uninstalls
// it, and checks that everything recorded is gone while an unrelated
// cask's artifacts survive.
func TestUninstallCaskIsInverse(t *testing.T) {
	root := t.TempDir()
	apps := filepath.Join(root, "Applications")
	bin := filepath.Join(root, "bin")
	caskroom := filepath.Join(root, "Caskroom")
	versionDir := filepath.Join(caskroom, "browser", "2.0")
	for _, dir := range []string{apps, bin, versionDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	app := filepath.Join(apps, "Browser.app")
	if err := os.MkdirAll(filepath.Join(app, "Contents"), 0o755); err != nil {
		t.Fatal(err)
	}
	staged := filepath.Join(versionDir, "browser")
	if err := os.WriteFile(staged, []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(bin, "browser")
	if err := os.Symlink(staged, link); err != nil {
		t.Fatal(err)
	}

	// Unrelated artifact from another cask.
	otherApp := filepath.Join(apps, "Other.app")
	if err := os.MkdirAll(otherApp, 0o755); err != nil {
		t.Fatal(err)
	}

	artifacts := []InstalledArtifact{
		AppBundle(app),
		BinaryLink(link, staged),
		PkgUtilReceipt("com.example.browser"),
		Launchd("com.example.browser.agent", ""),
	}
	if err := Write(versionDir, artifacts); err != nil {
		t.Fatal(err)
	}

	hooks := &recordingHooks{}
	u := NewUninstaller(hooks, nil)
	if err := u.UninstallCask(context.Background(), versionDir); err != nil {
		t.Fatalf("UninstallCask: %v", err)
	}

	for _, gone := range []string{app, link, versionDir} {
		if _, err := os.Lstat(gone); !os.IsNotExist(err) {
			t.Errorf("%s still exists after uninstall", gone)
		}
	}
	// Last version removed, so the token directory is pruned too.
	if _, err := os.Stat(filepath.Join(caskroom, "browser")); !os.IsNotExist(err) {
		t.Error("empty token directory not pruned")
	}
	if _, err := os.Stat(otherApp); err != nil {
		t.Error("unrelated cask artifact was touched")
	}
	if len(hooks.forgotten) != 1 || hooks.forgotten[0] != "com.example.browser" {
		t.Errorf("forgotten = %v", hooks.forgotten)
	}
	if len(hooks.unloaded) != 1 || hooks.unloaded[0] != "com.example.browser.agent" {
		t.Errorf("unloaded = %v", hooks.unloaded)
	}
}

func TestUninstallNeverFollowsLinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real-binary")
	if err := os.WriteFile(target, []byte("bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	u := NewUninstaller(&recordingHooks{}, nil)
	if err := u.revertOne(context.Background(), BinaryLink(link, target)); err != nil {
		t.Fatalf("revertOne: %v", err)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Error("link not removed")
	}
	if _, err := os.Stat(target); err != nil {
		t.Error("link target must never be removed")
	}
}

func TestUninstallRefusesNonLink(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "regular-file")
	if err := os.WriteFile(file, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := NewUninstaller(&recordingHooks{}, nil)
	if err := u.revertOne(context.Background(), BinaryLink(file, "")); err == nil {
		t.Fatal("removing a regular file recorded as a link must fail")
	}
	if _, err := os.Stat(file); err != nil {
		t.Error("regular file was removed")
	}
}

func TestUninstallUnknownKindWarnsAndContinues(t *testing.T) {
	dir := t.TempDir()
	versionDir := filepath.Join(dir, "tool", "1.0")
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		t.Fatal(err)
	}
	leftover := filepath.Join(dir, "leftover")
	if err := os.WriteFile(leftover, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	raw := []byte(`[{"kind":"quarantine_flag","path":"/nope"},{"kind":"moved_resource","path":"` + leftover + `"}]`)
	if err := os.WriteFile(filepath.Join(versionDir, FileName), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	u := NewUninstaller(&recordingHooks{}, nil)
	if err := u.UninstallCask(context.Background(), versionDir); err != nil {
		t.Fatalf("unknown kind must not fail the uninstall: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("known entries must still be reverted")
	}
}

func TestUninstallFormula(t *testing.T) {
	root := t.TempDir()
	cellar := filepath.Join(root, "Cellar")
	bin := filepath.Join(root, "bin")
	kegPath := filepath.Join(cellar, "wget", "1.25.0")
	for _, dir := range []string{filepath.Join(kegPath, "bin"), bin} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	binary := filepath.Join(kegPath, "bin", "wget")
	if err := os.WriteFile(binary, []byte("elf"), 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(bin, "wget")
	if err := os.Symlink(binary, link); err != nil {
		t.Fatal(err)
	}
	if err := Write(kegPath, []InstalledArtifact{BinaryLink(link, binary)}); err != nil {
		t.Fatal(err)
	}

	reg := keg.NewRegistry(cellar)
	kegs, err := reg.InstalledKegs("wget")
	if err != nil || len(kegs) != 1 {
		t.Fatalf("kegs = %v, err = %v", kegs, err)
	}

	u := NewUninstaller(&recordingHooks{}, nil)
	if err := u.UninstallFormula(context.Background(), reg, kegs[0]); err != nil {
		t.Fatalf("UninstallFormula: %v", err)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Error("prefix link not removed")
	}
	if _, err := os.Stat(kegPath); !os.IsNotExist(err) {
		t.Error("keg directory not removed")
	}
}

func TestManifestJSONShape(t *testing.T) {
	data, err := json.Marshal(Launchd("com.example.agent", "/Library/LaunchAgents/a.plist"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"kind":"launchd","path":"/Library/LaunchAgents/a.plist","label":"com.example.agent"}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}
