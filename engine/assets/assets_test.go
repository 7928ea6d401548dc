package assets

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDetermineAssetType(t *testing.T) {
	tests := []struct {
		path string
		want AssetType
	}{
		{"shaders/pathtracer.rtlib", AssetTypeShaderLibrary},
		{"shaders/raygen.spv", AssetTypeSPIRV},
		{"anima.toml", AssetTypeConfig},
		{"textures/wall.png", AssetTypeNone},
		{"README", AssetTypeNone},
	}
	for _, tt := range tests {
		if got := determineAssetType(tt.path); got != tt.want {
			t.Errorf("determineAssetType(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestIndexAndLoad(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "shaders", "pathtracer.rtlib")
	writeFile(t, lib, "export RayGen\n")
	writeFile(t, filepath.Join(dir, "shaders", "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "shaders", "empty.rtlib"), "  \n")

	am, err := NewAssetManager()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = am.Shutdown() })
	if err := am.Initialize(dir, false); err != nil {
		t.Fatal(err)
	}
	if am.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", am.Count())
	}

	res, err := am.LoadAsset(lib)
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "pathtracer" || string(res.Data) != "export RayGen\n" {
		t.Fatalf("loaded %q with %q", res.Name, res.Data)
	}
	if info, _ := am.Lookup(lib); info.LastLoaded.IsZero() {
		t.Fatal("LoadAsset did not stamp the index entry")
	}
	if err := am.UnloadAsset(res); err != nil || res.Data != nil {
		t.Fatalf("UnloadAsset() = %v, data %q", err, res.Data)
	}

	if _, err := am.LoadAsset(filepath.Join(dir, "shaders", "empty.rtlib")); err == nil {
		t.Fatal("empty library loaded")
	}
	if _, err := am.LoadAsset(filepath.Join(dir, "missing.rtlib")); err == nil {
		t.Fatal("unindexed asset loaded")
	}
}

func TestSPIRVHeader(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.spv")
	header := []byte{0x03, 0x02, 0x23, 0x07, 0, 0, 1, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0}
	writeFile(t, good, string(header))
	bad := filepath.Join(dir, "bad.spv")
	writeFile(t, bad, "not a spir-v module!")

	am, err := NewAssetManager()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = am.Shutdown() })
	if err := am.Initialize(dir, false); err != nil {
		t.Fatal(err)
	}
	if _, err := am.LoadAsset(good); err != nil {
		t.Fatalf("LoadAsset(good) = %v", err)
	}
	if _, err := am.LoadAsset(bad); err == nil {
		t.Fatal("module without the SPIR-V magic loaded")
	}
}

func TestWatchNotifiesWrites(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "pathtracer.rtlib")
	writeFile(t, lib, "export RayGen\n")

	am, err := NewAssetManager()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = am.Shutdown() })

	changed := make(chan AssetInfo, 16)
	am.OnChange(AssetTypeShaderLibrary, func(info AssetInfo) { changed <- info })
	if err := am.Initialize(dir, true); err != nil {
		t.Fatal(err)
	}

	writeFile(t, lib, "export RayGen\nexport Miss\n")
	select {
	case info := <-changed:
		if info.Path != filepath.Clean(lib) {
			t.Fatalf("change reported for %s", info.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	// New files are indexed as they appear.
	second := filepath.Join(dir, "second.rtlib")
	writeFile(t, second, "export Miss\n")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := am.Lookup(second); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("created library was not indexed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
