package chipvariant

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve_defaultsTopBoot(t *testing.T) {
	table, err := Resolve(TopBootDeviceID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if table.Name != "top-boot" {
		t.Fatalf("expected top-boot, got %q", table.Name)
	}
}

func TestResolve_unknownDeviceFails(t *testing.T) {
	_, err := Resolve(0xdeadbeef, nil)
	if err == nil {
		t.Fatalf("expected an error for an unrecognized device-id")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.yaml")

	content := `
variants:
  "0x12345678":
    name: custom
    entriesBase: 4096
    entrySize: 524288
    bootIndexOffset: 0
    bootCounterOffset: 4
    crcWorkspaceOffset: 8
    testOffset: 12
    bootloaderCopiesBase: 0
    bootloaderCopySize: 32768
`

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	overrides, err := LoadOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	table, err := Resolve(0x12345678, overrides)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if table.Name != "custom" || table.EntriesBase != 4096 {
		t.Fatalf("override not applied correctly: %+v", table)
	}
}
