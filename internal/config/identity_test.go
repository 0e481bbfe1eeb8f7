package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadIdentitiesMissingFile(t *testing.T) {
	ids, err := LoadIdentities(filepath.Join(t.TempDir(), "paired.yaml"))
	if err != nil {
		t.Fatalf("LoadIdentities() error = %v", err)
	}
	if ids.Last != "" || len(ids.Pairs) != 0 {
		t.Errorf("LoadIdentities() = %+v, want empty", ids)
	}
}

func TestIdentitiesSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "paired.yaml")

	ids := &Identities{}
	ids.Remember("42", Pairing{
		Left:  PairedDevice{Name: "Even G1_42_L_1A2B", Address: "AA:00:00:00:00:01"},
		Right: PairedDevice{Name: "Even G1_42_R_3C4D", Address: "AA:00:00:00:00:02"},
	})
	ids.Remember("7", Pairing{Left: PairedDevice{Name: "Even G1_7_L_0000"}})
	if err := ids.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Save() left a temp file behind")
	}

	got, err := LoadIdentities(path)
	if err != nil {
		t.Fatalf("LoadIdentities() error = %v", err)
	}
	if got.Last != "7" {
		t.Errorf("Last = %q, want %q", got.Last, "7")
	}
	if len(got.Pairs) != 2 {
		t.Fatalf("len(Pairs) = %d, want 2", len(got.Pairs))
	}
	if got.Pairs["42"].Right.Address != "AA:00:00:00:00:02" {
		t.Errorf("Pairs[42].Right = %+v", got.Pairs["42"].Right)
	}
}

func TestIdentitiesForget(t *testing.T) {
	ids := &Identities{}
	ids.Remember("1", Pairing{})
	ids.Remember("2", Pairing{})

	ids.Forget("1")
	if ids.Last != "2" {
		t.Errorf("Last = %q, want %q", ids.Last, "2")
	}
	ids.Forget("2")
	if ids.Last != "" || len(ids.Pairs) != 0 {
		t.Errorf("after Forget = %+v, want empty", ids)
	}
}

func TestLoadIdentitiesInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paired.yaml")
	if err := os.WriteFile(path, []byte("pairs: [1, 2"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIdentities(path); err == nil {
		t.Error("LoadIdentities() should fail on invalid YAML")
	}
}
