package catalogs

import (
	"path/filepath"
	"testing"
)

// The shipped configs must always load: this is the first thing the server
// does on boot.
func TestLoadShippedConfigs(t *testing.T) {
	cats, err := Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, id := range []string{"foundation", "wall", "pylon", "cable", "obelisk"} {
		if _, ok := cats.Placeables.ByID[id]; !ok {
			t.Errorf("missing placeable %q", id)
		}
	}
	if len(cats.Resources.Palette) == 0 {
		t.Fatal("empty resource palette")
	}
	if cats.Placeables.Digest == "" || cats.Resources.Digest == "" || cats.Identities.Digest == "" {
		t.Error("missing catalog digest")
	}

	cable := cats.Placeables.ByID["cable"]
	if !cable.Connector || cable.StartHandle == "" || cable.EndHandle == "" {
		t.Error("cable is not a wired connector")
	}
}

func TestValidateRejectsBadDefs(t *testing.T) {
	_, err := FromDefs(nil, []PlaceableDef{{
		ID: "x",
		Magnets: []MagnetDef{
			{Name: "m", Identity: []string{"a"}},
			{Name: "m", Identity: []string{"a"}},
		},
	}})
	if err == nil {
		t.Error("duplicate magnet name accepted")
	}

	_, err = FromDefs(nil, []PlaceableDef{{
		ID:          "x",
		Connector:   true,
		StartHandle: "a",
		EndHandle:   "missing",
		Magnets:     []MagnetDef{{Name: "a", Identity: []string{"h"}}},
	}})
	if err == nil {
		t.Error("dangling connector handle accepted")
	}

	_, err = FromDefs(nil, []PlaceableDef{{
		ID:           "x",
		RefundFactor: 1.5,
		Magnets:      []MagnetDef{{Name: "a", Identity: []string{"h"}}},
	}})
	if err == nil {
		t.Error("refund_factor > 1 accepted")
	}
}
