// Package catalogs loads the authored content the sim runs against:
// resource kinds, placeable prefabs and their magnets. Identity tokens are
// interned into a sorted palette so runtime code compares uint16 ids, never
// strings.
package catalogs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Catalogs struct {
	Resources  ResourceCatalog
	Identities IdentityCatalog
	Placeables PlaceableCatalog
}

type ResourceCatalog struct {
	Palette []string
	Index   map[string]uint16
	Defs    map[string]ResourceDef
	Digest  string
}

type ResourceDef struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	MaxHeld int    `json:"max_held,omitempty"` // 0 = unlimited
}

// IdentityCatalog is the palette of magnet identity tokens. It is derived
// from the placeable defs, not authored directly: the palette is the sorted
// union of every token referenced anywhere.
type IdentityCatalog struct {
	Palette []string
	Index   map[string]uint16
	Digest  string
}

type PlaceableCatalog struct {
	ByID   map[string]PlaceableDef
	Order  []string // sorted ids, the canonical iteration order
	Digest string
}

type PlaceableDef struct {
	ID        string      `json:"id"`
	Magnets   []MagnetDef `json:"magnets,omitempty"`
	CanFloat  bool        `json:"can_float,omitempty"`
	MustSnap  bool        `json:"must_snap,omitempty"`
	Connector bool        `json:"connector,omitempty"`
	// Connector handles reference magnet names.
	StartHandle string `json:"start_handle,omitempty"`
	EndHandle   string `json:"end_handle,omitempty"`

	PlacementCost []ResourceCount `json:"placement_cost,omitempty"`
	DeletionCost  []ResourceCount `json:"deletion_cost,omitempty"`
	RefundFactor  float64         `json:"refund_factor,omitempty"`

	OverlapScale    float64 `json:"overlap_scale,omitempty"` // 0 = 1.0
	PlayerPlaceable bool    `json:"player_placeable"`
	PlayerDeletable bool    `json:"player_deletable"`
	StableGround    bool    `json:"stable_ground,omitempty"`

	// Blocking shape as a local-space AABB: [min, max].
	BlockShape [2][3]float64 `json:"block_shape"`
}

type ResourceCount struct {
	Resource string `json:"resource"`
	Count    int    `json:"count"`
}

type MagnetDef struct {
	Name       string   `json:"name"`
	Identity   []string `json:"identity"`
	AcceptFrom []string `json:"accept_from,omitempty"`
	RejectFrom []string `json:"reject_from,omitempty"`
	SnapTo     []string `json:"snap_to,omitempty"`

	Grid          bool          `json:"grid,omitempty"`
	GridDivisions [2]float64    `json:"grid_divisions,omitempty"`
	Bounds        [2][3]float64 `json:"bounds,omitempty"` // grid surface, local space

	// Local frame relative to the placeable origin.
	Pos     [3]float64 `json:"pos"`
	Forward [3]float64 `json:"forward"`
	Up      [3]float64 `json:"up"`

	Alignment  string `json:"alignment,omitempty"`   // WORLD_UP, MAGNET_FORWARD, MAGNET_RIGHT, MAGNET_UP, MAGNET_FACE
	RotateAxis string `json:"rotate_axis,omitempty"` // WORLD_UP, ALIGNED, NONE
}

// Load reads resources.json plus every JSON file under <configDir>/placeables.
func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadResources(filepath.Join(configDir, "resources.json"), &c.Resources); err != nil {
		return nil, err
	}
	if err := loadPlaceables(filepath.Join(configDir, "placeables"), &c.Placeables); err != nil {
		return nil, err
	}
	buildIdentityPalette(&c)
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromDefs builds catalogs directly from in-memory defs. Intended for tests.
func FromDefs(resources []ResourceDef, placeables []PlaceableDef) (*Catalogs, error) {
	var c Catalogs
	c.Resources.Defs = map[string]ResourceDef{}
	for _, d := range resources {
		if d.ID == "" {
			return nil, fmt.Errorf("resource with empty id")
		}
		c.Resources.Defs[d.ID] = d
	}
	indexResources(&c.Resources)
	c.Placeables.ByID = map[string]PlaceableDef{}
	for _, d := range placeables {
		if d.ID == "" {
			return nil, fmt.Errorf("placeable with empty id")
		}
		c.Placeables.ByID[d.ID] = d
	}
	indexPlaceables(&c.Placeables)
	buildIdentityPalette(&c)
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadResources(path string, out *ResourceCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []ResourceDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("resources.json: %w", err)
	}
	out.Defs = map[string]ResourceDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("resources.json: empty id")
		}
		out.Defs[d.ID] = d
	}
	indexResources(out)
	return nil
}

func indexResources(out *ResourceCatalog) {
	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.Digest = sha256Hex(palJSON)
}

func loadPlaceables(dir string, out *PlaceableCatalog) error {
	out.ByID = map[string]PlaceableDef{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var concat bytes.Buffer
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		concat.Write(b)
		concat.WriteByte('\n')

		var pd PlaceableDef
		if err := json.Unmarshal(b, &pd); err != nil {
			return fmt.Errorf("placeable %s: %w", filepath.Base(p), err)
		}
		if pd.ID == "" {
			return fmt.Errorf("placeable %s: missing id", filepath.Base(p))
		}
		out.ByID[pd.ID] = pd
	}
	indexPlaceables(out)
	out.Digest = sha256Hex(concat.Bytes())
	return nil
}

func indexPlaceables(out *PlaceableCatalog) {
	ids := make([]string, 0, len(out.ByID))
	for id := range out.ByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.Order = ids
	if out.Digest == "" {
		b, _ := json.Marshal(out.ByID)
		out.Digest = sha256Hex(b)
	}
}

func buildIdentityPalette(c *Catalogs) {
	seen := map[string]bool{}
	for _, pd := range c.Placeables.ByID {
		for _, m := range pd.Magnets {
			for _, lists := range [][]string{m.Identity, m.AcceptFrom, m.RejectFrom, m.SnapTo} {
				for _, tok := range lists {
					seen[tok] = true
				}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.Identities.Palette = ids
	c.Identities.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		c.Identities.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	c.Identities.Digest = sha256Hex(palJSON)
}

func (c *Catalogs) validate() error {
	for _, id := range c.Placeables.Order {
		pd := c.Placeables.ByID[id]
		names := map[string]bool{}
		for _, m := range pd.Magnets {
			if m.Name == "" {
				return fmt.Errorf("placeable %s: magnet with empty name", id)
			}
			if names[m.Name] {
				return fmt.Errorf("placeable %s: duplicate magnet name %q", id, m.Name)
			}
			names[m.Name] = true
			if len(m.Identity) == 0 {
				return fmt.Errorf("placeable %s: magnet %s has no identity", id, m.Name)
			}
			if m.Grid {
				if m.GridDivisions[0] <= 0 || m.GridDivisions[1] <= 0 {
					return fmt.Errorf("placeable %s: magnet %s grid_divisions must be > 0", id, m.Name)
				}
			}
			switch m.Alignment {
			case "", "WORLD_UP", "MAGNET_FORWARD", "MAGNET_RIGHT", "MAGNET_UP", "MAGNET_FACE":
			default:
				return fmt.Errorf("placeable %s: magnet %s unknown alignment %q", id, m.Name, m.Alignment)
			}
			switch m.RotateAxis {
			case "", "WORLD_UP", "ALIGNED", "NONE":
			default:
				return fmt.Errorf("placeable %s: magnet %s unknown rotate_axis %q", id, m.Name, m.RotateAxis)
			}
		}
		if pd.Connector {
			if pd.StartHandle == "" || pd.EndHandle == "" {
				return fmt.Errorf("placeable %s: connector missing start_handle/end_handle", id)
			}
			if !names[pd.StartHandle] || !names[pd.EndHandle] {
				return fmt.Errorf("placeable %s: connector handle references unknown magnet", id)
			}
		}
		if pd.RefundFactor < 0 || pd.RefundFactor > 1 {
			return fmt.Errorf("placeable %s: refund_factor must be in [0,1]", id)
		}
		for _, rc := range append(append([]ResourceCount{}, pd.PlacementCost...), pd.DeletionCost...) {
			if _, ok := c.Resources.Defs[rc.Resource]; !ok {
				return fmt.Errorf("placeable %s: unknown resource %q", id, rc.Resource)
			}
			if rc.Count < 0 {
				return fmt.Errorf("placeable %s: negative cost for %q", id, rc.Resource)
			}
		}
	}
	return nil
}
