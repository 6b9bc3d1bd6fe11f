package ledger

import (
	"testing"

	"snapforge/internal/sim/catalogs"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cats, err := catalogs.FromDefs([]catalogs.ResourceDef{
		{ID: "scrap"},
		{ID: "wire", MaxHeld: 10},
	}, nil)
	if err != nil {
		t.Fatalf("FromDefs: %v", err)
	}
	return NewStore(cats.Resources)
}

func cost(pairs ...any) []catalogs.ResourceCount {
	var out []catalogs.ResourceCount
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, catalogs.ResourceCount{Resource: pairs[i].(string), Count: pairs[i+1].(int)})
	}
	return out
}

func TestClaimAllOrNothing(t *testing.T) {
	s := testStore(t)
	s.Grant("scrap", 5)
	s.Grant("wire", 1)

	// wire is one short; nothing may be reserved.
	if _, ok := s.TryClaim(cost("scrap", 3, "wire", 2)); ok {
		t.Fatal("claim should fail on the short resource")
	}
	if s.Available("scrap") != 5 {
		t.Fatalf("failed claim reserved scrap: available = %d", s.Available("scrap"))
	}

	c, ok := s.TryClaim(cost("scrap", 3, "wire", 1))
	if !ok {
		t.Fatal("affordable claim rejected")
	}
	if s.Available("scrap") != 2 || s.Available("wire") != 0 {
		t.Fatalf("reservation not visible: scrap=%d wire=%d", s.Available("scrap"), s.Available("wire"))
	}
	// Held balances untouched until commit.
	if s.Held("scrap") != 5 {
		t.Fatalf("held changed before commit: %d", s.Held("scrap"))
	}

	c.Commit()
	if s.Held("scrap") != 2 || s.Held("wire") != 0 {
		t.Fatalf("commit balances wrong: scrap=%d wire=%d", s.Held("scrap"), s.Held("wire"))
	}
	c.Commit() // idempotent
	if s.Held("scrap") != 2 {
		t.Fatal("double commit deducted twice")
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	s := testStore(t)
	s.Grant("scrap", 4)

	c, ok := s.TryClaim(cost("scrap", 4))
	if !ok {
		t.Fatal("claim rejected")
	}
	if s.Available("scrap") != 0 {
		t.Fatal("reservation not applied")
	}
	c.Cancel()
	if s.Available("scrap") != 4 || s.Held("scrap") != 4 {
		t.Fatalf("cancel did not release: available=%d held=%d", s.Available("scrap"), s.Held("scrap"))
	}
}

func TestDuplicateLinesAccumulate(t *testing.T) {
	s := testStore(t)
	s.Grant("scrap", 3)
	if s.CanAfford(cost("scrap", 2, "scrap", 2)) {
		t.Fatal("duplicate lines must sum before the check")
	}
	if !s.CanAfford(cost("scrap", 2, "scrap", 1)) {
		t.Fatal("summed lines within balance rejected")
	}
}

func TestPutRespectsCaps(t *testing.T) {
	s := testStore(t)
	s.Grant("wire", 9)

	if s.TryPut(cost("wire", 2)) {
		t.Fatal("put over cap accepted")
	}
	if s.Held("wire") != 9 {
		t.Fatal("failed put changed balance")
	}
	if !s.TryPut(cost("wire", 1)) {
		t.Fatal("put at cap rejected")
	}
	// Uncapped resources always fit.
	if !s.TryPut(cost("scrap", 1000000)) {
		t.Fatal("uncapped put rejected")
	}
}
