package privilege

import "testing"

func TestRegistryShape(t *testing.T) {
	all := All()
	if len(all) != 35 {
		t.Fatalf("registry has %d codes, want 35", len(all))
	}
	seen := make(map[Code]bool)
	for _, info := range all {
		if seen[info.Code] {
			t.Fatalf("duplicate code %d", info.Code)
		}
		seen[info.Code] = true
		if info.Name == "" {
			t.Fatalf("code %d has empty name", info.Code)
		}
		if info.MaxHolders < 0 {
			t.Fatalf("code %d has negative max holders", info.Code)
		}
	}
}

func TestCategoryPartition(t *testing.T) {
	cats := []Category{CategoryTrading, CategoryMarketData, CategoryAnalysis, CategoryAdmin, CategoryUtility}
	total := 0
	for _, cat := range cats {
		total += len(ByCategory(cat))
	}
	if total != len(All()) {
		t.Fatalf("categories cover %d codes, registry has %d", total, len(All()))
	}
}

func TestLookup(t *testing.T) {
	info, ok := Lookup(ShortSelling)
	if !ok || info.Category != CategoryTrading || !info.Auctionable {
		t.Fatalf("Lookup(ShortSelling) = %+v, %v", info, ok)
	}
	if _, ok := Lookup(Code(9999)); ok {
		t.Fatal("unknown code resolved")
	}
	if IsValid(Code(0)) {
		t.Fatal("zero code should be invalid")
	}
}

func TestAuctionableSubset(t *testing.T) {
	for _, info := range Auctionable() {
		if !info.Auctionable {
			t.Fatalf("code %d listed as auctionable but flag unset", info.Code)
		}
	}
}

func TestSetGrantRevoke(t *testing.T) {
	s := NewSet(SubmitOrders, ViewTopOfBook)
	if !s.Has(SubmitOrders) || s.Has(ShortSelling) {
		t.Fatalf("initial set wrong: %v", s.Codes())
	}
	if !s.Grant(ShortSelling) {
		t.Fatal("grant of new code reported no change")
	}
	if s.Grant(ShortSelling) {
		t.Fatal("re-grant reported change")
	}
	if s.Grant(Code(9999)) {
		t.Fatal("invalid code granted")
	}
	if !s.Revoke(ShortSelling) || s.Revoke(ShortSelling) {
		t.Fatal("revoke idempotence broken")
	}
	codes := s.Codes()
	if len(codes) != 2 || codes[0] != SubmitOrders || codes[1] != ViewTopOfBook {
		t.Fatalf("codes = %v", codes)
	}
}
