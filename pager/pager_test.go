package pager

import (
	"bytes"
	"testing"
)

func newTestPager(t *testing.T) *Pager {
	t.Helper()
	p, err := Open("", Options{PageSize: 256})
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	return p
}

func TestAllocateAndReadPage(t *testing.T) {
	p := newTestPager(t)

	t.Run("allocate extends page count", func(t *testing.T) {
		before := p.PageCount()
		page, err := p.AllocatePage(PageTypeLeaf)
		if err != nil {
			t.Fatal(err)
		}
		if page.Number() != uint32(before+1) {
			t.Errorf("want page number %d got %d", before+1, page.Number())
		}
		if p.PageCount() != before+1 {
			t.Errorf("want page count %d got %d", before+1, p.PageCount())
		}
	})

	t.Run("new leaf page starts empty", func(t *testing.T) {
		page, err := p.AllocatePage(PageTypeLeaf)
		if err != nil {
			t.Fatal(err)
		}
		if page.CellCount() != 0 {
			t.Errorf("want 0 cells got %d", page.CellCount())
		}
		if !page.IsLeaf() {
			t.Error("want leaf page type")
		}
	})

	t.Run("read back matches write", func(t *testing.T) {
		page, err := p.AllocatePage(PageTypeLeaf)
		if err != nil {
			t.Fatal(err)
		}
		page.InsertCell(0, []byte("hello"))
		if err := p.WritePage(page); err != nil {
			t.Fatal(err)
		}
		got, err := p.GetPage(page.Number())
		if err != nil {
			t.Fatal(err)
		}
		if got.CellCount() != 1 {
			t.Fatalf("want 1 cell got %d", got.CellCount())
		}
		if !bytes.Equal(got.CellBytes(0), []byte("hello")) {
			t.Errorf("want %q got %q", "hello", got.CellBytes(0))
		}
	})
}

func TestFreeListReuse(t *testing.T) {
	p := newTestPager(t)
	page, err := p.AllocatePage(PageTypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	number := page.Number()
	beforeCount := p.PageCount()

	if err := p.FreePage(number); err != nil {
		t.Fatal(err)
	}

	reused, err := p.AllocatePage(PageTypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	if reused.Number() != number {
		t.Errorf("want reused page %d got %d", number, reused.Number())
	}
	if p.PageCount() != beforeCount {
		t.Errorf("page count should not grow on reuse, want %d got %d", beforeCount, p.PageCount())
	}
}

func TestRollbackRestoresShadowedPages(t *testing.T) {
	p := newTestPager(t)
	page, err := p.AllocatePage(PageTypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	page.InsertCell(0, []byte("original"))
	if err := p.WritePage(page); err != nil {
		t.Fatal(err)
	}
	p.EndWrite()

	if err := p.BeginWrite(); err != nil {
		t.Fatal(err)
	}
	page, err = p.GetPage(page.Number())
	if err != nil {
		t.Fatal(err)
	}
	page.InsertCell(0, []byte("mutated"))
	if err := p.WritePage(page); err != nil {
		t.Fatal(err)
	}
	if err := p.Rollback(); err != nil {
		t.Fatal(err)
	}
	p.EndWrite()

	restored, err := p.GetPage(page.Number())
	if err != nil {
		t.Fatal(err)
	}
	if restored.CellCount() != 1 {
		t.Fatalf("want 1 cell after rollback got %d", restored.CellCount())
	}
	if !bytes.Equal(restored.CellBytes(0), []byte("original")) {
		t.Errorf("want %q got %q", "original", restored.CellBytes(0))
	}
}

func TestCatalogRootPersists(t *testing.T) {
	p := newTestPager(t)
	if err := p.SetCatalogRoot(7); err != nil {
		t.Fatal(err)
	}
	got, err := p.CatalogRoot()
	if err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Errorf("want catalog root 7 got %d", got)
	}
}
