package squashfs_test

import (
	"testing"

	squashfs "github.com/sqfsgen/tar2sqfs"
)

func TestIdTableDedupesRepeatedIds(t *testing.T) {
	it := squashfs.NewIdTable()

	first := it.IdToIndex(1000)
	second := it.IdToIndex(1000)
	if first != second {
		t.Fatalf("expected the same id to resolve to the same index, got %d and %d", first, second)
	}
	if it.Count() != 1 {
		t.Fatalf("expected 1 distinct id, got %d", it.Count())
	}
}

func TestIdTableAssignsDenseIndices(t *testing.T) {
	it := squashfs.NewIdTable()
	ids := []uint32{0, 1000, 33, 1000, 0, 42}

	seen := make(map[uint32]uint32)
	for _, id := range ids {
		idx := it.IdToIndex(id)
		if prev, ok := seen[id]; ok && prev != idx {
			t.Fatalf("id %d got two different indices: %d and %d", id, prev, idx)
		}
		seen[id] = idx
	}

	if it.Count() != 4 {
		t.Fatalf("expected 4 distinct ids (0, 1000, 33, 42), got %d", it.Count())
	}

	indices := make(map[uint32]bool)
	for _, idx := range seen {
		if indices[idx] {
			t.Fatalf("index %d assigned to more than one distinct id", idx)
		}
		indices[idx] = true
	}
}
