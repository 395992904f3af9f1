package main

import (
	"testing"

	"github.com/sqfsgen/tar2sqfs/tarfile"
)

func TestPlanBlocksNonSparseCoversWholeFile(t *testing.T) {
	plans := planBlocks(10000, 4096, nil)
	if len(plans) != 3 {
		t.Fatalf("expected 3 blocks for a 10000-byte file at 4096 block size, got %d", len(plans))
	}
	total := 0
	for i, p := range plans {
		if p.isHole {
			t.Fatalf("block %d: expected no holes for a non-sparse file", i)
		}
		total += p.size
	}
	if total != 10000 {
		t.Fatalf("expected plan sizes to sum to 10000, got %d", total)
	}
	if plans[2].size != 10000-2*4096 {
		t.Fatalf("expected final block to be the remainder, got %d", plans[2].size)
	}
}

func TestPlanBlocksAllHoleBlockBecomesHole(t *testing.T) {
	// One materialised byte at the last offset of the middle block of an
	// otherwise fully sparse 3-block file: only block 1 should carry a
	// segment, blocks 0 and 2 are pure holes.
	sparse := []tarfile.SparseExtent{{Offset: 8191, Count: 1}}
	plans := planBlocks(12288, 4096, sparse)
	if len(plans) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(plans))
	}
	if !plans[0].isHole {
		t.Fatal("expected block 0 to be a pure hole")
	}
	if plans[1].isHole {
		t.Fatal("expected block 1 to carry the materialised byte at offset 8191")
	}
	if !plans[2].isHole {
		t.Fatal("expected block 2 to be a pure hole")
	}
}

func TestPlanBlocksSegmentOffsetsWithinBlock(t *testing.T) {
	// A materialised range spanning [100, 4200) straddles blocks 0 and 1 at
	// block size 4096: block 0 should carry [100,4096) and block 1 [0,104).
	sparse := []tarfile.SparseExtent{{Offset: 100, Count: 4100}}
	plans := planBlocks(8192, 4096, sparse)

	if plans[0].isHole {
		t.Fatal("expected block 0 to carry a segment, not be a hole")
	}
	if len(plans[0].segments) != 1 || plans[0].segments[0].off != 100 || plans[0].segments[0].n != 4096-100 {
		t.Fatalf("unexpected block 0 segments: %+v", plans[0].segments)
	}

	if plans[1].isHole {
		t.Fatal("expected block 1 to carry a segment, not be a hole")
	}
	if len(plans[1].segments) != 1 || plans[1].segments[0].off != 0 || plans[1].segments[0].n != 104 {
		t.Fatalf("unexpected block 1 segments: %+v", plans[1].segments)
	}
}

func TestPlanBlocksZeroSizeFileHasNoBlocks(t *testing.T) {
	plans := planBlocks(0, 4096, nil)
	if len(plans) != 0 {
		t.Fatalf("expected no blocks for an empty file, got %d", len(plans))
	}
}

func TestPlanBlocksIgnoresSentinelZeroCountExtent(t *testing.T) {
	// The GNU sparse map's trailing (actual_size, 0) sentinel carries no
	// data and must not force a spurious empty segment.
	sparse := []tarfile.SparseExtent{
		{Offset: 0, Count: 4096},
		{Offset: 4096, Count: 0},
	}
	plans := planBlocks(4096, 4096, sparse)
	if len(plans) != 1 {
		t.Fatalf("expected 1 block, got %d", len(plans))
	}
	if plans[0].isHole {
		t.Fatal("expected the single materialised block not to be a hole")
	}
}
