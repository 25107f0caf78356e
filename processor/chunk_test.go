package processor

import (
	"testing"
)

func TestPartition(t *testing.T) {
	cases := []struct {
		total int64
		n     int
	}{
		{10_000_000, 4},
		{10_000_001, 4},
		{10_000_003, 4},
		{4, 4},
		{5, 4},
		{1 << 30, 8},
		{100, 1},
	}

	for _, tc := range cases {
		spans := partition(tc.total, tc.n)
		if len(spans) != tc.n {
			t.Fatalf("partition(%d, %d): got %d spans", tc.total, tc.n, len(spans))
		}

		if spans[0].start != 0 {
			t.Errorf("partition(%d, %d): first span starts at %d", tc.total, tc.n, spans[0].start)
		}
		if last := spans[len(spans)-1]; last.end != tc.total-1 {
			t.Errorf("partition(%d, %d): last span ends at %d, want %d",
				tc.total, tc.n, last.end, tc.total-1)
		}

		var sum int64
		for i, sp := range spans {
			if sp.end < sp.start {
				t.Errorf("partition(%d, %d): span %d is empty: %+v", tc.total, tc.n, i, sp)
			}
			if i > 0 && sp.start != spans[i-1].end+1 {
				t.Errorf("partition(%d, %d): span %d not contiguous: %+v after %+v",
					tc.total, tc.n, i, sp, spans[i-1])
			}
			sum += sp.end - sp.start + 1
		}
		if sum != tc.total {
			t.Errorf("partition(%d, %d): spans sum to %d", tc.total, tc.n, sum)
		}
	}
}

func TestPartitionRemainderGoesLast(t *testing.T) {
	spans := partition(11, 4)
	// 11/4 = 2, so the first three spans carry 2 bytes and the last 5.
	for i := 0; i < 3; i++ {
		if length := spans[i].end - spans[i].start + 1; length != 2 {
			t.Fatalf("span %d has length %d, want 2", i, length)
		}
	}
	if length := spans[3].end - spans[3].start + 1; length != 5 {
		t.Fatalf("last span has length %d, want 5", length)
	}
}

func TestSpanHeader(t *testing.T) {
	sp := span{start: 0, end: 1023}
	if got := sp.header(); got != "bytes=0-1023" {
		t.Fatalf("header() = %q", got)
	}
}

func TestPartPath(t *testing.T) {
	if got := partPath("/tmp/editor.zip", 2); got != "/tmp/editor.zip.part2" {
		t.Fatalf("partPath() = %q", got)
	}
}
