package models

import (
	"testing"
)

func TestRenditionHeights(t *testing.T) {
	cases := []struct {
		rendition Rendition
		height    int
	}{
		{Rendition4K, 2160},
		{Rendition2K, 1440},
		{Rendition1080p, 1080},
		{Rendition720p, 720},
		{Rendition360p, 360},
		{Rendition("480p"), 0},
	}
	for _, tc := range cases {
		if got := tc.rendition.Height(); got != tc.height {
			t.Fatalf("%s: expected height %d, got %d", tc.rendition, tc.height, got)
		}
	}
}

func TestNormalizeRenditionsDefaultsToAll(t *testing.T) {
	got, err := NormalizeRenditions(nil)
	if err != nil {
		t.Fatalf("NormalizeRenditions: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 renditions, got %v", got)
	}
	if got[0] != Rendition4K || got[4] != Rendition360p {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestNormalizeRenditionsDedupesAndOrders(t *testing.T) {
	got, err := NormalizeRenditions([]string{"720p", "1080P", " 720p ", "4k"})
	if err != nil {
		t.Fatalf("NormalizeRenditions: %v", err)
	}
	want := []Rendition{Rendition4K, Rendition1080p, Rendition720p}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNormalizeRenditionsRejectsUnknown(t *testing.T) {
	if _, err := NormalizeRenditions([]string{"1080p", "8K"}); err == nil {
		t.Fatal("expected error for unknown rendition")
	}
}

func TestUploadStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to UploadStatus
		allowed  bool
	}{
		{UploadStatusUploading, UploadStatusProcessing, true},
		{UploadStatusUploading, UploadStatusCompleted, false},
		{UploadStatusProcessing, UploadStatusCompleted, true},
		{UploadStatusProcessing, UploadStatusUploading, false},
		{UploadStatusCompleted, UploadStatusProcessing, false},
		{UploadStatusCompleted, UploadStatusFailed, true},
		{UploadStatusUploading, UploadStatusFailed, true},
		{UploadStatusFailed, UploadStatusProcessing, false},
		{UploadStatusFailed, UploadStatusFailed, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.allowed {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestAssetOwnerValid(t *testing.T) {
	title := int64(3)
	episode := int64(9)
	if !OwnerOf(&title, nil).Valid() {
		t.Fatal("title-only owner should be valid")
	}
	if !OwnerOf(nil, &episode).Valid() {
		t.Fatal("episode-only owner should be valid")
	}
	if OwnerOf(&title, &episode).Valid() {
		t.Fatal("owner with both refs should be invalid")
	}
	if OwnerOf(nil, nil).Valid() {
		t.Fatal("empty owner should be invalid")
	}
}

func TestSortAssetVersions(t *testing.T) {
	versions := []AssetVersion{
		{Rendition: Rendition360p},
		{Rendition: Rendition4K},
		{Rendition: Rendition1080p},
	}
	SortAssetVersions(versions)
	if versions[0].Rendition != Rendition4K || versions[2].Rendition != Rendition360p {
		t.Fatalf("unexpected order: %v", versions)
	}
}

func TestPartRangesCoverTotal(t *testing.T) {
	ranges := PartRanges(25_000_000, 10_485_760)
	if len(ranges) != 3 || PartCount(25_000_000, 10_485_760) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(ranges))
	}
	want := [][2]int64{{0, 10485760}, {10485760, 20971520}, {20971520, 25000000}}
	for i, r := range ranges {
		if r.PartNumber != i+1 || r.Start != want[i][0] || r.End != want[i][1] {
			t.Fatalf("part %d: expected %v, got [%d,%d)", i+1, want[i], r.Start, r.End)
		}
	}
}

func TestPartRangesHaveNoGaps(t *testing.T) {
	for _, total := range []int64{1, 1023, 1024, 1025, 10*1024 + 7} {
		ranges := PartRanges(total, 1024)
		var next int64
		for _, r := range ranges {
			if r.Start != next || r.Size() <= 0 {
				t.Fatalf("total %d: unexpected range %+v after %d", total, r, next)
			}
			next = r.End
		}
		if next != total {
			t.Fatalf("total %d: ranges end at %d", total, next)
		}
	}
}

func TestPartCountMinimumOne(t *testing.T) {
	if got := PartCount(0, 1024); got != 1 {
		t.Fatalf("expected 1 part for empty input, got %d", got)
	}
	if got := PartCount(5, 0); got != 1 {
		t.Fatalf("expected default part size to yield 1 part, got %d", got)
	}
}
