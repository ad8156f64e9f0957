package models

import (
	"fmt"
	"sort"
	"strings"
)

// Rendition is one of the fixed output resolution tiers.
type Rendition string

const (
	Rendition4K    Rendition = "4K"
	Rendition2K    Rendition = "2K"
	Rendition1080p Rendition = "1080p"
	Rendition720p  Rendition = "720p"
	Rendition360p  Rendition = "360p"
)

var renditionHeights = map[Rendition]int{
	Rendition4K:    2160,
	Rendition2K:    1440,
	Rendition1080p: 1080,
	Rendition720p:  720,
	Rendition360p:  360,
}

// AllRenditions lists every tier from the highest resolution to the lowest.
func AllRenditions() []Rendition {
	return []Rendition{Rendition4K, Rendition2K, Rendition1080p, Rendition720p, Rendition360p}
}

func (r Rendition) Valid() bool {
	_, ok := renditionHeights[r]
	return ok
}

// Height is the target frame height in pixels, or 0 for unknown tiers.
func (r Rendition) Height() int {
	return renditionHeights[r]
}

// Rank orders tiers by decreasing resolution. Unknown tiers sort last.
func (r Rendition) Rank() int {
	for i, candidate := range AllRenditions() {
		if candidate == r {
			return i
		}
	}
	return len(renditionHeights)
}

func ParseRendition(value string) (Rendition, error) {
	trimmed := strings.TrimSpace(value)
	for _, candidate := range AllRenditions() {
		if strings.EqualFold(string(candidate), trimmed) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unknown rendition %q", value)
}

// NormalizeRenditions validates, dedupes and orders the requested tiers. An
// empty request selects every tier.
func NormalizeRenditions(values []string) ([]Rendition, error) {
	if len(values) == 0 {
		return AllRenditions(), nil
	}
	seen := make(map[Rendition]struct{}, len(values))
	out := make([]Rendition, 0, len(values))
	for _, value := range values {
		rendition, err := ParseRendition(value)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[rendition]; ok {
			continue
		}
		seen[rendition] = struct{}{}
		out = append(out, rendition)
	}
	SortRenditions(out)
	return out, nil
}

func SortRenditions(renditions []Rendition) {
	sort.SliceStable(renditions, func(i, j int) bool {
		return renditions[i].Rank() < renditions[j].Rank()
	})
}

func RenditionStrings(renditions []Rendition) []string {
	out := make([]string, len(renditions))
	for i, r := range renditions {
		out[i] = string(r)
	}
	return out
}
