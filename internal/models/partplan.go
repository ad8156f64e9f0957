package models

// DefaultPartSize is the fixed multipart part size handed to upload clients.
const DefaultPartSize int64 = 10 * 1024 * 1024

// PartRange is the half-open byte range [Start, End) one part covers.
type PartRange struct {
	PartNumber int
	Start      int64
	End        int64
}

func (r PartRange) Size() int64 {
	return r.End - r.Start
}

// PartCount returns max(1, ceil(total/partSize)). A non-positive part size
// falls back to DefaultPartSize.
func PartCount(total, partSize int64) int {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	if total <= 0 {
		return 1
	}
	count := total / partSize
	if total%partSize != 0 {
		count++
	}
	if count < 1 {
		return 1
	}
	return int(count)
}

// PartRanges slices [0, total) into consecutive parts of partSize bytes. The
// last part holds the remainder.
func PartRanges(total, partSize int64) []PartRange {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	count := PartCount(total, partSize)
	ranges := make([]PartRange, 0, count)
	for n := 1; n <= count; n++ {
		start := int64(n-1) * partSize
		end := start + partSize
		if end > total {
			end = total
		}
		if start > end {
			start = end
		}
		ranges = append(ranges, PartRange{PartNumber: n, Start: start, End: end})
	}
	return ranges
}
