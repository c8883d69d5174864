package indexer

import "fmt"

// BlockRange is an inclusive span of blocks fetched in one RangeEvents call.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// SplitRange cuts [from, to] into consecutive chunks of at most chunkSize
// blocks. The last chunk may be shorter.
func SplitRange(from, to, chunkSize uint64) ([]BlockRange, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block %d is before from block %d", to, from)
	}

	chunks := make([]BlockRange, 0, (to-from)/chunkSize+1)
	for start := from; ; start += chunkSize {
		end := to
		if to-start >= chunkSize {
			end = start + chunkSize - 1
		}
		chunks = append(chunks, BlockRange{From: start, To: end})
		if end == to {
			return chunks, nil
		}
	}
}
