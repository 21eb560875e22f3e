// Package chunker splits document text into fixed-size overlapping chunks
// with stable character offsets.
package chunker

import "github.com/avelsk/kbrag-go/internal/index"

const (
	// DefaultSize is the default chunk length in characters.
	DefaultSize = 1000

	// DefaultOverlap is the default overlap between consecutive chunks.
	DefaultOverlap = 200
)

// Split cuts text into chunks of at most size characters where consecutive
// chunks share overlap characters. Chunk starts advance by size-overlap;
// the final chunk may be shorter. Empty text yields no chunks. Invalid
// parameters fall back to the defaults.
func Split(docID, docName, text string, size, overlap int) []index.Chunk {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := size - overlap
	var chunks []index.Chunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, index.Chunk{
			DocID:     docID,
			DocName:   docName,
			ChunkID:   len(chunks),
			Text:      string(runes[start:end]),
			StartChar: start,
			EndChar:   end,
		})
	}
	return chunks
}
