package services

import "strings"

const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 64
)

// Chunk is one window of a document, measured in whitespace-separated
// tokens. EndToken is exclusive.
type Chunk struct {
	Index      int
	Text       string
	StartToken int
	EndToken   int
}

type TextChunker interface {
	Chunk(text string) []Chunk
}

type textChunker struct {
	size    int
	overlap int
}

// NewTextChunker returns a chunker producing windows of size tokens where
// consecutive windows share overlap tokens.
func NewTextChunker(size, overlap int) TextChunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &textChunker{size: size, overlap: overlap}
}

// Chunk implements TextChunker. Windows start every size-overlap tokens, so
// a document of N tokens yields ceil(N/(size-overlap)) chunks and every
// token falls inside at least one of them.
func (c *textChunker) Chunk(text string) []Chunk {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.size - c.overlap
	chunks := make([]Chunk, 0, (len(tokens)+step-1)/step)
	for start := 0; start < len(tokens); start += step {
		end := min(start+c.size, len(tokens))
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       strings.Join(tokens[start:end], " "),
			StartToken: start,
			EndToken:   end,
		})
	}
	return chunks
}
