package chunkuploader

import (
	"fmt"
)

// Range is the position of one chunk within the document.
type Range struct {
	Offset int64
	Length int64
}

// Partition splits total bytes into ceil(total/chunkSize) contiguous, non-overlapping ranges.
// Every range is chunkSize long except the last, which carries the remainder.
func Partition(total, chunkSize int64) ([]Range, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if total < 0 {
		return nil, fmt.Errorf("document size must not be negative, got %d", total)
	}

	count := (total + chunkSize - 1) / chunkSize
	ranges := make([]Range, 0, count)
	for offset := int64(0); offset < total; offset += chunkSize {
		length := chunkSize
		if offset+length > total {
			length = total - offset
		}
		ranges = append(ranges, Range{Offset: offset, Length: length})
	}

	return ranges, nil
}

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns the chunk at the given index.
	GetChunk(index int) (Chunk, error)

	// Size returns the total number of bytes of all chunks.
	Size() int64
}

// DocumentChunkProvider serves chunks as views over an in-memory document.
// Chunks share memory with the document and must not be modified.
type DocumentChunkProvider struct {
	document []byte
	ranges   []Range
}

// NewDocumentChunkProvider creates a ChunkProvider over document using chunkSize byte chunks.
func NewDocumentChunkProvider(document []byte, chunkSize int64) (*DocumentChunkProvider, error) {
	ranges, err := Partition(int64(len(document)), chunkSize)
	if err != nil {
		return nil, err
	}

	return &DocumentChunkProvider{
		document: document,
		ranges:   ranges,
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *DocumentChunkProvider) NumChunks() int {
	return len(p.ranges)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *DocumentChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.ranges) {
		return 0
	}
	return p.ranges[index].Length
}

// GetChunk returns the chunk at the given index.
func (p *DocumentChunkProvider) GetChunk(index int) (Chunk, error) {
	if index < 0 || index >= len(p.ranges) {
		return Chunk{}, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.ranges))
	}

	r := p.ranges[index]
	return Chunk{
		Index:  index,
		Offset: r.Offset,
		Data:   p.document[r.Offset : r.Offset+r.Length : r.Offset+r.Length],
	}, nil
}

// Size is the total document length.
func (p *DocumentChunkProvider) Size() int64 {
	return int64(len(p.document))
}
