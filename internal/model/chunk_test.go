package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 1, ChunkCount(1, 50))
	assert.Equal(t, 1, ChunkCount(50, 50))
	assert.Equal(t, 2, ChunkCount(51, 50))
	assert.Equal(t, 5, ChunkCount(215, 50))
	assert.Equal(t, 0, ChunkCount(0, 50))
	assert.Equal(t, 0, ChunkCount(50, 0))
}

func TestNthChunk(t *testing.T) {
	assert.Equal(t, ChunkRange{Start: 1, End: 50}, NthChunk(1, 215, 50))
	assert.Equal(t, ChunkRange{Start: 51, End: 100}, NthChunk(2, 215, 50))
	assert.Equal(t, ChunkRange{Start: 201, End: 215}, NthChunk(5, 215, 50))
}

func TestNthChunk_SinglePageFinalChunk(t *testing.T) {
	assert.Equal(t, ChunkRange{Start: 101, End: 101}, NthChunk(3, 101, 50))
}
