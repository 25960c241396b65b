package extract

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/kbdump/internal/models"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// ChunkIterator yields the instances of one type, hydrating at most size of
// them at a time. The hydration of a chunk is released before the next chunk
// is scanned. Once the id cursor is exhausted the iterator stays done.
type ChunkIterator struct {
	ctx  context.Context
	src  InstanceSource
	typ  *schema.Type
	ids  IDCursor
	size int

	hydration Hydration
	chunk     []models.ObjectCreation
	pos       int
	cur       models.ObjectCreation

	done    bool
	err     error
	windows int
}

// NewChunkIterator starts scanning the instances of t.
func NewChunkIterator(ctx context.Context, src InstanceSource, t *schema.Type, size int) (*ChunkIterator, error) {
	if size < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	ids, err := src.ScanIDs(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", t.Name(), err)
	}
	return &ChunkIterator{ctx: ctx, src: src, typ: t, ids: ids, size: size}, nil
}

func (it *ChunkIterator) Next() bool {
	for {
		if it.pos < len(it.chunk) {
			it.cur = it.chunk[it.pos]
			it.pos++
			return true
		}
		it.release()
		if it.done {
			return false
		}
		if !it.fill() {
			it.finish()
			return false
		}
	}
}

// fill pulls and hydrates the next chunk. It reports false at the end of the
// scan or on error.
func (it *ChunkIterator) fill() bool {
	batch := make([]models.ObjectBranchID, 0, it.size)
	for len(batch) < it.size && it.ids.Next(it.ctx) {
		batch = append(batch, it.ids.Value())
	}
	if err := it.ids.Err(); err != nil {
		it.err = fmt.Errorf("scan %s: %w", it.typ.Name(), err)
		return false
	}
	if len(batch) == 0 {
		return false
	}

	h, err := it.src.Hydrate(it.ctx, it.typ, batch)
	if err != nil {
		it.err = fmt.Errorf("hydrate %s: %w", it.typ.Name(), err)
		return false
	}
	it.hydration = h
	it.chunk = h.Items()
	it.pos = 0
	it.windows++
	if len(batch) < it.size {
		it.finishScan()
	}
	return true
}

func (it *ChunkIterator) release() {
	if it.hydration != nil {
		it.hydration.Release()
		it.hydration = nil
	}
	it.chunk = nil
	it.pos = 0
}

func (it *ChunkIterator) finishScan() {
	if it.ids != nil {
		if err := it.ids.Close(); err != nil && it.err == nil {
			it.err = err
		}
		it.ids = nil
	}
	it.done = true
}

func (it *ChunkIterator) finish() {
	it.release()
	it.finishScan()
}

func (it *ChunkIterator) Value() models.ObjectCreation { return it.cur }

func (it *ChunkIterator) Err() error { return it.err }

// Windows returns the number of hydrated chunks so far.
func (it *ChunkIterator) Windows() int { return it.windows }

// Close releases any held chunk and the id cursor.
func (it *ChunkIterator) Close() error {
	it.finish()
	return it.err
}
