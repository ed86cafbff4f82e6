package undo

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xmysql-undo/server/common"
)

// Closer is the closer external collaborator (§4.6): patches a chunk's
// size field and stages the WAL buf-data that makes the patch idempotent
// under REDO.
type Closer struct {
	codec PageCodec
}

func NewCloser() *Closer { return &Closer{} }

// PrepareClose pins and locks the final chunk's header buffer(s), unless
// the planner already did so as part of a forced mid-set close. Returns
// false if the set has no chunks at all.
func (c *Closer) PrepareClose(urs *URS) (bool, error) {
	if len(urs.Chunks) == 0 {
		return false, nil
	}
	final := &urs.Chunks[len(urs.Chunks)-1]
	if final.HeaderBufIdx[0] >= 0 {
		return true, nil
	}

	block0, pageOff0 := BlockAndOffset(final.HeaderOffset)
	idx0, err := urs.Buffers.PinOnly(final.Slot.LogNo, block0, false)
	if err != nil {
		return false, err
	}
	urs.Buffers.LockAt(idx0)
	final.HeaderBufIdx[0] = idx0

	if n := bytesOnPage(pageOff0, 0, 8); n < 8 {
		block1, _ := BlockAndOffset(final.HeaderOffset + uint64(n))
		idx1, err := urs.Buffers.PinOnly(final.Slot.LogNo, block1, false)
		if err != nil {
			return false, err
		}
		urs.Buffers.LockAt(idx1)
		final.HeaderBufIdx[1] = idx1
	}
	return true, nil
}

// MarkClosed patches the final chunk's size and transitions the set to
// CLOSED (§4.6).
func (c *Closer) MarkClosed(urs *URS) error {
	if len(urs.Chunks) == 0 {
		return ErrCannotRegisterUndoRequest
	}
	markChunkClosed(urs, urs.Buffers, c.codec, len(urs.Chunks)-1, true)
	urs.State = StateClosed
	return nil
}

// markChunkClosed patches chunk[chunkIdx]'s size field to the bytes
// written so far and stages the matching buf-data. closeURS distinguishes
// the writer's mid-set forced close of an earlier chunk (closeURS=false,
// CLOSE_CHUNK only) from the final close of the whole set (closeURS=true,
// additionally CLOSE and, for multi-chunk sets, CLOSE_MULTI_CHUNK).
func markChunkClosed(urs *URS, bs *BufferSet, codec PageCodec, chunkIdx int, closeURS bool) {
	chunk := &urs.Chunks[chunkIdx]
	slot := chunk.Slot

	slot.MetaLock.RLock()
	insert := slot.Insert
	slot.MetaLock.RUnlock()
	size := insert - chunk.HeaderOffset

	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], size)

	block0, pageOff0 := BlockAndOffset(chunk.HeaderOffset)
	_ = block0
	idx0 := chunk.HeaderBufIdx[0]
	pb0 := bs.At(idx0)

	written := codec.Overwrite(pb0.Page, pageOff0, 0, 8, sizeBytes[:])
	bs.MarkDirty(idx0)

	if written < 8 {
		idx1 := chunk.HeaderBufIdx[1]
		pb1 := bs.At(idx1)
		codec.Overwrite(pb1.Page, common.PageHeaderSize, written, 8, sizeBytes[:])
		bs.MarkDirty(idx1)
	}

	if urs.Persistence != PersistencePermanent {
		return
	}

	pb0.BufData.Flags |= BufCloseChunk
	pb0.BufData.ChunkSizePageOffset = uint16(pageOff0)
	pb0.BufData.ChunkSize = size

	if closeURS {
		pb0.BufData.Flags |= BufClose
		pb0.BufData.URSType = urs.Type
		pb0.BufData.TypeHeader = append([]byte(nil), urs.TypeHeader...)
		if len(urs.Chunks) > 1 {
			pb0.BufData.Flags |= BufCloseMultiChunk
			pb0.BufData.FirstChunkHeaderLocation = urs.Chunks[0].HeaderURP()
		}
	}
}
