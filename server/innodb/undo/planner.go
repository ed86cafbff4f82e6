package undo

import "github.com/zhukovaskychina/xmysql-undo/server/innodb/manager"

// InsertionPlanner is the insertion_planner external collaborator (§1,
// §4.4): given a URS and a record size, it decides what headers must
// accompany the record, reserves physical space (opening new chunks and
// logs as needed), and pins/locks every page the write will touch.
type InsertionPlanner struct {
	allocator LogAllocator
}

func NewInsertionPlanner(allocator LogAllocator) *InsertionPlanner {
	return &InsertionPlanner{allocator: allocator}
}

// PrepareInsert implements §4.4's algorithm and returns the URP of the
// caller's first record byte (past any header this call also arranges to
// write). It never writes anything itself — Writer.Insert consumes the
// PendingInsert this leaves on urs.
func (p *InsertionPlanner) PrepareInsert(urs *URS, recordSize int) (URP, error) {
	for {
		headerSize := 0
		if urs.Pending.NeedChunkHeader {
			headerSize += ChunkHeaderSize
		}
		if urs.Pending.NeedTypeHeader {
			headerSize += TypeHeaderSize(urs.Type)
		}
		total := headerSize + recordSize

		chunk := currentChunk(urs)
		if chunk == nil {
			if err := createNewChunk(urs, p.allocator); err != nil {
				return InvalidURP, err
			}
			continue
		}

		begin, ok := p.reservePhysical(chunk.Slot, total)
		if !ok {
			if urs.Pending.HeaderWritten {
				// this chunk already has on-disk content; it must be
				// force-closed once the new chunk's header write lands.
				urs.Pending.ChunkNumberToClose = len(urs.Chunks) - 1
			} else {
				// nothing was ever written into this chunk — drop it.
				urs.Chunks = urs.Chunks[:len(urs.Chunks)-1]
			}
			if err := createNewChunk(urs, p.allocator); err != nil {
				return InvalidURP, err
			}
			continue
		}

		return p.finishReservation(urs, chunk, begin, headerSize, total)
	}
}

// reservePhysical implements the reserve_physical primitive (§4.4 step 3):
// fast path under a shared meta lock, a double-checked refresh, an extend
// request when the slot still has room to grow, or a truncate-and-fail when
// it doesn't.
func (p *InsertionPlanner) reservePhysical(slot *manager.LogSlot, total int) (URP, bool) {
	slot.MetaLock.RLock()
	begin := slot.Insert
	newInsert := begin + Usable(total)
	recentEnd := slot.End
	slot.MetaLock.RUnlock()

	if newInsert <= recentEnd {
		return URP{LogNo: slot.LogNo, Offset: begin}, true
	}

	slot.MetaLock.RLock()
	recentEnd = slot.End
	slot.MetaLock.RUnlock()
	if newInsert <= recentEnd {
		return URP{LogNo: slot.LogNo, Offset: begin}, true
	}

	if newInsert > slot.Size {
		p.allocator.UndoLogTruncate(slot)
		return InvalidURP, false
	}

	if err := p.allocator.UndoLogExtend(slot, newInsert); err != nil {
		p.allocator.UndoLogTruncate(slot)
		return InvalidURP, false
	}
	return URP{LogNo: slot.LogNo, Offset: begin}, true
}

// finishReservation pins every page the reserved range touches (first
// pass), locks them all in ascending order (second pass, §4.4 step 4 /
// §5), and — if an earlier chunk needs force-closing — pins and locks its
// header buffer(s) too.
func (p *InsertionPlanner) finishReservation(urs *URS, chunk *Chunk, begin URP, headerSize, total int) (URP, error) {
	offset := begin.Offset
	remaining := total
	var touched []int

	for remaining > 0 {
		block, pageOff := BlockAndOffset(offset)
		idx, err := urs.Buffers.PinOnly(chunk.Slot.LogNo, block, false)
		if err != nil {
			return InvalidURP, err
		}
		touched = append(touched, idx)
		n := bytesOnPage(pageOff, 0, remaining)
		if n <= 0 {
			n = remaining
		}
		offset += uint64(n)
		remaining -= n
	}

	// second pass: pages were walked in increasing offset order, so this
	// list is already in ascending (logno, block) order.
	for _, idx := range touched {
		urs.Buffers.LockAt(idx)
	}

	urs.Pending.Begin = begin

	if urs.Pending.ChunkNumberToClose >= 0 {
		closing := &urs.Chunks[urs.Pending.ChunkNumberToClose]
		if err := p.pinClosingHeader(urs, closing); err != nil {
			return InvalidURP, err
		}
	}

	return begin.Add(uint64(headerSize)), nil
}

// pinClosingHeader pins and locks the buffer(s) backing an earlier chunk's
// header so the writer can later patch its size field — one buffer, unless
// the 8-byte size field straddles a page boundary.
func (p *InsertionPlanner) pinClosingHeader(urs *URS, closing *Chunk) error {
	block0, pageOff0 := BlockAndOffset(closing.HeaderOffset)
	idx0, err := urs.Buffers.PinOnly(closing.Slot.LogNo, block0, false)
	if err != nil {
		return err
	}
	urs.Buffers.LockAt(idx0)
	closing.HeaderBufIdx[0] = idx0

	n := bytesOnPage(pageOff0, 0, 8)
	if n < 8 {
		block1, _ := BlockAndOffset(closing.HeaderOffset + uint64(n))
		idx1, err := urs.Buffers.PinOnly(closing.Slot.LogNo, block1, false)
		if err != nil {
			return err
		}
		urs.Buffers.LockAt(idx1)
		closing.HeaderBufIdx[1] = idx1
	}
	return nil
}
