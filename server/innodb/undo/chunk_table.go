package undo

// createNewChunk implements ChunkTable's single mutator (§4.3): request a
// new slot from the external allocator for this URS's persistence, record
// its header offset, and arm the pending-insert header flags. The first
// chunk of a set additionally needs a type header.
func createNewChunk(urs *URS, allocator LogAllocator) error {
	slot, err := allocator.UndoLogGetForPersistence(urs.Persistence)
	if err != nil {
		return ErrCannotRegisterUndoRequest
	}

	slot.MetaLock.RLock()
	headerOffset := slot.Insert
	slot.MetaLock.RUnlock()

	chunk := Chunk{
		Slot:         slot,
		HeaderOffset: headerOffset,
		HeaderBufIdx: [2]int{-1, -1},
	}

	header := ChunkHeader{Size: 0, PreviousChunk: InvalidURP, Type: urs.Type}
	if n := len(urs.Chunks); n > 0 {
		header.PreviousChunk = urs.Chunks[n-1].HeaderURP()
	}

	urs.Chunks = append(urs.Chunks, chunk)
	urs.Pending.NeedChunkHeader = true
	urs.Pending.RecentEnd = 0
	urs.Pending.ChunkHeader = header
	urs.Pending.ChunkStart = chunk.HeaderURP()
	urs.Pending.HeaderWritten = false
	if len(urs.Chunks) == 1 {
		urs.Pending.NeedTypeHeader = true
	}

	return nil
}

func currentChunk(urs *URS) *Chunk {
	if len(urs.Chunks) == 0 {
		return nil
	}
	return &urs.Chunks[len(urs.Chunks)-1]
}
