package undo

import "github.com/zhukovaskychina/xmysql-undo/server/common"

// Writer is the writer external collaborator (§4.5): copies a record's
// bytes (and any pending headers) across the pages prepare_insert already
// pinned and locked, staging the WAL buf-data that makes the write
// reproducible under REDO.
type Writer struct {
	codec PageCodec
}

func NewWriter() *Writer { return &Writer{} }

// Insert implements §4.5. It must run after a successful PrepareInsert
// call on the same urs and before the caller releases its buffers.
func (w *Writer) Insert(urs *URS, record []byte) error {
	chunk := currentChunk(urs)
	if chunk == nil {
		return ErrCannotRegisterUndoRequest
	}

	headerSize := 0
	if urs.Pending.NeedChunkHeader {
		headerSize += ChunkHeaderSize
	}
	if urs.Pending.NeedTypeHeader {
		headerSize += TypeHeaderSize(urs.Type)
	}

	logno := urs.Pending.Begin.LogNo
	offset := urs.Pending.Begin.Offset
	chunkStart := chunk.HeaderURP()
	isFirstChunkOfSet := len(urs.Chunks) == 1

	firstBlock, firstPageOff := BlockAndOffset(offset)

	if headerSize > 0 {
		var typeHeaderBytes []byte
		if urs.Pending.NeedTypeHeader {
			typeHeaderBytes = make([]byte, TypeHeaderSize(urs.Type))
			copy(typeHeaderBytes, urs.TypeHeader)
		}

		written := 0
		for written < headerSize {
			block, pageOff := BlockAndOffset(offset)
			idx := urs.Buffers.indexOf(logno, block)
			if idx < 0 {
				return ErrCannotRegisterUndoRequest
			}
			pb := urs.Buffers.At(idx)
			n := w.codec.InsertHeader(pb.Page, pageOff, written, urs.Pending.ChunkHeader, typeHeaderBytes, chunkStart)

			if written == 0 {
				if isFirstChunkOfSet {
					pb.BufData.Flags |= BufCreate
					pb.BufData.URSType = urs.Type
					pb.BufData.TypeHeader = append([]byte(nil), typeHeaderBytes...)
				} else {
					pb.BufData.Flags |= BufAddChunk
					pb.BufData.PreviousChunkHeaderLocation = urs.Pending.ChunkHeader.PreviousChunk
				}
			}

			urs.Buffers.MarkDirty(idx)
			offset += uint64(n)
			written += n
		}
		urs.Pending.HeaderWritten = true
	}

	written := 0
	for written < len(record) {
		block, pageOff := BlockAndOffset(offset)
		idx := urs.Buffers.indexOf(logno, block)
		if idx < 0 {
			return ErrCannotRegisterUndoRequest
		}
		pb := urs.Buffers.At(idx)
		n := w.codec.InsertRecord(pb.Page, pageOff, written, record, chunkStart)

		if pageOff == common.PageHeaderSize {
			pb.BufData.Flags |= BufAddPage
			pb.BufData.ChunkHeaderLocation = chunkStart
		}

		urs.Buffers.MarkDirty(idx)
		offset += uint64(n)
		written += n
	}

	if firstIdx := urs.Buffers.indexOf(logno, firstBlock); firstIdx >= 0 {
		pb := urs.Buffers.At(firstIdx)
		if !pb.BufData.Flags.has(BufInsert) {
			pb.BufData.Flags |= BufInsert
			pb.BufData.InsertPageOffset = uint16(firstPageOff)
		}
	}

	total := headerSize + len(record)
	chunk.Slot.MetaLock.Lock()
	chunk.Slot.Insert += Usable(total)
	chunk.Slot.MetaLock.Unlock()

	if len(urs.Chunks) > 1 && urs.Pending.ChunkNumberToClose >= 0 {
		markChunkClosed(urs, urs.Buffers, w.codec, urs.Pending.ChunkNumberToClose, false)
		urs.Pending.ChunkNumberToClose = -1
	}

	urs.Pending.NeedChunkHeader = false
	urs.Pending.NeedTypeHeader = false
	urs.State = StateDirty

	return nil
}
