package undo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/manager"
)

// TestReplayAppliesMultiBlockInsertWithLeadingFPI exercises spec scenario 4:
// a record spanning three blocks where the first is returned already
// restored from a full-page image. The replayer must still derive
// slot.insert from the FPI block's own insert_page_offset and continue
// applying the record across the remaining, non-restored blocks.
func TestReplayAppliesMultiBlockInsertWithLeadingFPI(t *testing.T) {
	allocP := manager.NewUndoLogAllocator(1 << 20)
	bufMgrP := buffer_pool.NewBufferManager(t.TempDir())
	planner := NewInsertionPlanner(allocP)
	writer := NewWriter()

	ursP := newTestURS(t, bufMgrP)
	ursP.TypeHeader = []byte{1, 2, 3, 4}

	recordSize := UsablePerPage * 2
	_, err := planner.PrepareInsert(ursP, recordSize)
	require.NoError(t, err)

	record := make([]byte, recordSize)
	for i := range record {
		record[i] = byte(i)
	}
	require.NoError(t, writer.Insert(ursP, record))
	require.GreaterOrEqual(t, ursP.Buffers.Len(), 3)

	logno := ursP.Chunks[0].Slot.LogNo
	wantInsertAfterReplay := ursP.Pending.Begin.Offset

	allocR := manager.NewUndoLogAllocator(1 << 20)
	bufMgrR := buffer_pool.NewBufferManager(t.TempDir())
	slotR, err := allocR.UndoLogGetForPersistence(PersistencePermanent)
	require.NoError(t, err)
	require.Equal(t, logno, slotR.LogNo)

	replayer := NewReplayer(allocR, bufMgrR, nil)

	var blocks []ReplayBlock
	for i := 0; i < ursP.Buffers.Len(); i++ {
		pb := ursP.Buffers.At(i)
		rb := ReplayBlock{LogNo: pb.LogNo, BlockNo: pb.Block}
		if i == 0 {
			rb.Restored = true
			rb.Image = append([]byte(nil), pb.Page.GetContent()...)
		}
		if pb.BufData.Flags != 0 {
			rb.BufData = EncodeBufData(pb.BufData)
		}
		blocks = append(blocks, rb)
	}

	rec := ReplayRecord{Blocks: blocks, Record: record}
	require.NoError(t, replayer.Replay(rec))

	for i := 0; i < ursP.Buffers.Len(); i++ {
		pbP := ursP.Buffers.At(i)
		pageR, err := bufMgrR.PinBuffer(pbP.LogNo, pbP.Block, buffer_pool.ReadNormal)
		require.NoError(t, err)
		require.Equal(t, pbP.Page.GetContent(), pageR.GetContent())
	}

	require.Equal(t, wantInsertAfterReplay, slotR.Insert)
}

// TestReplaySkipsNotFoundBlockButKeepsContinuationInSync exercises a
// discarded/absent middle block: no page content is touched for it, but the
// byte-count bookkeeping for the record write must still advance so the
// following block resumes at the right offset.
func TestReplaySkipsNotFoundBlockButKeepsContinuationInSync(t *testing.T) {
	allocP := manager.NewUndoLogAllocator(1 << 20)
	bufMgrP := buffer_pool.NewBufferManager(t.TempDir())
	planner := NewInsertionPlanner(allocP)
	writer := NewWriter()

	ursP := newTestURS(t, bufMgrP)
	recordSize := UsablePerPage * 2
	_, err := planner.PrepareInsert(ursP, recordSize)
	require.NoError(t, err)

	record := make([]byte, recordSize)
	for i := range record {
		record[i] = byte(i + 1)
	}
	require.NoError(t, writer.Insert(ursP, record))
	require.GreaterOrEqual(t, ursP.Buffers.Len(), 3)

	allocR := manager.NewUndoLogAllocator(1 << 20)
	bufMgrR := buffer_pool.NewBufferManager(t.TempDir())
	_, err = allocR.UndoLogGetForPersistence(PersistencePermanent)
	require.NoError(t, err)
	replayer := NewReplayer(allocR, bufMgrR, nil)

	var blocks []ReplayBlock
	for i := 0; i < ursP.Buffers.Len(); i++ {
		pb := ursP.Buffers.At(i)
		rb := ReplayBlock{LogNo: pb.LogNo, BlockNo: pb.Block}
		if i == 1 {
			rb.NotFound = true
		}
		if pb.BufData.Flags != 0 {
			rb.BufData = EncodeBufData(pb.BufData)
		}
		blocks = append(blocks, rb)
	}

	rec := ReplayRecord{Blocks: blocks, Record: record}
	require.NoError(t, replayer.Replay(rec))

	last := ursP.Buffers.At(ursP.Buffers.Len() - 1)
	pageR, err := bufMgrR.PinBuffer(last.LogNo, last.Block, buffer_pool.ReadNormal)
	require.NoError(t, err)
	require.Equal(t, last.Page.GetContent(), pageR.GetContent())
}
