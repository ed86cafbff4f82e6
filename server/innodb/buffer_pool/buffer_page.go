package buffer_pool

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-undo/server/common"
)

// BufferPage is the control block for one undo-log page. It plays the role
// InnoDB's buf_page_t plays for a data page: space_id/page_no identify it,
// page_state tracks its lifecycle, and content holds the actual bytes. The
// undo engine never touches a page's bytes without going through Lock/Unlock
// first — that content lock is what §5 calls the per-page content lock.
type BufferPage struct {
	mu          sync.Mutex // guards the dirty flag, page state and LSN
	contentLock sync.Mutex // the content lock taken by Lock/Unlock

	spaceId uint32 // logno
	pageNo  uint32 // block number within the log

	pageState BufferPageState
	iofix     buffer_io_fix

	content []byte // always len == common.BLCKSZ

	dirty   bool
	isNew   bool
	lsn     common.LSNT
	pinRefs int32
}

func NewBufferPage(spaceId uint32, pageNo uint32) *BufferPage {
	return &BufferPage{
		spaceId:   spaceId,
		pageNo:    pageNo,
		pageState: BUF_BLOCK_NOT_USED,
		content:   make([]byte, common.BLCKSZ),
	}
}

func (bp *BufferPage) GetSpaceID() uint32 { return bp.spaceId }
func (bp *BufferPage) GetPageNo() uint32  { return bp.pageNo }

func (bp *BufferPage) GetContent() []byte { return bp.content }

func (bp *BufferPage) IsDirty() bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.dirty
}

func (bp *BufferPage) MarkDirty() {
	bp.mu.Lock()
	bp.dirty = true
	bp.pageState = BUF_BLOCK_FILE_PAGE
	bp.mu.Unlock()
}

func (bp *BufferPage) ClearDirty() {
	bp.mu.Lock()
	bp.dirty = false
	bp.mu.Unlock()
}

func (bp *BufferPage) IsNew() bool { return bp.isNew }

func (bp *BufferPage) SetNew(isNew bool) { bp.isNew = isNew }

func (bp *BufferPage) SetLSN(lsn common.LSNT) {
	bp.mu.Lock()
	bp.lsn = lsn
	bp.mu.Unlock()
}

func (bp *BufferPage) GetLSN() common.LSNT {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.lsn
}

// Lock/Unlock are the page's content lock — exclusive, held by writers
// across a page mutation. It is separate from mu, so MarkDirty, SetLSN and
// IsDirty can be called while it is held.
func (bp *BufferPage) Lock()   { bp.contentLock.Lock() }
func (bp *BufferPage) Unlock() { bp.contentLock.Unlock() }

func (bp *BufferPage) Pin()            { atomic.AddInt32(&bp.pinRefs, 1) }
func (bp *BufferPage) Unpin()          { atomic.AddInt32(&bp.pinRefs, -1) }
func (bp *BufferPage) PinCount() int32 { return atomic.LoadInt32(&bp.pinRefs) }
