package buffer_pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhukovaskychina/xmysql-undo/logger"
	"github.com/zhukovaskychina/xmysql-undo/server/common"
)

// ReadMode mirrors Postgres's XLogReadBufferForRedoExtended / ReadBuffer
// distinction between "give me the existing page" and "give me a zeroed
// page I'm about to initialize".
type ReadMode uint8

const (
	ReadNormal ReadMode = iota
	ReadZeroAndLock
	ReadWillInit
)

type pageKey struct {
	logno uint32
	block uint32
}

// BufferManager is the external buffer-manager collaborator (§1 of the undo
// engine design): it pins, locks, dirties and writes undo pages, and
// restores full-page images during REDO. Eviction policy is explicitly out
// of scope — pages stay resident for the process lifetime, standing in for
// a buffer pool sized to hold the active undo working set.
type BufferManager struct {
	mu sync.RWMutex

	baseDir string
	files   map[uint32]*os.File
	pages   map[pageKey]*BufferPage
}

func NewBufferManager(baseDir string) *BufferManager {
	return &BufferManager{
		baseDir: baseDir,
		files:   make(map[uint32]*os.File),
		pages:   make(map[pageKey]*BufferPage),
	}
}

func (bm *BufferManager) fileFor(logno uint32) (*os.File, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if f, ok := bm.files[logno]; ok {
		return f, nil
	}
	if err := os.MkdirAll(bm.baseDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(bm.baseDir, fmt.Sprintf("%08d.undo", logno))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	bm.files[logno] = f
	return f, nil
}

// PinBuffer returns the pinned page for (logno, block) WITHOUT taking its
// content lock — callers that need to pin a whole range before locking any
// of it (the planner's two-phase pin-then-lock discipline, §4.4/§5) use this
// directly and call LockBuffer afterwards in their own chosen order.
// ReadZeroAndLock/ReadWillInit mean "this page was just claimed fresh":
// it is zeroed rather than read from disk.
func (bm *BufferManager) PinBuffer(logno, block uint32, mode ReadMode) (*BufferPage, error) {
	key := pageKey{logno, block}

	bm.mu.RLock()
	page, ok := bm.pages[key]
	bm.mu.RUnlock()
	if ok {
		page.Pin()
		return page, nil
	}

	bm.mu.Lock()
	if page, ok = bm.pages[key]; ok {
		bm.mu.Unlock()
		page.Pin()
		return page, nil
	}
	page = NewBufferPage(logno, block)
	bm.pages[key] = page
	bm.mu.Unlock()

	page.Pin()

	if mode == ReadZeroAndLock || mode == ReadWillInit {
		page.SetNew(true)
		return page, nil
	}

	f, err := bm.fileFor(logno)
	if err != nil {
		return page, nil
	}
	n, err := f.ReadAt(page.content, int64(block)*int64(common.BLCKSZ))
	if err != nil && n == 0 {
		// never written before: treat as a fresh zero page rather than error.
		page.SetNew(true)
	} else if err != nil {
		return nil, err
	}
	return page, nil
}

// LockBuffer takes a page's content lock. Split from PinBuffer so callers
// can pin an entire insertion range before locking any of it.
func (bm *BufferManager) LockBuffer(page *BufferPage) {
	page.Lock()
}

// ReadBuffer is the single-call convenience for callers that don't need the
// two-phase pin/lock split (replay, crash recovery): pin and lock together.
func (bm *BufferManager) ReadBuffer(logno, block uint32, mode ReadMode) (*BufferPage, error) {
	page, err := bm.PinBuffer(logno, block, mode)
	if err != nil {
		return nil, err
	}
	bm.LockBuffer(page)
	return page, nil
}

// Release unlocks and unpins a page obtained from ReadBuffer, flushing it to
// disk first if dirty.
func (bm *BufferManager) Release(page *BufferPage) error {
	var err error
	if page.IsDirty() {
		err = bm.flushLocked(page)
		if err != nil {
			logger.Debugf("failed to write dirty page to disk: %v\n", err)
		}
	}
	page.Unlock()
	page.Unpin()
	return err
}

// flushLocked writes page.content to disk. Caller must hold the page's
// content lock.
func (bm *BufferManager) flushLocked(page *BufferPage) error {
	f, err := bm.fileFor(page.GetSpaceID())
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(page.GetContent(), int64(page.GetPageNo())*int64(common.BLCKSZ)); err != nil {
		return err
	}
	page.ClearDirty()
	return nil
}

// Flush forces a page to disk without releasing it. It takes the page's
// content lock itself, so the caller must not already hold it.
func (bm *BufferManager) Flush(page *BufferPage) error {
	page.Lock()
	defer page.Unlock()
	return bm.flushLocked(page)
}

// RestoreFromFPI overwrites a page's content with a full-page image captured
// in a WAL record, used by the replayer when recovery decides to restore
// rather than replay a block (§4.7).
func (bm *BufferManager) RestoreFromFPI(logno, block uint32, image []byte) (*BufferPage, error) {
	page, err := bm.ReadBuffer(logno, block, ReadZeroAndLock)
	if err != nil {
		return nil, err
	}
	copy(page.content, image)
	page.SetNew(false)
	page.MarkDirty()
	return page, nil
}

func (bm *BufferManager) Close() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	var firstErr error
	for _, f := range bm.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
