package buffer_pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadBufferZeroAndLockIsFreshAndNew(t *testing.T) {
	bm := NewBufferManager(t.TempDir())
	defer bm.Close()

	page, err := bm.ReadBuffer(1, 0, ReadZeroAndLock)
	require.NoError(t, err)
	require.True(t, page.IsNew())
	require.False(t, page.IsDirty())
	bm.Release(page)
}

func TestDirtyPageSurvivesReleaseAndReread(t *testing.T) {
	bm := NewBufferManager(t.TempDir())
	defer bm.Close()

	page, err := bm.ReadBuffer(3, 2, ReadZeroAndLock)
	require.NoError(t, err)
	copy(page.GetContent(), []byte("hello undo page"))
	page.MarkDirty()
	require.NoError(t, bm.Release(page))

	bm2 := NewBufferManager(bm.baseDir)
	defer bm2.Close()
	reread, err := bm2.ReadBuffer(3, 2, ReadNormal)
	require.NoError(t, err)
	require.Equal(t, []byte("hello undo page"), reread.GetContent()[:len("hello undo page")])
	bm2.Release(reread)
}

func TestReadBufferPinsSamePageAcrossCallers(t *testing.T) {
	bm := NewBufferManager(t.TempDir())
	defer bm.Close()

	a, err := bm.ReadBuffer(5, 0, ReadZeroAndLock)
	require.NoError(t, err)
	require.EqualValues(t, 1, a.PinCount())
	bm.Release(a)

	b, err := bm.ReadBuffer(5, 0, ReadNormal)
	require.NoError(t, err)
	require.Same(t, a, b)
	bm.Release(b)
}

func TestRestoreFromFPIOverwritesContent(t *testing.T) {
	bm := NewBufferManager(t.TempDir())
	defer bm.Close()

	image := make([]byte, len(NewBufferPage(0, 0).GetContent()))
	copy(image, []byte("full page image"))

	page, err := bm.RestoreFromFPI(7, 1, image)
	require.NoError(t, err)
	require.True(t, page.IsDirty())
	require.Equal(t, []byte("full page image"), page.GetContent()[:len("full page image")])
	bm.Release(page)
}
