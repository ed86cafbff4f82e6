package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWALSubsystemInsertAssignsIncreasingLSN(t *testing.T) {
	wal, err := NewWALSubsystem(t.TempDir(), 10, time.Hour)
	require.NoError(t, err)
	defer wal.Close()

	lsn1, err := wal.Insert([]BlockRef{{LogNo: 1, Block: 0}}, []byte("buf-data-1"))
	require.NoError(t, err)
	lsn2, err := wal.Insert([]BlockRef{{LogNo: 1, Block: 1}}, []byte("buf-data-2"))
	require.NoError(t, err)

	assert.Less(t, lsn1, lsn2)
}

func TestWALSubsystemReadFromReturnsFlushedRecordsInOrder(t *testing.T) {
	wal, err := NewWALSubsystem(t.TempDir(), 10, time.Hour)
	require.NoError(t, err)
	defer wal.Close()

	for i := 0; i < 3; i++ {
		_, err := wal.Insert([]BlockRef{{LogNo: 2, Block: uint32(i)}}, []byte("payload"))
		require.NoError(t, err)
	}

	records, err := wal.ReadFrom(1)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.EqualValues(t, i+1, rec.LSN)
	}
}

func TestWALSubsystemReadFromHonorsLowerBound(t *testing.T) {
	wal, err := NewWALSubsystem(t.TempDir(), 10, time.Hour)
	require.NoError(t, err)
	defer wal.Close()

	for i := 0; i < 3; i++ {
		_, err := wal.Insert([]BlockRef{{LogNo: 2, Block: uint32(i)}}, []byte("payload"))
		require.NoError(t, err)
	}

	records, err := wal.ReadFrom(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestWALSubsystemCheckpointRecordsLastLSN(t *testing.T) {
	wal, err := NewWALSubsystem(t.TempDir(), 10, time.Hour)
	require.NoError(t, err)
	defer wal.Close()

	_, err = wal.Insert([]BlockRef{{LogNo: 1, Block: 0}}, []byte("a"))
	require.NoError(t, err)
	_, err = wal.Insert([]BlockRef{{LogNo: 1, Block: 0}}, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, wal.Checkpoint())
	assert.EqualValues(t, 2, wal.LastCheckpoint())
}

func TestWALRecordRoundTripsFullPageImage(t *testing.T) {
	wal, err := NewWALSubsystem(t.TempDir(), 10, time.Hour)
	require.NoError(t, err)
	defer wal.Close()

	fpi := []byte("a whole page worth of bytes")
	_, err = wal.Insert([]BlockRef{{LogNo: 9, Block: 4, FPI: fpi}}, []byte("buf-data"))
	require.NoError(t, err)

	records, err := wal.ReadFrom(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, fpi, records[0].Refs[0].FPI)
}
