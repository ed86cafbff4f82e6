package manager

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BlockRef names one page a WAL record touches, carrying an optional
// full-page image captured the first time that page was dirtied since the
// last checkpoint — the REDO engine's FPI mechanism (§4.7, §4.9).
type BlockRef struct {
	LogNo uint32
	Block uint32
	FPI   []byte // nil unless this record carries a full-page image
}

// WALRecord is one entry in the write-ahead log: a buf-data payload (encoded
// by undo.EncodeBufData, opaque to this package) plus the blocks it touches.
type WALRecord struct {
	LSN       uint64
	Refs      []BlockRef
	BufData   []byte
	Timestamp time.Time
}

// WALSubsystem is the WAL external collaborator: it assigns LSNs, buffers
// and flushes records, and lets the replayer/crash-recovery sweep read them
// back in order. It knows nothing about chunks or insertion planning — only
// about durably ordering opaque buf-data payloads against block references.
type WALSubsystem struct {
	mu sync.RWMutex

	logFile       *os.File
	logDir        string
	nextLSN       uint64
	buffer        []WALRecord
	bufferSize    int
	flushInterval time.Duration

	lastCheckpoint uint64
	checkpointTime time.Time

	stopChan chan struct{}
}

func NewWALSubsystem(logDir string, bufferSize int, flushInterval time.Duration) (*WALSubsystem, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(
		filepath.Join(logDir, "undo_wal.log"),
		os.O_CREATE|os.O_RDWR,
		0644,
	)
	if err != nil {
		return nil, err
	}

	w := &WALSubsystem{
		logFile:       logFile,
		logDir:        logDir,
		nextLSN:       1,
		buffer:        make([]WALRecord, 0, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}

	go w.backgroundFlush()

	return w, nil
}

// Insert registers a WAL record and returns its assigned LSN. This is the
// only place the engine hands the WAL subsystem a buf-data payload; the
// engine is responsible for stamping that LSN onto every page the record
// touches before releasing its content locks (§5's WAL-before-data-page
// ordering rule).
func (w *WALSubsystem) Insert(refs []BlockRef, bufData []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++

	w.buffer = append(w.buffer, WALRecord{
		LSN:       lsn,
		Refs:      refs,
		BufData:   bufData,
		Timestamp: time.Now(),
	})

	if len(w.buffer) >= w.bufferSize {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}

	return lsn, nil
}

// Flush forces buffered records to disk, regardless of buffer fill level.
func (w *WALSubsystem) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WALSubsystem) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	for _, rec := range w.buffer {
		if err := writeWALRecord(w.logFile, rec); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	return w.logFile.Sync()
}

func writeWALRecord(f *os.File, rec WALRecord) error {
	if err := binary.Write(f, binary.BigEndian, rec.LSN); err != nil {
		return err
	}
	if err := binary.Write(f, binary.BigEndian, uint16(len(rec.Refs))); err != nil {
		return err
	}
	for _, ref := range rec.Refs {
		if err := binary.Write(f, binary.BigEndian, ref.LogNo); err != nil {
			return err
		}
		if err := binary.Write(f, binary.BigEndian, ref.Block); err != nil {
			return err
		}
		if err := binary.Write(f, binary.BigEndian, uint32(len(ref.FPI))); err != nil {
			return err
		}
		if len(ref.FPI) > 0 {
			if _, err := f.Write(ref.FPI); err != nil {
				return err
			}
		}
	}
	if err := binary.Write(f, binary.BigEndian, uint32(len(rec.BufData))); err != nil {
		return err
	}
	if _, err := f.Write(rec.BufData); err != nil {
		return err
	}
	return nil
}

func readWALRecord(f *os.File) (WALRecord, error) {
	var rec WALRecord
	if err := binary.Read(f, binary.BigEndian, &rec.LSN); err != nil {
		return rec, err
	}
	var numRefs uint16
	if err := binary.Read(f, binary.BigEndian, &numRefs); err != nil {
		return rec, err
	}
	rec.Refs = make([]BlockRef, numRefs)
	for i := range rec.Refs {
		if err := binary.Read(f, binary.BigEndian, &rec.Refs[i].LogNo); err != nil {
			return rec, err
		}
		if err := binary.Read(f, binary.BigEndian, &rec.Refs[i].Block); err != nil {
			return rec, err
		}
		var fpiLen uint32
		if err := binary.Read(f, binary.BigEndian, &fpiLen); err != nil {
			return rec, err
		}
		if fpiLen > 0 {
			rec.Refs[i].FPI = make([]byte, fpiLen)
			if _, err := io.ReadFull(f, rec.Refs[i].FPI); err != nil {
				return rec, err
			}
		}
	}
	var dataLen uint32
	if err := binary.Read(f, binary.BigEndian, &dataLen); err != nil {
		return rec, err
	}
	rec.BufData = make([]byte, dataLen)
	if _, err := io.ReadFull(f, rec.BufData); err != nil {
		return rec, err
	}
	return rec, nil
}

// ReadFrom returns every record with LSN >= fromLSN, in log order. It does
// not apply them; replaying is left to the caller.
func (w *WALSubsystem) ReadFrom(fromLSN uint64) ([]WALRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return nil, err
	}
	if _, err := w.logFile.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var records []WALRecord
	for {
		rec, err := readWALRecord(w.logFile)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rec.LSN >= fromLSN {
			records = append(records, rec)
		}
	}
	return records, nil
}

// backgroundFlush periodically flushes the buffer, matching the teacher's
// goroutine-with-stopChan idiom for long-running background work.
func (w *WALSubsystem) backgroundFlush() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.stopChan:
			return
		}
	}
}

// Checkpoint records the current LSN as a durable recovery starting point,
// after forcing all buffered records to disk.
func (w *WALSubsystem) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}

	w.lastCheckpoint = w.nextLSN - 1
	w.checkpointTime = time.Now()

	checkpointFile := filepath.Join(w.logDir, "undo_wal_checkpoint")
	file, err := os.Create(checkpointFile)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := binary.Write(file, binary.BigEndian, w.lastCheckpoint); err != nil {
		return err
	}
	return file.Sync()
}

func (w *WALSubsystem) LastCheckpoint() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastCheckpoint
}

// Close stops the background flusher and closes the log file.
func (w *WALSubsystem) Close() error {
	close(w.stopChan)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.logFile.Close()
}
