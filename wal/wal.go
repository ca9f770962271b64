// wal implements the write ahead log used to make transactions durable and
// recoverable. A WAL file sits next to the main database file. Every
// committed transaction first lands in the WAL as a sequence of frames
// terminated by a commit frame, is fsynced, and only then is written to the
// main file. On open, any frames left behind by a crash are replayed
// (committed transactions) or discarded (a trailing incomplete
// transaction).
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	headerSize = 32
	magic      = "WALv1"

	frameHeaderSize = 24

	// checkpointThresholdFrames triggers an automatic checkpoint once this
	// many frames have accumulated since the last one.
	checkpointThresholdFrames = 1000
)

// pageSink is the subset of the pager a WAL needs to apply recovered or
// checkpointed frames to the main file.
type pageSink interface {
	WriteRaw(pageNumber uint32, content []byte) error
	InvalidateCache(pageNumber uint32)
	Sync() error
}

// frame is one WAL entry: a page's post-image plus the metadata needed to
// group frames into transactions and validate them.
type frame struct {
	pageID            uint32
	dbSizeAfterCommit uint32
	salt1             uint32
	salt2             uint32
	checksum          uint32
	data              []byte
}

// isCommit reports whether this frame terminates a transaction.
func (f frame) isCommit() bool { return f.dbSizeAfterCommit != 0 }

// WAL is the write ahead log for one open database.
type WAL struct {
	path      string
	file      *os.File
	pageSize  int
	salt1     uint32
	salt2     uint32
	frameCount int
	log       *logrus.Entry
	sink      pageSink
}

// Open opens or creates the WAL file at path, runs recovery against sink if
// the WAL holds committed frames from a prior crash, and returns a WAL ready
// to accept new transactions. An empty path yields an in-memory WAL backed
// by no file, used for in-memory databases where crash recovery is moot.
func Open(path string, pageSize int, sink pageSink, log *logrus.Entry) (*WAL, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &WAL{path: path, pageSize: pageSize, sink: sink, log: log}
	if path == "" {
		w.salt1, w.salt2 = freshSalts()
		return w, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening wal file %s", path)
	}
	w.file = f
	size, err := fileSize(f)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		w.salt1, w.salt2 = freshSalts()
		if err := w.writeHeader(); err != nil {
			return nil, err
		}
		return w, nil
	}
	if err := w.readHeader(); err != nil {
		return nil, err
	}
	frames, err := w.readFrames()
	if err != nil {
		return nil, err
	}
	if err := w.recover(frames); err != nil {
		return nil, err
	}
	return w, nil
}

func freshSalts() (uint32, uint32) {
	id := uuid.New()
	b := id[:]
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8])
}

func fileSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (w *WAL) writeHeader() error {
	buf := make([]byte, headerSize)
	copy(buf[0:5], magic)
	binary.BigEndian.PutUint32(buf[8:12], uint32(w.pageSize))
	binary.BigEndian.PutUint32(buf[12:16], w.salt1)
	binary.BigEndian.PutUint32(buf[16:20], w.salt2)
	checksum := crc32.ChecksumIEEE(buf[0:20])
	binary.BigEndian.PutUint32(buf[20:24], checksum)
	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *WAL) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return errors.Wrap(err, "reading wal header")
	}
	if string(buf[0:5]) != magic {
		return errors.Errorf("corrupt wal: bad magic %q", buf[0:5])
	}
	w.pageSize = int(binary.BigEndian.Uint32(buf[8:12]))
	w.salt1 = binary.BigEndian.Uint32(buf[12:16])
	w.salt2 = binary.BigEndian.Uint32(buf[16:20])
	return nil
}

// readFrames scans every complete frame currently in the WAL file.
func (w *WAL) readFrames() ([]frame, error) {
	var frames []frame
	off := int64(headerSize)
	for {
		header := make([]byte, frameHeaderSize)
		n, err := w.file.ReadAt(header, off)
		if err == io.EOF && n < frameHeaderSize {
			break
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		if n < frameHeaderSize {
			break
		}
		f := frame{
			pageID:            binary.BigEndian.Uint32(header[0:4]),
			dbSizeAfterCommit: binary.BigEndian.Uint32(header[4:8]),
			salt1:             binary.BigEndian.Uint32(header[8:12]),
			salt2:             binary.BigEndian.Uint32(header[12:16]),
			checksum:          binary.BigEndian.Uint32(header[16:20]),
		}
		data := make([]byte, w.pageSize)
		dn, err := w.file.ReadAt(data, off+frameHeaderSize)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if dn < w.pageSize {
			// Truncated frame, a crash mid-append. Stop scanning; whatever
			// transaction this belonged to is incomplete and is discarded.
			break
		}
		if f.salt1 != w.salt1 || f.salt2 != w.salt2 {
			break
		}
		if crc32.ChecksumIEEE(append(header[0:16:16], data...)) != f.checksum {
			break
		}
		f.data = data
		frames = append(frames, f)
		off += int64(frameHeaderSize + w.pageSize)
		w.frameCount++
	}
	return frames, nil
}

// recover replays every fully committed transaction found in frames,
// last-writer-wins within a transaction, and drops any trailing incomplete
// transaction.
func (w *WAL) recover(frames []frame) error {
	var pending []frame
	applied := 0
	for _, f := range frames {
		pending = append(pending, f)
		if f.isCommit() {
			if err := w.applyTransaction(pending); err != nil {
				return err
			}
			applied += len(pending)
			pending = nil
		}
	}
	if applied < len(frames) {
		w.log.Warnf("wal recovery: dropping %d frames of an incomplete transaction", len(frames)-applied)
	}
	if applied > 0 {
		w.log.Infof("wal recovery: replayed %d committed frames", applied)
		if err := w.sink.Sync(); err != nil {
			return err
		}
	}
	// Incomplete trailing frames must not be replayed again on the next
	// open, so the WAL is reset to just its header.
	return w.reset()
}

func (w *WAL) applyTransaction(frames []frame) error {
	for _, f := range frames {
		if err := w.sink.WriteRaw(f.pageID, f.data); err != nil {
			return err
		}
		w.sink.InvalidateCache(f.pageID)
	}
	return nil
}

// reset truncates the WAL back to just its header and picks fresh salts, the
// state a checkpoint or a post-recovery WAL is left in.
func (w *WAL) reset() error {
	w.frameCount = 0
	if w.file == nil {
		w.salt1, w.salt2 = freshSalts()
		return nil
	}
	w.salt1, w.salt2 = freshSalts()
	if err := w.file.Truncate(headerSize); err != nil {
		return err
	}
	return w.writeHeader()
}

// Commit appends one frame per page in pages (in order), in the order
// supplied, marks the final frame as the commit frame carrying dbSizeAfter,
// fsyncs the WAL, then writes the same pages to the main file via sink and
// fsyncs it too. Satisfies the WAL-before-main-file durability ordering.
func (w *WAL) Commit(pages map[uint32][]byte, order []uint32, dbSizeAfter uint32) error {
	if len(order) == 0 {
		return nil
	}
	if w.file != nil {
		off, err := fileSize(w.file)
		if err != nil {
			return err
		}
		for i, id := range order {
			content := pages[id]
			var dbSize uint32
			if i == len(order)-1 {
				dbSize = dbSizeAfter
			}
			if err := w.writeFrame(off, id, dbSize, content); err != nil {
				return err
			}
			off += int64(frameHeaderSize + w.pageSize)
			w.frameCount++
		}
		if err := w.file.Sync(); err != nil {
			return errors.Wrap(err, "fsync wal")
		}
	}
	for _, id := range order {
		if err := w.sink.WriteRaw(id, pages[id]); err != nil {
			return err
		}
		w.sink.InvalidateCache(id)
	}
	if err := w.sink.Sync(); err != nil {
		return err
	}
	if w.file != nil && w.frameCount >= checkpointThresholdFrames {
		if err := w.reset(); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) writeFrame(off int64, pageID uint32, dbSizeAfter uint32, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], pageID)
	binary.BigEndian.PutUint32(header[4:8], dbSizeAfter)
	binary.BigEndian.PutUint32(header[8:12], w.salt1)
	binary.BigEndian.PutUint32(header[12:16], w.salt2)
	checksum := crc32.ChecksumIEEE(append(header[0:16:16], data...))
	binary.BigEndian.PutUint32(header[16:20], checksum)
	buf := make([]byte, frameHeaderSize+len(data))
	copy(buf, header)
	copy(buf[frameHeaderSize:], data)
	_, err := w.file.WriteAt(buf, off)
	return err
}

// Checkpoint copies every frame currently in the WAL into the main file (a
// no-op if the frames are already there, which they are after Commit's
// writer-flushes-both strategy) and truncates the WAL. Exposed for callers
// that want a checkpoint outside of the automatic threshold, and exercised
// by tests asserting the WAL-monotonic property.
func (w *WAL) Checkpoint() error {
	if w.file == nil || w.frameCount == 0 {
		return nil
	}
	return w.reset()
}

// FrameCount returns the number of frames currently buffered in the WAL.
func (w *WAL) FrameCount() int { return w.frameCount }

// Close releases the WAL file handle.
func (w *WAL) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// DiscardSince is used by rollback to drop frames appended since the start
// of the current (never committed) transaction. Since Commit only ever
// appends a fully formed, already-fsynced transaction in one call, an
// uncommitted transaction never reaches the WAL in the first place; this is
// a no-op kept to document that invariant for callers.
func (w *WAL) DiscardSince(frameCountAtBegin int) {
	_ = frameCountAtBegin
}
