// storage provides an interface for accessing the filesystem. This allows the
// database to run on an in memory buffer if desired.
package pager

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// storage is the byte addressable backing for the main database file.
// Durability beyond the storage's own Sync is the WAL's responsibility. Page
// contents reach storage through the flushes driven by commit and checkpoint
// and through Rollback; the file header fields are written in place when
// they change.
type storage interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() (int64, error)
	Close() error
}

type memoryStorage struct {
	buf []byte
}

func newMemoryStorage() storage {
	return &memoryStorage{}
}

func (s *memoryStorage) grow(to int) {
	if len(s.buf) < to {
		s.buf = append(s.buf, make([]byte, to-len(s.buf))...)
	}
}

func (s *memoryStorage) WriteAt(p []byte, off int64) (int, error) {
	s.grow(int(off) + len(p))
	copy(s.buf[off:int(off)+len(p)], p)
	return len(p), nil
}

func (s *memoryStorage) ReadAt(p []byte, off int64) (int, error) {
	s.grow(int(off) + len(p))
	copy(p, s.buf[off:int(off)+len(p)])
	return len(p), nil
}

func (s *memoryStorage) Sync() error  { return nil }
func (s *memoryStorage) Close() error { return nil }

func (s *memoryStorage) Size() (int64, error) {
	return int64(len(s.buf)), nil
}

type fileStorage struct {
	file *os.File
}

func newFileStorage(path string) (storage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening db file %s", path)
	}
	return &fileStorage{file: f}, nil
}

func (s *fileStorage) WriteAt(p []byte, off int64) (int, error) {
	return s.file.WriteAt(p, off)
}

func (s *fileStorage) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *fileStorage) Sync() error { return s.file.Sync() }

func (s *fileStorage) Close() error { return s.file.Close() }

func (s *fileStorage) Size() (int64, error) {
	fi, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Fd exposes the raw file descriptor for the file lock. Returns false for
// in-memory storage, which has nothing to lock.
func Fd(s storage) (uintptr, bool) {
	fs, ok := s.(*fileStorage)
	if !ok {
		return 0, false
	}
	return fs.file.Fd(), true
}
