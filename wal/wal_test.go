package wal

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	pages  map[uint32][]byte
	synced int
}

func newFakeSink() *fakeSink {
	return &fakeSink{pages: map[uint32][]byte{}}
}

func (s *fakeSink) WriteRaw(pageNumber uint32, content []byte) error {
	cp := make([]byte, len(content))
	copy(cp, content)
	s.pages[pageNumber] = cp
	return nil
}

func (s *fakeSink) InvalidateCache(pageNumber uint32) {}

func (s *fakeSink) Sync() error {
	s.synced++
	return nil
}

func TestCommitAppliesPagesToSink(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()
	w, err := Open(filepath.Join(dir, "test.wal"), 16, sink, nil)
	require.NoError(t, err)
	defer w.Close()

	pages := map[uint32][]byte{1: bytes.Repeat([]byte{0xAA}, 16)}
	require.NoError(t, w.Commit(pages, []uint32{1}, 1))
	require.Equal(t, pages[1], sink.pages[1], "sink did not receive committed page")
}

func TestRecoveryReplaysCommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")
	sink1 := newFakeSink()
	w1, err := Open(path, 16, sink1, nil)
	require.NoError(t, err)
	page := bytes.Repeat([]byte{0x42}, 16)
	require.NoError(t, w1.Commit(map[uint32][]byte{5: page}, []uint32{5}, 5))
	require.Equal(t, page, sink1.pages[5], "writer-flush should have reached the sink before close")
	w1.Close()

	sink2 := newFakeSink()
	w2, err := Open(path, 16, sink2, nil)
	require.NoError(t, err)
	defer w2.Close()
	// One frame is below the checkpoint threshold, so the committed frame is
	// still in the log file. Opening it against a fresh sink replays that
	// frame into the sink and then resets the log.
	require.Equal(t, page, sink2.pages[5], "recovery should replay the committed frame into the fresh sink")
	require.Equal(t, 0, w2.FrameCount(), "want 0 frames after reset on open")
}

func TestCheckpointResetsFrameCount(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()
	w, err := Open(filepath.Join(dir, "test.wal"), 16, sink, nil)
	require.NoError(t, err)
	defer w.Close()

	page := bytes.Repeat([]byte{0x01}, 16)
	require.NoError(t, w.Commit(map[uint32][]byte{1: page}, []uint32{1}, 1))
	require.NotZero(t, w.FrameCount(), "want frames recorded after commit")
	require.NoError(t, w.Checkpoint())
	require.Zero(t, w.FrameCount(), "want 0 frames after checkpoint")
}

func TestInMemoryWALSkipsFile(t *testing.T) {
	sink := newFakeSink()
	w, err := Open("", 16, sink, nil)
	require.NoError(t, err)
	page := bytes.Repeat([]byte{0x09}, 16)
	require.NoError(t, w.Commit(map[uint32][]byte{1: page}, []uint32{1}, 1))
	require.Equal(t, page, sink.pages[1], "in-memory wal should still write through to sink")
}
