package msgbase

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/citadel-dev/citadel/internal/logger"
)

// The reference-count queue is an append-only file of {msgnum, delta}
// records. Writers append from any goroutine; a single reducer drains the
// file, applies net deltas to message metadata, and deletes messages whose
// count reaches zero. Deferring the bookkeeping this way keeps submit and
// delete paths off the metadata rows entirely.

const (
	refQueueName  = "refcount_adjustments.dat"
	refRecordSize = 12 // int64 msgnum + int32 delta, little endian
)

// RefQueue is the append side of the queue.
type RefQueue struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenRefQueue opens (creating if needed) the queue file in dir.
func OpenRefQueue(dir string) (*RefQueue, error) {
	path := filepath.Join(dir, refQueueName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open refcount queue: %w", err)
	}
	return &RefQueue{path: path, f: f}, nil
}

// Adjust appends one delta record.
func (q *RefQueue) Adjust(msgnum int64, delta int32) error {
	rec := make([]byte, refRecordSize)
	binary.LittleEndian.PutUint64(rec[0:8], uint64(msgnum))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(delta))

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.f == nil {
		return fmt.Errorf("refcount queue closed")
	}
	if _, err := q.f.Write(rec); err != nil {
		return fmt.Errorf("append refcount delta: %w", err)
	}
	return nil
}

// Close stops accepting deltas.
func (q *RefQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.f == nil {
		return nil
	}
	err := q.f.Close()
	q.f = nil
	return err
}

// rotate swaps the live file out for draining and opens a fresh one for
// writers. Returns the path of the file to process, or "" when empty.
func (q *RefQueue) rotate() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.f == nil {
		return "", nil
	}

	info, err := q.f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() == 0 {
		return "", nil
	}

	workPath := q.path + ".process"
	if err := q.f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(q.path, workPath); err != nil {
		return "", err
	}
	q.f, err = os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("reopen refcount queue: %w", err)
	}
	return workPath, nil
}

// ReleaseRefs queues a decrement for each msgnum. Used when a whole room
// row disappears and its message list can no longer be walked.
func (s *Store) ReleaseRefs(msgnums []int64) error {
	for _, n := range msgnums {
		if err := s.refs.Adjust(n, -1); err != nil {
			return err
		}
	}
	return nil
}

// DrainRefQueue reduces pending deltas into message metadata and purges
// messages no room references anymore. Single-threaded by contract: the
// housekeeper is the only caller. Returns the number of messages purged.
func (s *Store) DrainRefQueue() (int, error) {
	// A leftover work file from a crash gets processed before new deltas;
	// its deltas are older than anything in the live file.
	workPath := s.refs.path + ".process"
	if _, err := os.Stat(workPath); os.IsNotExist(err) {
		var rerr error
		workPath, rerr = s.refs.rotate()
		if rerr != nil {
			return 0, rerr
		}
		if workPath == "" {
			return 0, nil
		}
	}

	purged, err := s.applyRefFile(workPath)
	if err != nil {
		return purged, err
	}
	if err := os.Remove(workPath); err != nil {
		return purged, fmt.Errorf("retire refcount work file: %w", err)
	}
	return purged, nil
}

func (s *Store) applyRefFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	net := make(map[int64]int64)
	var order []int64
	rec := make([]byte, refRecordSize)
	for {
		_, err := io.ReadFull(f, rec)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			logger.Warn("refcount queue ends mid-record, dropping tail")
			break
		}
		if err != nil {
			return 0, err
		}
		msgnum := int64(binary.LittleEndian.Uint64(rec[0:8]))
		delta := int32(binary.LittleEndian.Uint32(rec[8:12]))
		if _, ok := net[msgnum]; !ok {
			order = append(order, msgnum)
		}
		net[msgnum] += int64(delta)
	}

	purged := 0
	for _, msgnum := range order {
		delta := net[msgnum]
		if delta == 0 {
			continue
		}
		md, err := s.GetMetaData(msgnum)
		if err != nil {
			return purged, err
		}
		md.RefCount += delta
		if md.RefCount <= 0 {
			if err := s.purgeMsg(msgnum); err != nil {
				return purged, err
			}
			purged++
			continue
		}
		if err := s.PutMetaData(md); err != nil {
			return purged, err
		}
	}
	if purged > 0 {
		logger.Info("unreferenced messages purged", "count", purged)
	}
	return purged, nil
}
