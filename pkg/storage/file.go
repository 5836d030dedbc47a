package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// File is a directory-backed storage service. Each queue is a
// subdirectory of the spool root; each object is one file named by a
// time-ordered UUID, written atomically so a crash never leaves a torn
// object. Queue order is recovered from the file names on Create.
type File struct {
	root string

	mu     sync.Mutex
	queues map[int]*fileQueue
	nextH  int
}

type fileQueue struct {
	dir     string
	pending []SID
	names   map[SID]string
	nextSID SID
	notify  waitChan
}

// NewFile returns a service spooling under root, creating it if
// needed.
func NewFile(root string) (*File, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create spool root: %w", err)
	}

	return &File{root: root, queues: make(map[int]*fileQueue)}, nil
}

func (s *File) queue(handle int) (*fileQueue, error) {
	q, ok := s.queues[handle]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", handle, ErrInvalidHandle)
	}

	return q, nil
}

// Create allocates a queue directory. When parm is a string it names
// the directory, letting a channel re-attach to a spool left by a
// previous run; otherwise a numbered directory is used.
func (s *File) Create(parm any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.nextH
	s.nextH++

	name, ok := parm.(string)
	if !ok || name == "" {
		name = fmt.Sprintf("q%04d", handle)
	}

	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create queue dir: %w", err)
	}

	q := &fileQueue{
		dir:    dir,
		names:  make(map[SID]string),
		notify: make(waitChan),
	}

	// Recover any spooled objects; v7 UUID names sort in enqueue
	// order.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scan queue dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".obj") {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	for _, n := range names {
		q.nextSID++
		q.names[q.nextSID] = n
		q.pending = append(q.pending, q.nextSID)
	}

	s.queues[handle] = q

	return handle, nil
}

// Destroy releases a queue and deletes its directory.
func (s *File) Destroy(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(handle)
	if err != nil {
		return err
	}

	delete(s.queues, handle)

	if err := os.RemoveAll(q.dir); err != nil {
		return fmt.Errorf("remove queue dir: %w", err)
	}

	return nil
}

// Enqueue writes header||payload as one spool file.
func (s *File) Enqueue(handle int, header, payload []byte, _ int) error {
	s.mu.Lock()
	q, err := s.queue(handle)
	if err != nil {
		s.mu.Unlock()

		return err
	}
	s.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("object id: %w", err)
	}

	name := id.String() + ".obj"

	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)

	if err := atomic.WriteFile(filepath.Join(q.dir, name), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write object: %w", err)
	}

	s.mu.Lock()
	q.nextSID++
	sid := q.nextSID
	q.names[sid] = name
	q.pending = append(q.pending, sid)
	close(q.notify)
	q.notify = make(waitChan)
	s.mu.Unlock()

	return nil
}

// Dequeue pops the oldest queued object, waiting up to timeout.
func (s *File) Dequeue(handle int, timeout int) (*Object, error) {
	deadline := newDeadline(timeout)

	for {
		s.mu.Lock()

		q, err := s.queue(handle)
		if err != nil {
			s.mu.Unlock()

			return nil, err
		}

		if len(q.pending) > 0 {
			sid := q.pending[0]
			q.pending = q.pending[1:]
			path := filepath.Join(q.dir, q.names[sid])
			s.mu.Unlock()

			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil, fmt.Errorf("read object: %w", rerr)
			}

			return &Object{Handle: handle, SID: sid, Data: data}, nil
		}

		notify := q.notify
		s.mu.Unlock()

		if err := deadline.wait(notify); err != nil {
			return nil, err
		}
	}
}

// Retrieve reads the object stored under sid.
func (s *File) Retrieve(handle int, sid SID, _ int) (*Object, error) {
	s.mu.Lock()

	q, err := s.queue(handle)
	if err != nil {
		s.mu.Unlock()

		return nil, err
	}

	name, ok := q.names[sid]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("sid %d: %w", sid, ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(q.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}

	return &Object{Handle: handle, SID: sid, Data: data}, nil
}

// Release is a no-op for the file service; objects live until
// relinquished.
func (s *File) Release(_ int, _ SID) error { return nil }

// Relinquish deletes the object's spool file.
func (s *File) Relinquish(handle int, sid SID) error {
	s.mu.Lock()

	q, err := s.queue(handle)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	name, ok := q.names[sid]
	if ok {
		delete(q.names, sid)

		for i, pending := range q.pending {
			if pending == sid {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)

				break
			}
		}
	}

	s.mu.Unlock()

	if !ok {
		return nil
	}

	if err := os.Remove(filepath.Join(q.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}

	return nil
}

// Count returns the number of live objects in the queue.
func (s *File) Count(handle int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(handle)
	if err != nil {
		return 0
	}

	return len(q.names)
}
