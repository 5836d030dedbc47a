package storage

import (
	"fmt"
	"sync"
	"time"
)

// RAM is the in-memory storage service.
type RAM struct {
	mu      sync.Mutex
	queues  map[int]*ramQueue
	nextH   int
	nextSID SID
}

type ramQueue struct {
	pending []SID
	objects map[SID]*ramObject
	notify  waitChan
}

type ramObject struct {
	data []byte
	refs int
}

// NewRAM returns an empty in-memory service.
func NewRAM() *RAM {
	return &RAM{queues: make(map[int]*ramQueue)}
}

func (s *RAM) queue(handle int) (*ramQueue, error) {
	q, ok := s.queues[handle]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", handle, ErrInvalidHandle)
	}

	return q, nil
}

// Create allocates a queue. The parameter is ignored.
func (s *RAM) Create(_ any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.nextH
	s.nextH++
	s.queues[handle] = &ramQueue{
		objects: make(map[SID]*ramObject),
		notify:  make(waitChan),
	}

	return handle, nil
}

// Destroy releases a queue and its objects.
func (s *RAM) Destroy(handle int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[handle]; !ok {
		return fmt.Errorf("handle %d: %w", handle, ErrInvalidHandle)
	}

	delete(s.queues, handle)

	return nil
}

// Enqueue appends header||payload as one object.
func (s *RAM) Enqueue(handle int, header, payload []byte, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(handle)
	if err != nil {
		return err
	}

	s.nextSID++
	sid := s.nextSID

	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)

	q.objects[sid] = &ramObject{data: data}
	q.pending = append(q.pending, sid)

	close(q.notify)
	q.notify = make(waitChan)

	return nil
}

// Dequeue pops the oldest queued object, waiting up to timeout.
func (s *RAM) Dequeue(handle int, timeout int) (*Object, error) {
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
			obj := q.objects[sid]
			s.mu.Unlock()

			return &Object{Handle: handle, SID: sid, Data: obj.data}, nil
		}

		notify := q.notify
		s.mu.Unlock()

		if err := deadline.wait(notify); err != nil {
			return nil, err
		}
	}
}

// Retrieve returns the object stored under sid.
func (s *RAM) Retrieve(handle int, sid SID, _ int) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(handle)
	if err != nil {
		return nil, err
	}

	obj, ok := q.objects[sid]
	if !ok {
		return nil, fmt.Errorf("sid %d: %w", sid, ErrNotFound)
	}

	obj.refs++

	return &Object{Handle: handle, SID: sid, Data: obj.data}, nil
}

// Release drops a Retrieve reference.
func (s *RAM) Release(handle int, sid SID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(handle)
	if err != nil {
		return err
	}

	if obj, ok := q.objects[sid]; ok && obj.refs > 0 {
		obj.refs--
	}

	return nil
}

// Relinquish removes the object stored under sid. Unknown SIDs are not
// an error, matching the relinquish-on-cleanup call sites.
func (s *RAM) Relinquish(handle int, sid SID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(handle)
	if err != nil {
		return err
	}

	delete(q.objects, sid)

	for i, pending := range q.pending {
		if pending == sid {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)

			break
		}
	}

	return nil
}

// Count returns the number of live objects in the queue.
func (s *RAM) Count(handle int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queue(handle)
	if err != nil {
		return 0
	}

	return len(q.objects)
}

// deadline tracks a dequeue wait.
type deadline struct {
	poll  bool
	timer *time.Timer
}

func newDeadline(timeout int) *deadline {
	d := &deadline{}

	switch {
	case timeout == Check:
		d.poll = true
	case timeout > 0:
		d.timer = time.NewTimer(time.Duration(timeout) * time.Second)
	}

	return d
}

// wait blocks until notify fires or the deadline lapses.
func (d *deadline) wait(notify waitChan) error {
	if d.poll {
		return ErrTimeout
	}

	if d.timer == nil {
		<-notify

		return nil
	}

	select {
	case <-notify:
		return nil
	case <-d.timer.C:
		return ErrTimeout
	}
}
