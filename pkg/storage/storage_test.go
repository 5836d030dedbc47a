package storage_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/calvinalkan/bpagent/pkg/storage"
)

// services enumerates the implementations under test. SQLite is
// exercised separately; its driver needs cgo.
func services(t *testing.T) map[string]storage.Service {
	t.Helper()

	file, err := storage.NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	return map[string]storage.Service{
		"ram":  storage.NewRAM(),
		"file": file,
	}
}

func Test_Dequeue_Preserves_FIFO_Order(t *testing.T) {
	t.Parallel()

	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h, err := svc.Create(nil)
			if err != nil {
				t.Fatal(err)
			}

			for i := 0; i < 5; i++ {
				payload := []byte{byte(i)}
				if err := svc.Enqueue(h, []byte("hdr"), payload, storage.Check); err != nil {
					t.Fatalf("enqueue %d: %v", i, err)
				}
			}

			if got := svc.Count(h); got != 5 {
				t.Fatalf("count = %d, want 5", got)
			}

			for i := 0; i < 5; i++ {
				obj, err := svc.Dequeue(h, storage.Check)
				if err != nil {
					t.Fatalf("dequeue %d: %v", i, err)
				}

				want := append([]byte("hdr"), byte(i))
				if !bytes.Equal(obj.Data, want) {
					t.Fatalf("dequeue %d: data %v, want %v", i, obj.Data, want)
				}
			}

			if _, err := svc.Dequeue(h, storage.Check); !errors.Is(err, storage.ErrTimeout) {
				t.Fatalf("empty dequeue: %v, want ErrTimeout", err)
			}
		})
	}
}

func Test_Object_Retrievable_By_SID_Until_Relinquished(t *testing.T) {
	t.Parallel()

	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h, err := svc.Create(nil)
			if err != nil {
				t.Fatal(err)
			}

			if err := svc.Enqueue(h, []byte("keep"), nil, storage.Check); err != nil {
				t.Fatal(err)
			}

			obj, err := svc.Dequeue(h, storage.Check)
			if err != nil {
				t.Fatal(err)
			}

			// Dequeued objects survive for retransmission.
			got, err := svc.Retrieve(h, obj.SID, storage.Check)
			if err != nil {
				t.Fatalf("retrieve after dequeue: %v", err)
			}

			if !bytes.Equal(got.Data, []byte("keep")) {
				t.Fatalf("retrieve data %q", got.Data)
			}

			if err := svc.Release(h, obj.SID); err != nil {
				t.Fatalf("release: %v", err)
			}

			if err := svc.Relinquish(h, obj.SID); err != nil {
				t.Fatalf("relinquish: %v", err)
			}

			if _, err := svc.Retrieve(h, obj.SID, storage.Check); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("retrieve after relinquish: %v, want ErrNotFound", err)
			}

			if got := svc.Count(h); got != 0 {
				t.Fatalf("count = %d, want 0", got)
			}
		})
	}
}

func Test_Dequeue_Returns_Next_Object_When_Previous_Relinquished(t *testing.T) {
	t.Parallel()

	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h, err := svc.Create(nil)
			if err != nil {
				t.Fatal(err)
			}

			if err := svc.Enqueue(h, []byte("a"), nil, storage.Check); err != nil {
				t.Fatal(err)
			}

			if err := svc.Enqueue(h, []byte("b"), nil, storage.Check); err != nil {
				t.Fatal(err)
			}

			first, err := svc.Dequeue(h, storage.Check)
			if err != nil {
				t.Fatal(err)
			}

			// Relinquishing the dequeued first object leaves the
			// second queued.
			if err := svc.Relinquish(h, first.SID); err != nil {
				t.Fatal(err)
			}

			second, err := svc.Dequeue(h, storage.Check)
			if err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(second.Data, []byte("b")) {
				t.Fatalf("second = %q, want b", second.Data)
			}
		})
	}
}

func Test_Dequeue_Wakes_When_Concurrent_Enqueue_Arrives(t *testing.T) {
	t.Parallel()

	svc := storage.NewRAM()

	h, err := svc.Create(nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *storage.Object, 1)

	go func() {
		obj, derr := svc.Dequeue(h, 5)
		if derr != nil {
			done <- nil

			return
		}

		done <- obj
	}()

	time.Sleep(50 * time.Millisecond)

	if err := svc.Enqueue(h, []byte("wake"), nil, storage.Check); err != nil {
		t.Fatal(err)
	}

	select {
	case obj := <-done:
		if obj == nil || !bytes.Equal(obj.Data, []byte("wake")) {
			t.Fatalf("blocked dequeue returned %v", obj)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("blocked dequeue never woke")
	}
}

func Test_Operations_Fail_When_Handle_Destroyed(t *testing.T) {
	t.Parallel()

	svc := storage.NewRAM()

	h, err := svc.Create(nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Destroy(h); err != nil {
		t.Fatal(err)
	}

	if err := svc.Enqueue(h, []byte("x"), nil, storage.Check); !errors.Is(err, storage.ErrInvalidHandle) {
		t.Fatalf("enqueue: %v, want ErrInvalidHandle", err)
	}

	if _, err := svc.Dequeue(h, storage.Check); !errors.Is(err, storage.ErrInvalidHandle) {
		t.Fatalf("dequeue: %v, want ErrInvalidHandle", err)
	}
}

func Test_File_Store_Recovers_Queue_Order_Across_Instances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first, err := storage.NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}

	h, err := first.Create("spool")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := first.Enqueue(h, []byte(fmt.Sprintf("obj-%d", i)), nil, storage.Check); err != nil {
			t.Fatal(err)
		}
	}

	// A second service over the same directory sees the spool in
	// order.
	second, err := storage.NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := second.Create("spool")
	if err != nil {
		t.Fatal(err)
	}

	if got := second.Count(h2); got != 3 {
		t.Fatalf("recovered count = %d, want 3", got)
	}

	for i := 0; i < 3; i++ {
		obj, err := second.Dequeue(h2, storage.Check)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}

		if want := fmt.Sprintf("obj-%d", i); string(obj.Data) != want {
			t.Fatalf("dequeue %d = %q, want %q", i, obj.Data, want)
		}
	}
}
