package kvstore

import "testing"

func TestRingBufferFIFO(t *testing.T) {
	rb := newRingBuffer(3)

	la1, err := rb.Add([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	la2, _ := rb.Add([]byte("b"), []byte("2"))
	la3, _ := rb.Add([]byte("c"), []byte("3"))

	if !rb.IsFull() {
		t.Fatalf("expected buffer to be full at capacity")
	}
	if _, err := rb.Add([]byte("d"), []byte("4")); err != ErrRingFull {
		t.Fatalf("expected ErrRingFull, got %v", err)
	}

	gotLA, cell, err := rb.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if gotLA != la1 || string(cell.key) != "a" {
		t.Fatalf("Pop returned (%d, %q), want (%d, a)", gotLA, cell.key, la1)
	}
	if rb.IsFull() {
		t.Fatalf("expected room after one pop")
	}

	if _, ok := rb.At(la2); !ok {
		t.Fatalf("expected la2 still live")
	}
	if _, ok := rb.At(la1); ok {
		t.Fatalf("expected la1 no longer live after pop")
	}
	if _, ok := rb.At(la3); !ok {
		t.Fatalf("expected la3 still live")
	}
}

func TestRingBufferEmptyPop(t *testing.T) {
	rb := newRingBuffer(2)
	if _, _, err := rb.Pop(); err != ErrRingEmpty {
		t.Fatalf("expected ErrRingEmpty, got %v", err)
	}
}

func TestRingBufferResume(t *testing.T) {
	rb := newRingBuffer(4)
	rb.resume(10)
	if !rb.IsEmpty() {
		t.Fatalf("expected buffer to be empty after resume")
	}
	la, err := rb.Add([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if la != 10 {
		t.Fatalf("expected first LA after resume(10) to be 10, got %d", la)
	}
}
