package line

import "testing"

func TestRingBufferPushPopOrder(t *testing.T) {
	b := NewRingBuffer()
	b.Push([]byte("abc"))
	for _, want := range []byte("abc") {
		got, ok := b.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %q, %v, want %q, true", got, ok, want)
		}
	}
	if !b.Empty() {
		t.Fatal("expected buffer empty after draining all pushed bytes")
	}
}

func TestRingBufferBoundedAt16KiB(t *testing.T) {
	b := NewRingBuffer()
	big := make([]byte, MaxBufferBytes+100)
	n := b.Push(big)
	if n != MaxBufferBytes {
		t.Fatalf("Push() = %d, want %d (bounded)", n, MaxBufferBytes)
	}
	if b.Len() != MaxBufferBytes {
		t.Fatalf("Len() = %d, want %d", b.Len(), MaxBufferBytes)
	}
}

func TestRingBufferDrainClearsAndReturnsAll(t *testing.T) {
	b := NewRingBuffer()
	b.Push([]byte("hello"))
	out := b.Drain()
	if string(out) != "hello" {
		t.Fatalf("Drain() = %q, want %q", out, "hello")
	}
	if !b.Empty() {
		t.Fatal("expected buffer empty after Drain")
	}
}

func TestRingBufferBytesTotalTracksLifetime(t *testing.T) {
	b := NewRingBuffer()
	b.Push([]byte("ab"))
	b.Drain()
	b.Push([]byte("c"))
	if got := b.BytesTotal(); got != 3 {
		t.Fatalf("BytesTotal() = %d, want 3", got)
	}
}
