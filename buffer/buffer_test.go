//go:build linux

package buffer

import (
	"testing"
)

func TestInitialInvariants(t *testing.T) {
	b := New()
	if b.ReadableBytes() != 0 {
		t.Fatalf("readable = %d, want 0", b.ReadableBytes())
	}
	if b.WritableBytes() != InitialSize {
		t.Fatalf("writable = %d, want %d", b.WritableBytes(), InitialSize)
	}
	if b.PrependableBytes() != CheapPrepend {
		t.Fatalf("prependable = %d, want %d", b.PrependableBytes(), CheapPrepend)
	}
}

func TestAppendRetrieveRoundTrip(t *testing.T) {
	b := New()
	want := []byte("hello world")
	b.Append(want)
	if got := b.RetrieveString(len(want)); got != string(want) {
		t.Fatalf("got %q want %q", got, want)
	}
	if b.PrependableBytes() != CheapPrepend || b.ReadableBytes() != 0 {
		t.Fatalf("buffer not reset to cheap-prepend mark: r=%d w=%d", b.r, b.w)
	}
}

func TestRetrieveAllResetsIndices(t *testing.T) {
	b := New()
	b.AppendString("abc")
	_ = b.RetrieveAllString()
	if b.r != CheapPrepend || b.w != CheapPrepend {
		t.Fatalf("r=%d w=%d, want both %d", b.r, b.w, CheapPrepend)
	}
}

func TestPartialRetrieveKeepsResidue(t *testing.T) {
	b := New()
	b.AppendString("hello")
	got := b.RetrieveString(3)
	if got != "hel" {
		t.Fatalf("got %q", got)
	}
	if b.ReadableBytes() != 2 {
		t.Fatalf("residue = %d, want 2", b.ReadableBytes())
	}
	if rest := b.RetrieveAllString(); rest != "lo" {
		t.Fatalf("rest = %q, want lo", rest)
	}
}

func TestEnsureWritableGrowsWhenSlackInsufficient(t *testing.T) {
	b := NewSize(4)
	b.AppendString("ab")
	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = byte(i)
	}
	b.Append(big)
	if b.ReadableBytes() != 2+len(big) {
		t.Fatalf("readable = %d, want %d", b.ReadableBytes(), 2+len(big))
	}
	if b.r < 0 || b.r > b.w || b.w > len(b.buf) {
		t.Fatalf("invariant broken: r=%d w=%d size=%d", b.r, b.w, len(b.buf))
	}
}

func TestEnsureWritableCompactsWhenSlackSufficient(t *testing.T) {
	b := NewSize(64)
	b.AppendString("0123456789")
	b.Retrieve(8)
	beforeCap := len(b.buf)
	b.Append(make([]byte, 60))
	if len(b.buf) != beforeCap {
		t.Fatalf("buffer reallocated when compaction should have sufficed")
	}
	if b.PrependableBytes() != CheapPrepend {
		t.Fatalf("prependable = %d after compaction, want %d", b.PrependableBytes(), CheapPrepend)
	}
}

func TestPrepend(t *testing.T) {
	b := New()
	b.AppendString("body")
	b.Prepend([]byte{0, 0, 0, 4})
	if got := b.RetrieveAllString(); got != "\x00\x00\x00\x04body" {
		t.Fatalf("got %q", got)
	}
}

func TestFindCRLFAndEOL(t *testing.T) {
	b := New()
	b.AppendString("line1\r\nline2\n")
	if i := b.FindCRLF(); i != 5 {
		t.Fatalf("FindCRLF = %d, want 5", i)
	}
	if i := b.FindEOL(); i != 6 {
		t.Fatalf("FindEOL = %d, want 6", i)
	}
}
