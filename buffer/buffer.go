//go:build linux

// Package buffer implements the growable byte region used for per-connection
// input and output. It keeps a cheap-prepend slot free at all times so
// framing code above the reactor can prefix length bytes without an
// allocation, and it knows how to read and write a file descriptor directly.
package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the number of bytes reserved at the front of the
	// region so callers can prepend a header without reallocating.
	CheapPrepend = 8
	// InitialSize is the default writable capacity of a freshly created Buffer.
	InitialSize = 1024
	// extraBufSize is the size of the on-stack auxiliary segment used by
	// ReadFD to make progress on reads larger than the current writable span.
	extraBufSize = 65536
)

// Buffer is a contiguous byte region split by two indices, r <= w, into a
// prependable prefix [0,r), a readable span [r,w), and a writable suffix
// [w,size). It is not safe for concurrent use; each connection owns one.
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// New returns a Buffer with the default initial capacity.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize returns a Buffer whose writable capacity is at least size.
func NewSize(size int) *Buffer {
	b := &Buffer{buf: make([]byte, CheapPrepend+size)}
	b.r = CheapPrepend
	b.w = CheapPrepend
	return b
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.w - b.r }

// WritableBytes returns the number of bytes that can be appended without growing.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.w }

// PrependableBytes returns the number of bytes available before the readable span.
func (b *Buffer) PrependableBytes() int { return b.r }

// Peek returns a view of the readable span. The view is invalidated by any
// mutating call (Retrieve, Append, ensureWritable, ReadFD, ...).
func (b *Buffer) Peek() []byte { return b.buf[b.r:b.w] }

// Retrieve advances the read index by min(n, ReadableBytes()). If the
// readable span becomes empty the indices reset to the cheap-prepend mark.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	b.r += n
	if b.r == b.w {
		b.r = CheapPrepend
		b.w = CheapPrepend
	}
}

// RetrieveAll resets the buffer to empty, preserving capacity.
func (b *Buffer) RetrieveAll() {
	b.r = CheapPrepend
	b.w = CheapPrepend
}

// RetrieveAllString copies out every readable byte as a string and retrieves them.
func (b *Buffer) RetrieveAllString() string {
	return b.RetrieveString(b.ReadableBytes())
}

// RetrieveString copies out n readable bytes as a string and retrieves them.
func (b *Buffer) RetrieveString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.r : b.r+n])
	b.Retrieve(n)
	return s
}

// Append copies data into the writable span, growing or compacting first if needed.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	copy(b.buf[b.w:], data)
	b.w += len(data)
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// Prepend writes data immediately before the readable span. It panics if
// there is not enough prependable room; callers that need headers larger
// than CheapPrepend must size their buffer accordingly up front.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic(fmt.Sprintf("buffer: prepend %d exceeds prependable %d", len(data), b.PrependableBytes()))
	}
	b.r -= len(data)
	copy(b.buf[b.r:], data)
}

// ensureWritable guarantees WritableBytes() >= n, either by growing the
// region or, when the prependable+writable slack already covers n plus the
// cheap-prepend reservation, by compacting the readable span back to offset
// CheapPrepend.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		readable := b.ReadableBytes()
		grown := make([]byte, CheapPrepend+readable+n)
		copy(grown[CheapPrepend:], b.buf[b.r:b.w])
		b.buf = grown
		b.r = CheapPrepend
		b.w = CheapPrepend + readable
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.r:b.w])
	b.r = CheapPrepend
	b.w = CheapPrepend + readable
}

// ReadFD performs one readv(2) of fd into the writable span plus a 64KiB
// on-stack auxiliary segment, so a single large read makes progress without
// preallocating a large buffer per connection. If the kernel fills no more
// than the writable span, w simply advances; otherwise the writable span is
// exhausted and the overflow is appended (growing the buffer as needed).
func (b *Buffer) ReadFD(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.buf[b.w:]
	n, err := unix.Readv(fd, [][]byte{writable, extra[:]})
	if err != nil {
		return -1, err
	}
	if n <= len(writable) {
		b.w += n
	} else {
		b.w = len(b.buf)
		b.Append(extra[:n-len(writable)])
	}
	return n, nil
}

// WriteFD performs a single write(2) of the readable span to fd. It does not
// retrieve the written bytes; the caller does that once it knows how many
// were actually written. A Buffer with nothing readable returns 0 immediately.
func (b *Buffer) WriteFD(fd int) (int, error) {
	if b.ReadableBytes() == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b.buf[b.r:b.w])
	if err != nil {
		return -1, err
	}
	return n, nil
}

// FindCRLF returns the index within the readable span of the first "\r\n",
// or -1 if none is present. It is a cheap, framing-agnostic scan offered for
// line-oriented protocols layered on top of the reactor; it does not itself
// implement any framing.
func (b *Buffer) FindCRLF() int {
	data := b.Peek()
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// FindEOL returns the index within the readable span of the first '\n', or -1.
func (b *Buffer) FindEOL() int {
	data := b.Peek()
	for i, c := range data {
		if c == '\n' {
			return i
		}
	}
	return -1
}
