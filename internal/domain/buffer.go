package domain

import "io"

// Buffer is a fixed-capacity single-slot buffer. It is either empty, and
// may be filled from its source, or holds one batch that must be fully
// written to its destination before the next Fill.
type Buffer struct {
	data  []byte
	start int
	end   int
}

func NewBuffer(backing []byte) *Buffer {
	return &Buffer{data: backing}
}

func (b *Buffer) Empty() bool { return b.start == b.end }
func (b *Buffer) Len() int    { return b.end - b.start }
func (b *Buffer) Cap() int    { return len(b.data) }

// Bytes returns the pending batch. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data[b.start:b.end] }

// Backing returns the underlying array so it can be recycled.
func (b *Buffer) Backing() []byte { return b.data }

// Fill reads one batch from r into an empty buffer.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	if !b.Empty() {
		return 0, ErrBufferBusy
	}
	b.Reset()
	n, err := r.Read(b.data)
	if n > 0 {
		b.end = n
	}
	return n, err
}

// Append reads from r behind the bytes already held. It is used while a
// handshake message is still incomplete.
func (b *Buffer) Append(r io.Reader) (int, error) {
	if b.start > 0 {
		b.compact()
	}
	if b.end == len(b.data) {
		return 0, ErrBufferOverflow
	}
	n, err := r.Read(b.data[b.end:])
	if n > 0 {
		b.end += n
	}
	return n, err
}

// Load copies p into an empty buffer.
func (b *Buffer) Load(p []byte) error {
	if !b.Empty() {
		return ErrBufferBusy
	}
	if len(p) > len(b.data) {
		return ErrBufferOverflow
	}
	b.Reset()
	b.end = copy(b.data, p)
	return nil
}

// Consume drops the first n pending bytes.
func (b *Buffer) Consume(n int) {
	if n >= b.Len() {
		b.Reset()
		return
	}
	b.start += n
}

// Flush writes the pending batch to w. A short write keeps the remainder;
// the buffer is empty again only once everything has been written.
func (b *Buffer) Flush(w io.Writer) (int, error) {
	if b.Empty() {
		return 0, nil
	}
	n, err := w.Write(b.Bytes())
	if n > 0 {
		b.Consume(n)
	}
	return n, err
}

func (b *Buffer) Reset() {
	b.start, b.end = 0, 0
}

func (b *Buffer) compact() {
	n := copy(b.data, b.data[b.start:b.end])
	b.start, b.end = 0, n
}
