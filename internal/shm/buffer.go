// Package shm implements the shared frame buffer: a single latest-frame slot in
// shared memory written by the capture worker and read by everyone else.
//
// The block is a 64-byte header followed by height*width*3 bytes of pixels.
// A sequence lock in the header lets readers detect a write that overlapped
// their copy and retry; the writer never waits for readers.
//
//	offset  size  field
//	0       8     seqlock counter (odd while a write is in progress)
//	8       8     capture timestamp, Unix nanoseconds
//	16      8     frame sequence number (number of completed writes)
//	24      4     width
//	28      4     height
//	32      8     magic
//	64      ...   pixels
package shm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	headerSize     = 64
	magic          = uint64(0x504f53454c495645) // "POSELIVE"
	maxReadRetries = 16
)

var (
	// ErrSizeMismatch is returned when a write does not match the buffer's frame size.
	ErrSizeMismatch = errors.New("shm: frame size mismatch")
	// ErrBadHeader is returned when attaching to a file that is not a frame buffer.
	ErrBadHeader = errors.New("shm: not a frame buffer")
)

// Header describes the frame currently held by the buffer.
type Header struct {
	Seq       uint64
	Timestamp time.Time
}

// Buffer is a single-writer, multi-reader frame slot.
type Buffer struct {
	width  int
	height int

	mem  []byte // whole mapping
	data []byte // pixel region

	seqlock *uint64
	tsNanos *int64
	count   *uint64

	file *os.File

	torn atomic.Uint64 // reads that never saw a stable seqlock

	mu      sync.Mutex
	changed chan struct{}
}

// New allocates an anonymous shared mapping for a width x height RGB frame.
// The mapping is inherited by child processes.
func New(width, height int) (*Buffer, error) {
	size, err := blockSize(width, height)
	if err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to map frame buffer: %w", err)
	}

	b := attach(mem, width, height)
	b.initHeader()
	return b, nil
}

// Create creates (or truncates) a file-backed frame buffer at path that other
// processes can attach to with Open.
func Create(path string, width, height int) (*Buffer, error) {
	size, err := blockSize(width, height)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame buffer file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size frame buffer file: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map frame buffer file: %w", err)
	}

	b := attach(mem, width, height)
	b.file = f
	b.initHeader()
	return b, nil
}

// Open attaches to a frame buffer previously created with Create.
func Open(path string) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame buffer file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat frame buffer file: %w", err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, ErrBadHeader
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map frame buffer file: %w", err)
	}

	if *(*uint64)(unsafe.Pointer(&mem[32])) != magic {
		unix.Munmap(mem)
		f.Close()
		return nil, ErrBadHeader
	}
	width := int(*(*uint32)(unsafe.Pointer(&mem[24])))
	height := int(*(*uint32)(unsafe.Pointer(&mem[28])))
	if headerSize+width*height*3 > len(mem) {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("%w: %dx%d does not fit %d bytes", ErrBadHeader, width, height, len(mem))
	}

	b := attach(mem, width, height)
	b.file = f
	return b, nil
}

func blockSize(width, height int) (int, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("shm: invalid frame size %dx%d", width, height)
	}
	return headerSize + width*height*3, nil
}

func attach(mem []byte, width, height int) *Buffer {
	return &Buffer{
		width:   width,
		height:  height,
		mem:     mem,
		data:    mem[headerSize : headerSize+width*height*3],
		seqlock: (*uint64)(unsafe.Pointer(&mem[0])),
		tsNanos: (*int64)(unsafe.Pointer(&mem[8])),
		count:   (*uint64)(unsafe.Pointer(&mem[16])),
		changed: make(chan struct{}),
	}
}

func (b *Buffer) initHeader() {
	*(*uint32)(unsafe.Pointer(&b.mem[24])) = uint32(b.width)
	*(*uint32)(unsafe.Pointer(&b.mem[28])) = uint32(b.height)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b.mem[32])), magic)
}

// Width returns the frame width in pixels.
func (b *Buffer) Width() int { return b.width }

// Height returns the frame height in pixels.
func (b *Buffer) Height() int { return b.height }

// FrameSize returns the number of pixel bytes in one frame.
func (b *Buffer) FrameSize() int { return len(b.data) }

// Write replaces the held frame. data must be exactly FrameSize bytes.
// Returns the new frame sequence number.
func (b *Buffer) Write(data []byte, ts time.Time) (uint64, error) {
	if len(data) != len(b.data) {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(data), len(b.data))
	}

	atomic.AddUint64(b.seqlock, 1)
	copy(b.data, data)
	atomic.StoreInt64(b.tsNanos, ts.UnixNano())
	seq := atomic.AddUint64(b.count, 1)
	atomic.AddUint64(b.seqlock, 1)

	b.Notify()
	return seq, nil
}

// Notify wakes everyone waiting on Changed. Write calls it; a process
// attached with Open calls it when told that another process wrote a frame.
func (b *Buffer) Notify() {
	b.mu.Lock()
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

// Latest returns the header of the held frame without copying pixels.
// Seq is 0 until the first write.
func (b *Buffer) Latest() Header {
	for i := 0; i < maxReadRetries; i++ {
		s1 := atomic.LoadUint64(b.seqlock)
		if s1&1 == 1 {
			runtime.Gosched()
			continue
		}
		h := b.loadHeader()
		if atomic.LoadUint64(b.seqlock) == s1 {
			return h
		}
	}
	return b.loadHeader()
}

// Read copies the held frame into dst, which must be FrameSize bytes.
// consistent is false if every attempt overlapped a write; the copy is then
// returned as-is and may mix two frames.
func (b *Buffer) Read(dst []byte) (h Header, consistent bool, err error) {
	if len(dst) != len(b.data) {
		return h, false, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(dst), len(b.data))
	}

	for i := 0; i < maxReadRetries; i++ {
		s1 := atomic.LoadUint64(b.seqlock)
		if s1&1 == 1 {
			runtime.Gosched()
			continue
		}
		copy(dst, b.data)
		h = b.loadHeader()
		if atomic.LoadUint64(b.seqlock) == s1 {
			return h, true, nil
		}
	}

	b.torn.Add(1)
	copy(dst, b.data)
	return b.loadHeader(), false, nil
}

// TornReads returns how many reads gave up waiting for a consistent copy.
func (b *Buffer) TornReads() uint64 {
	return b.torn.Load()
}

// Changed returns a channel closed by the next Write or Notify made through
// this Buffer. Writers in another process do not close it.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// Close unmaps the buffer and closes the backing file, if any.
func (b *Buffer) Close() error {
	var errs []error
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap frame buffer: %w", err))
		}
		b.mem = nil
		b.data = nil
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			errs = append(errs, err)
		}
		b.file = nil
	}
	return errors.Join(errs...)
}

func (b *Buffer) loadHeader() Header {
	h := Header{Seq: atomic.LoadUint64(b.count)}
	if ns := atomic.LoadInt64(b.tsNanos); ns != 0 {
		h.Timestamp = time.Unix(0, ns)
	}
	return h
}
