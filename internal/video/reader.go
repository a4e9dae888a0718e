package video

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Info is the stream description read from an AVI main header.
type Info struct {
	Width         int
	Height        int
	Frames        int
	FrameInterval time.Duration
}

// FPS returns the declared frame rate.
func (i Info) FPS() float64 {
	if i.FrameInterval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(i.FrameInterval)
}

// Reader walks the frame chunks of an AVI file in order.
type Reader struct {
	f    *os.File
	r    *bufio.Reader
	info Info
	// bytes left in the movi list
	movi int64
}

// Open reads the AVI headers and positions the reader at the first frame.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f, r: bufio.NewReader(f)}
	if err := r.readHeaders(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Inspect returns the header information of an AVI file.
func Inspect(path string) (Info, error) {
	r, err := Open(path)
	if err != nil {
		return Info{}, err
	}
	defer r.Close()
	return r.Info(), nil
}

func (r *Reader) Info() Info { return r.info }

func (r *Reader) Close() error { return r.f.Close() }

func (r *Reader) readHeaders() error {
	id, _, err := r.chunkHeader()
	if err != nil {
		return err
	}
	var form [4]byte
	if _, err := io.ReadFull(r.r, form[:]); err != nil {
		return err
	}
	if id != "RIFF" || string(form[:]) != "AVI " {
		return fmt.Errorf("not an AVI file")
	}

	sawHeader := false
	for {
		id, size, err := r.chunkHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("no movi list")
			}
			return err
		}

		switch id {
		case "LIST":
			var typ [4]byte
			if _, err := io.ReadFull(r.r, typ[:]); err != nil {
				return err
			}
			switch string(typ[:]) {
			case "hdrl", "strl":
				// descend
			case "movi":
				if !sawHeader {
					return fmt.Errorf("movi list before main header")
				}
				r.movi = int64(size) - 4
				return nil
			default:
				if err := r.skip(int64(size) - 4); err != nil {
					return err
				}
			}
		case "avih":
			body := make([]byte, pad(size))
			if _, err := io.ReadFull(r.r, body); err != nil {
				return err
			}
			if size < 40 {
				return fmt.Errorf("short avih chunk")
			}
			r.info = Info{
				FrameInterval: time.Duration(binary.LittleEndian.Uint32(body[0:])) * time.Microsecond,
				Frames:        int(binary.LittleEndian.Uint32(body[16:])),
				Width:         int(binary.LittleEndian.Uint32(body[32:])),
				Height:        int(binary.LittleEndian.Uint32(body[36:])),
			}
			sawHeader = true
		default:
			if err := r.skip(pad(size)); err != nil {
				return err
			}
		}
	}
}

// Next returns the compressed data of the next video frame, or io.EOF after
// the last one. The returned slice is only valid until the next call.
func (r *Reader) Next(buf []byte) ([]byte, error) {
	for r.movi > 0 {
		id, size, err := r.chunkHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		r.movi -= 8 + pad(size)

		// video chunks are ##dc (compressed) or ##db (uncompressed)
		if id[2:] == "dc" || id[2:] == "db" {
			if cap(buf) < int(size) {
				buf = make([]byte, size)
			}
			buf = buf[:size]
			if _, err := io.ReadFull(r.r, buf); err != nil {
				return nil, err
			}
			if size%2 == 1 {
				r.r.Discard(1)
			}
			return buf, nil
		}
		if err := r.skip(pad(size)); err != nil {
			return nil, err
		}
	}
	return nil, io.EOF
}

func (r *Reader) chunkHeader() (string, uint32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return "", 0, err
	}
	return string(hdr[:4]), binary.LittleEndian.Uint32(hdr[4:]), nil
}

func (r *Reader) skip(n int64) error {
	_, err := r.r.Discard(int(n))
	return err
}

// pad rounds a chunk size up to the RIFF word boundary.
func pad(size uint32) int64 {
	return int64(size) + int64(size&1)
}
