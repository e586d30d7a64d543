package main

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vdecode/vdec/pkg/video"
)

// headerSize is Type(1) + Flags(1) + PTS(8) + Length(4).
const headerSize = 14

const maxUnitSize = 16 << 20

const flagKeyframe = 0x01

var unitCodecs = map[byte]video.Codec{
	0x01: video.CodecH264,
	0x02: video.CodecHEVC,
	0x03: video.CodecVP8,
	0x04: video.CodecVP9,
	0x05: video.CodecMPEG2,
	0x20: video.CodecRaw,
}

// unit is one framed bitstream unit of an input file.
type unit struct {
	Codec    video.Codec
	Keyframe bool
	PTS      uint64
	Data     []byte
}

type unitReader struct {
	r      io.Reader
	header [headerSize]byte
	buf    []byte
}

func newUnitReader(r io.Reader) *unitReader { return &unitReader{r: r} }

// Next returns the next unit, its data is valid until the next call.
// It returns io.EOF at the end of the input.
func (u *unitReader) Next() (unit, error) {
	if _, err := io.ReadFull(u.r, u.header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return unit{}, fmt.Errorf("truncated unit header")
		}
		return unit{}, err
	}
	c, ok := unitCodecs[u.header[0]]
	if !ok {
		return unit{}, fmt.Errorf("unknown unit type 0x%02x", u.header[0])
	}
	n := binary.LittleEndian.Uint32(u.header[10:14])
	if n == 0 || n > maxUnitSize {
		return unit{}, fmt.Errorf("bad unit size %d", n)
	}
	if cap(u.buf) < int(n) {
		u.buf = make([]byte, n)
	}
	data := u.buf[:n]
	if _, err := io.ReadFull(u.r, data); err != nil {
		return unit{}, fmt.Errorf("unit payload: %w", err)
	}
	return unit{
		Codec:    c,
		Keyframe: u.header[1]&flagKeyframe != 0,
		PTS:      binary.LittleEndian.Uint64(u.header[2:10]),
		Data:     data,
	}, nil
}

// writeUnit frames data as one unit.
func writeUnit(w io.Writer, c video.Codec, key bool, pts uint64, data []byte) error {
	var h [headerSize]byte
	for t, v := range unitCodecs {
		if v == c {
			h[0] = t
		}
	}
	if h[0] == 0 {
		return fmt.Errorf("no unit type for %v", c)
	}
	if key {
		h[1] = flagKeyframe
	}
	binary.LittleEndian.PutUint64(h[2:10], pts)
	binary.LittleEndian.PutUint32(h[10:14], uint32(len(data)))
	if _, err := w.Write(h[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
