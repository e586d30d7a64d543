package resource

import (
	"github.com/vdecode/vdec/pkg/surface"
	"github.com/vdecode/vdec/pkg/video"
)

// scatter is a list of memory slices addressed as one contiguous buffer.
type scatter [][]byte

// transfer copies between p and the buffer at offset off,
// from the buffer into p when read is set.
func (sg scatter) transfer(off int, p []byte, read bool) int {
	n := 0
	for _, m := range sg {
		if len(p) == 0 {
			break
		}
		if off >= len(m) {
			off -= len(m)
			continue
		}
		var k int
		if read {
			k = copy(p, m[off:])
		} else {
			k = copy(m[off:], p)
		}
		p, n, off = p[k:], n+k, 0
	}
	return n
}

// plane returns the memory holding plane i and the offset of the plane in it.
func (r *Resource) plane(i int) (scatter, int) {
	if r.PerPlane {
		return scatter{r.Mem[i]}, 0
	}
	off := 0
	for k := 0; k < i; k++ {
		off += int(r.Planes[k].Size)
	}
	return r.Mem, off
}

// Bitstream returns the first n bytes of the first backing slice.
func Bitstream(r *Resource, n int) ([]byte, error) {
	if r.Dir != video.Input {
		return nil, video.Reject(video.CodeInvalidParameter, "bind-input", "resource %d is an %v resource", r.ID, r.Dir)
	}
	if n <= 0 || len(r.Mem) == 0 || n > len(r.Mem[0]) {
		return nil, video.Reject(video.CodeInvalidParameter, "bind-input", "resource %d: bad length %d", r.ID, n)
	}
	return r.Mem[0][:n:n], nil
}

type planeCopy struct {
	mem         scatter
	base        int
	stride, row int
	rows        int
	src         []byte
	pitch       int
}

func layout(r *Resource, s *surface.Surface) ([]planeCopy, error) {
	if err := r.Validate(s.Format); err != nil {
		return nil, err
	}
	f := s.Format
	copies := make([]planeCopy, f.PlaneCount())
	for i := range copies {
		row, rows := f.PlaneGeometry(i, s.CropW, s.CropH)
		stride := int(r.Planes[i].Stride)
		if stride == 0 {
			stride = row
		}
		if stride < row || (rows > 0 && stride*(rows-1)+row > int(r.Planes[i].Size)) {
			return nil, video.Reject(video.CodeInvalidParameter, "copy", "resource %d plane %d: stride %d, size %d don't fit %dx%d",
				r.ID, i, stride, r.Planes[i].Size, row, rows)
		}
		mem, base := r.plane(i)
		copies[i] = planeCopy{mem: mem, base: base, stride: stride, row: row, rows: rows,
			src: s.Plane(i), pitch: s.Planes[i].Pitch}
	}
	return copies, nil
}

// CopyOutOfSurface copies the visible part of s into r using the resource
// plane layout and returns the number of bytes used in r.
func CopyOutOfSurface(s *surface.Surface, r *Resource) (int, error) {
	copies, err := layout(r, s)
	if err != nil {
		return 0, err
	}
	used := 0
	for _, c := range copies {
		for y := 0; y < c.rows; y++ {
			c.mem.transfer(c.base+y*c.stride, c.src[y*c.pitch:y*c.pitch+c.row], false)
		}
		used += c.stride * c.rows
	}
	return used, nil
}

// CopyIntoSurface fills the visible part of s from r.
func CopyIntoSurface(r *Resource, s *surface.Surface) error {
	copies, err := layout(r, s)
	if err != nil {
		return err
	}
	for _, c := range copies {
		for y := 0; y < c.rows; y++ {
			c.mem.transfer(c.base+y*c.stride, c.src[y*c.pitch:y*c.pitch+c.row], true)
		}
	}
	return nil
}
