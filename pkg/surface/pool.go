package surface

import (
	"fmt"

	"github.com/vdecode/vdec/pkg/video"
)

// Pool is a fixed set of surfaces of one format and geometry.
type Pool struct {
	Name     string
	Format   video.PixelFormat
	W, H     int
	surfaces []*Surface
}

// Allocate creates count free surfaces of the given format and geometry.
// The width and height are aligned to the engine granularity by the caller.
// A budget greater than zero caps the total byte size of the pool.
func Allocate(name string, count int, f video.PixelFormat, w, h int, budget int64) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("pool %v: bad surface count %d", name, count)
	}
	if f.BitsPerPixel() == 0 || w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return nil, fmt.Errorf("pool %v: bad surface geometry %v %dx%d", name, f, w, h)
	}
	total := int64(count) * int64(Size(f, w, h))
	if budget > 0 && total > budget {
		return nil, fmt.Errorf("pool %v: %d x %v %dx%d = %d bytes: %w", name, count, f, w, h, total, ErrOutOfMemory)
	}
	p := &Pool{Name: name, Format: f, W: w, H: h, surfaces: make([]*Surface, count)}
	for i := range p.surfaces {
		p.surfaces[i] = newSurface(i, f, w, h)
	}
	return p, nil
}

// AcquireFree marks the first free surface as used and returns it.
// It never blocks, ErrNoFreeSurface is a transient condition.
func (p *Pool) AcquireFree() (*Surface, error) {
	if p == nil {
		return nil, ErrNoFreeSurface
	}
	for _, s := range p.surfaces {
		if !s.InUse() {
			s.inUse = true
			return s, nil
		}
	}
	return nil, ErrNoFreeSurface
}

// Release clears the worker hold of s. Engine references are kept.
func (p *Pool) Release(s *Surface) {
	if s != nil {
		s.inUse = false
	}
}

// InUse returns the number of surfaces that cannot be acquired.
func (p *Pool) InUse() (n int) {
	if p == nil {
		return 0
	}
	for _, s := range p.surfaces {
		if s.InUse() {
			n++
		}
	}
	return
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.surfaces)
}

func (p *Pool) Surfaces() []*Surface { return p.surfaces }

// Owns reports whether s was allocated by this pool.
func (p *Pool) Owns(s *Surface) bool {
	return p != nil && s != nil && s.Index < len(p.surfaces) && p.surfaces[s.Index] == s
}

// Fits reports whether the pool can be reused for the given request.
func (p *Pool) Fits(count int, f video.PixelFormat, w, h int) bool {
	return p != nil && len(p.surfaces) == count && p.Format == f && p.W == w && p.H == h
}

// Free drops all surfaces. A freed pool is empty and may be freed again.
func (p *Pool) Free() {
	if p == nil {
		return
	}
	for i := range p.surfaces {
		p.surfaces[i] = nil
	}
	p.surfaces = nil
}

func (p *Pool) String() string {
	return fmt.Sprintf("pool[%v %v %dx%d %d/%d]", p.Name, p.Format, p.W, p.H, p.InUse(), p.Len())
}
