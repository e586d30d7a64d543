// Package resource keeps guest-supplied buffer descriptors and moves pixels
// between their memory layout and surfaces.
package resource

import (
	"sort"

	"github.com/vdecode/vdec/pkg/video"
)

// Resource is a buffer descriptor bound to, but not owned by, a stream.
// Mem is the backing memory supplied at creation. With PerPlane set it holds
// one slice per plane, otherwise it is a scatter list addressed as one
// contiguous buffer with all planes back to back.
type Resource struct {
	ID       uint32
	Dir      video.Direction
	Planes   []video.Plane
	Mem      [][]byte
	PerPlane bool
}

// Len returns the total byte size of the backing memory.
func (r *Resource) Len() (n int) {
	for _, m := range r.Mem {
		n += len(m)
	}
	return
}

// Validate checks the resource against the pixel format bound to its queue.
func (r *Resource) Validate(f video.PixelFormat) error {
	if n := f.PlaneCount(); n != len(r.Planes) {
		return video.Reject(video.CodeInvalidParameter, "resource", "resource %d has %d planes, %v needs %d",
			r.ID, len(r.Planes), f, n)
	}
	if r.PerPlane && len(r.Mem) != len(r.Planes) {
		return video.Reject(video.CodeInvalidParameter, "resource", "resource %d has %d planes and %d slices",
			r.ID, len(r.Planes), len(r.Mem))
	}
	need := 0
	for i, p := range r.Planes {
		if r.PerPlane && len(r.Mem[i]) < int(p.Size) {
			return video.Reject(video.CodeInvalidParameter, "resource", "resource %d plane %d: %d < %d bytes",
				r.ID, i, len(r.Mem[i]), p.Size)
		}
		need += int(p.Size)
	}
	if r.Len() < need {
		return video.Reject(video.CodeInvalidParameter, "resource", "resource %d: %d < %d bytes", r.ID, r.Len(), need)
	}
	return nil
}

// List is the per-direction list of resources of a stream.
// Not safe for concurrent use, the stream mutex guards it.
type List struct {
	dir   video.Direction
	items map[uint32]*Resource
}

func NewList(dir video.Direction) *List {
	return &List{dir: dir, items: make(map[uint32]*Resource)}
}

// Add appends a resource. The id must be unique within the list.
func (l *List) Add(r *Resource) error {
	if r.Dir != l.dir {
		return video.Reject(video.CodeInvalidParameter, "resource-create", "resource %d: wrong direction %v", r.ID, r.Dir)
	}
	if len(r.Mem) == 0 {
		return video.Reject(video.CodeInvalidParameter, "resource-create", "resource %d: no backing memory", r.ID)
	}
	if _, ok := l.items[r.ID]; ok {
		return video.Reject(video.CodeInvalidResourceID, "resource-create", "resource %d already exists", r.ID)
	}
	l.items[r.ID] = r
	return nil
}

func (l *List) Find(id uint32) (*Resource, error) {
	if r, ok := l.items[id]; ok {
		return r, nil
	}
	return nil, video.Reject(video.CodeInvalidResourceID, "resource", "no %v resource %d", l.dir, id)
}

// DestroyAll drops every resource and returns how many were dropped.
func (l *List) DestroyAll() int {
	n := len(l.items)
	l.items = make(map[uint32]*Resource)
	return n
}

func (l *List) Len() int { return len(l.items) }

// IDs returns the sorted resource ids.
func (l *List) IDs() []uint32 {
	ids := make([]uint32, 0, len(l.items))
	for id := range l.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
