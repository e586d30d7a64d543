package video

// Direction is a queue direction of a stream.
type Direction uint8

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Plane describes the byte layout of one plane of a buffer.
type Plane struct {
	Size   uint32 `json:"size"`
	Stride uint32 `json:"stride"`
}

type Crop struct {
	Left   uint32 `json:"left"`
	Top    uint32 `json:"top"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

func (c Crop) Empty() bool { return c.Width == 0 || c.Height == 0 }

// MemoryType is how a queue's buffers are backed.
type MemoryType uint8

const (
	MemGuestPages MemoryType = iota
	MemObject
)

// Params are the negotiated parameters of one queue of a stream.
// Codec is meaningful for the input queue, Format for the output queue.
type Params struct {
	Direction  Direction   `json:"direction"`
	Codec      Codec       `json:"codec,omitempty"`
	Format     PixelFormat `json:"format,omitempty"`
	Memory     MemoryType  `json:"memory"`
	Width      uint32      `json:"width"`
	Height     uint32      `json:"height"`
	Crop       Crop        `json:"crop"`
	FrameRate  uint32      `json:"frame_rate"`
	Interlaced bool        `json:"interlaced,omitempty"`
	MinBuffers uint32      `json:"min_buffers"`
	MaxBuffers uint32      `json:"max_buffers"`
	Planes     []Plane     `json:"planes"`
}

// Visible returns the crop rectangle size, or the full frame when no crop is set.
func (p Params) Visible() (int, int) {
	if p.Crop.Empty() {
		return int(p.Width), int(p.Height)
	}
	return int(p.Crop.Width), int(p.Crop.Height)
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	p.Planes = append([]Plane(nil), p.Planes...)
	return p
}

// Control identifies a stream control.
type Control uint32

const (
	ControlBitrate Control = iota + 1
	ControlProfile
	ControlLevel
)

func (c Control) String() string {
	switch c {
	case ControlBitrate:
		return "bitrate"
	case ControlProfile:
		return "profile"
	case ControlLevel:
		return "level"
	}
	return "unknown"
}

// Controls are the input-only control values of a stream.
type Controls struct {
	Bitrate uint32 `json:"bitrate"`
	Profile uint32 `json:"profile"`
	Level   uint32 `json:"level"`
}

func (c *Controls) Get(ctl Control) (uint32, bool) {
	switch ctl {
	case ControlBitrate:
		return c.Bitrate, true
	case ControlProfile:
		return c.Profile, true
	case ControlLevel:
		return c.Level, true
	}
	return 0, false
}

func (c *Controls) Set(ctl Control, v uint32) bool {
	switch ctl {
	case ControlBitrate:
		c.Bitrate = v
	case ControlProfile:
		c.Profile = v
	case ControlLevel:
		c.Level = v
	default:
		return false
	}
	return true
}
