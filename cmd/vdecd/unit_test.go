package main

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/vdecode/vdec/pkg/video"
)

func TestUnitReader(t *testing.T) {
	var buf bytes.Buffer
	if err := writeUnit(&buf, video.CodecH264, true, 1<<40, []byte{0, 0, 1, 0x65}); err != nil {
		t.Fatal(err)
	}
	if err := writeUnit(&buf, video.CodecH264, false, 7, []byte{0, 0, 1, 0x41, 9}); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 2*headerSize+9 {
		t.Fatalf("framed size %v", buf.Len())
	}

	r := newUnitReader(&buf)
	u, err := r.Next()
	if err != nil || u.Codec != video.CodecH264 || !u.Keyframe || u.PTS != 1<<40 || len(u.Data) != 4 {
		t.Errorf("first unit %+v %v", u, err)
	}
	u, err = r.Next()
	if err != nil || u.Keyframe || u.PTS != 7 || !bytes.Equal(u.Data, []byte{0, 0, 1, 0x41, 9}) {
		t.Errorf("second unit %+v %v", u, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("end of input: %v", err)
	}
}

func TestUnitReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated header", data: []byte{0x01, 0, 0}},
		{name: "unknown type", data: append([]byte{0x7f}, make([]byte, headerSize)...)},
		{name: "empty unit", data: append([]byte{0x20}, make([]byte, headerSize-1)...)},
		{name: "short payload", data: []byte{0x20, 0, 0, 0, 0, 0, 0, 0, 0, 0, 8, 0, 0, 0, 1, 2}},
	}
	for _, test := range tests {
		if _, err := newUnitReader(bytes.NewReader(test.data)).Next(); err == nil || errors.Is(err, io.EOF) {
			t.Errorf("%v: %v", test.name, err)
		}
	}
	if err := writeUnit(io.Discard, video.CodecUnknown, false, 0, nil); err == nil {
		t.Errorf("framed a unit of an unknown codec")
	}
}
