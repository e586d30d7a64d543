package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/vdecode/vdec/pkg/config"
	"github.com/vdecode/vdec/pkg/device"
	"github.com/vdecode/vdec/pkg/engine/soft"
	"github.com/vdecode/vdec/pkg/logger"
	"github.com/vdecode/vdec/pkg/video"
)

func TestDecodeFile(t *testing.T) {
	const w, h, n = 16, 8, 5
	var src bytes.Buffer
	for i := 0; i < n; i++ {
		frame := make([]byte, w*h*3/2)
		for k := range frame {
			frame[k] = byte(16 + i)
		}
		if err := writeUnit(&src, video.CodecRaw, i == 0, uint64(i), frame); err != nil {
			t.Fatal(err)
		}
	}

	conf := config.Default()
	conf.Pipeline.QueueTimeout = 2 * time.Second
	rep := newCollector()
	dev, err := device.New(soft.New(soft.Options{Reorder: 2}), conf, rep, nil, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = dev.Close() }()

	var dst bytes.Buffer
	j := job{Width: w, Height: h, Out: video.Params{Format: video.FormatI420}}
	st, err := decodeFile(context.Background(), dev, rep, &src, &dst, j, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if st.Units != n || st.Frames != n {
		t.Errorf("stats %+v", st)
	}
	size := w * h * 3 / 2
	if dst.Len() != n*size {
		t.Fatalf("output of %v bytes, want %v", dst.Len(), n*size)
	}
	for i := 0; i < n; i++ {
		if v := dst.Bytes()[i*size]; v != byte(16+i) {
			t.Errorf("frame %v starts with %v", i, v)
		}
	}
	if dev.Len() != 0 {
		t.Errorf("stream left after the decode")
	}
}

func TestDecodeEmpty(t *testing.T) {
	dev, err := device.New(soft.New(soft.Options{}), config.Default(), nil, nil, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = dev.Close() }()
	if _, err := decodeFile(context.Background(), dev, newCollector(), &bytes.Buffer{}, &bytes.Buffer{}, job{}, logger.Nop()); err == nil {
		t.Errorf("empty input accepted")
	}
}
