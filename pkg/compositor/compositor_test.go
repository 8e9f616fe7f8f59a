package compositor

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"

	"github.com/teslashibe/go-vrgaze/pkg/calibration"
	"github.com/teslashibe/go-vrgaze/pkg/frame"
	"github.com/teslashibe/go-vrgaze/pkg/gaze"
	"github.com/teslashibe/go-vrgaze/pkg/texture"
)

const (
	testW = 40
	testH = 30
)

type fakeGaze struct {
	results []gaze.Result
}

func (f *fakeGaze) Read(context.Context, time.Duration) gaze.Result {
	if len(f.results) == 0 {
		return gaze.Result{Kind: gaze.Timeout, Err: gaze.ErrTimeout}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func (f *fakeGaze) push(x, y float32) {
	f.results = append(f.results, gaze.Result{Kind: gaze.Data, Sample: gaze.Sample{X: x, Y: y, At: time.Now()}})
}

type fakeTexture struct {
	fill byte
	err  error
}

func (f *fakeTexture) Receive(dst *frame.Frame) error {
	if f.err != nil {
		return f.err
	}
	dst.Fill(f.fill)
	return nil
}

func (f *fakeTexture) Close() error { return nil }

func newTest(t *testing.T, maskW, maskH int) (*Compositor, *fakeGaze, *fakeTexture) {
	t.Helper()
	g := &fakeGaze{}
	tex := &fakeTexture{fill: 200}
	cfg := DefaultConfig()
	cfg.MaskWidth, cfg.MaskHeight = maskW, maskH
	c, err := New(cfg, g, texture.NewHandle(tex, nil), testW, testH, frame.Luminance, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.SetTransform(calibration.Identity())
	return c, g, tex
}

func countZero(f *frame.Frame) int {
	n := 0
	for _, v := range f.Pix {
		if v == 0 {
			n++
		}
	}
	return n
}

func TestProcessedFrame_NotCalibrated(t *testing.T) {
	c, g, _ := newTest(t, 10, 10)
	c.SetTransform(nil)
	g.push(0.5, 0.5)
	if _, _, err := c.ProcessedFrame(context.Background()); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("err = %v, want ErrNotCalibrated", err)
	}
}

func TestProcessedFrame_CenterMask(t *testing.T) {
	c, g, _ := newTest(t, 10, 10)
	g.push(0.5, 0.5)

	f, rep, err := c.ProcessedFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Masked || !rep.Fresh {
		t.Fatalf("report = %+v", rep)
	}
	want := frame.Rect{X0: 15, Y0: 10, X1: 25, Y1: 20}
	if rep.Mask != want {
		t.Errorf("mask = %v, want %v", rep.Mask, want)
	}
	if got := countZero(f); got != 100 {
		t.Errorf("zeroed %d pixels, want 100", got)
	}
	if f.At(0, 0) != 200 {
		t.Error("pixels outside the mask changed")
	}
}

func TestProcessedFrame_BottomLeftOrigin(t *testing.T) {
	c, g, _ := newTest(t, 4, 4)
	// Gaze near the bottom-left corner masks the bottom rows.
	g.push(0.05, 0.05)

	f, rep, err := c.ProcessedFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Mask.Y1 < testH-4 {
		t.Errorf("mask %v is not in the bottom rows", rep.Mask)
	}
	if f.At(2, testH-2) != 0 {
		t.Error("bottom-left pixel not masked")
	}
	if f.At(2, 1) == 0 {
		t.Error("top-left pixel masked")
	}
}

func TestProcessedFrame_CornersAndOutOfRange(t *testing.T) {
	points := []struct {
		name string
		x, y float32
	}{
		{"bottom-left", 0, 0},
		{"bottom-right", 1, 0},
		{"top-left", 0, 1},
		{"top-right", 1, 1},
		{"far right", 5, 0.5},
		{"far below", 0.5, -3},
		{"huge", 1e30, -1e30},
		{"inf", float32(math.Inf(1)), 0.5},
		{"nan", float32(math.NaN()), 0.5},
	}
	for _, p := range points {
		t.Run(p.name, func(t *testing.T) {
			c, g, _ := newTest(t, 500, 500)
			g.push(p.x, p.y)

			f, rep, err := c.ProcessedFrame(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if f.Width != testW || f.Height != testH || len(f.Pix) != testW*testH {
				t.Fatalf("frame geometry changed: %dx%d (%d bytes)", f.Width, f.Height, len(f.Pix))
			}
			if !rep.Mask.In(f.Bounds()) && !rep.Mask.Empty() {
				t.Errorf("mask %v escapes frame", rep.Mask)
			}
		})
	}
}

func TestProcessedFrame_OffScreenLeavesFrameIntact(t *testing.T) {
	c, g, _ := newTest(t, 4, 4)
	g.push(10, 10)

	f, rep, err := c.ProcessedFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Masked {
		t.Errorf("off-screen gaze masked %v", rep.Mask)
	}
	if countZero(f) != 0 {
		t.Error("frame modified")
	}
}

func TestProcessedFrame_GazeTimeoutOmitsMask(t *testing.T) {
	c, _, _ := newTest(t, 10, 10)

	f, rep, err := c.ProcessedFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Masked || !rep.GazeTimeout {
		t.Errorf("report = %+v", rep)
	}
	if !errors.Is(rep.Err(), gaze.ErrTimeout) {
		t.Errorf("report err = %v", rep.Err())
	}
	if countZero(f) != 0 {
		t.Error("frame masked without gaze")
	}
	if c.Stats().GazeTimeouts != 1 {
		t.Errorf("stats = %+v", c.Stats())
	}
}

func TestProcessedFrame_StaleTexture(t *testing.T) {
	c, g, tex := newTest(t, 2, 2)
	g.push(10, 10)
	if _, _, err := c.ProcessedFrame(context.Background()); err != nil {
		t.Fatal(err)
	}

	tex.err = errors.New("sender vanished")
	tex.fill = 50
	g.push(10, 10)
	f, rep, err := c.ProcessedFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Stale || rep.Fresh {
		t.Errorf("report = %+v", rep)
	}
	if f.At(0, 0) != 200 {
		t.Errorf("pixel = %d, want previous frame's 200", f.At(0, 0))
	}
	if c.Stats().Stale != 1 {
		t.Errorf("stats = %+v", c.Stats())
	}
}

func TestProcessedFrame_MaskDoesNotAccumulate(t *testing.T) {
	c, g, tex := newTest(t, 4, 4)

	g.push(0.2, 0.2)
	c.ProcessedFrame(context.Background())
	tex.err = texture.ErrNoNewFrame
	g.push(0.8, 0.8)
	f, rep, err := c.ProcessedFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Stale {
		t.Error("unchanged texture reported as stale")
	}
	if got := countZero(f); got != 16 {
		t.Errorf("zeroed %d pixels, want only the current 16", got)
	}
}

func TestProcessedFrame_UsesNewestQueuedGaze(t *testing.T) {
	ctx := context.Background()
	gcfg := gaze.DefaultConfig()
	gcfg.Addr = "127.0.0.1:0"
	ch, err := gaze.Listen(ctx, gcfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	dialed := make(chan net.Conn, 1)
	go func() {
		conn, _ := net.Dial("tcp", ch.Addr().String())
		dialed <- conn
	}()
	if err := ch.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	tracker := <-dialed
	if tracker == nil {
		t.Fatal("tracker dial failed")
	}
	defer tracker.Close()

	// The tracker runs ahead of the tick: three records are waiting.
	for _, x := range []float32{0.1, 0.5, 0.9} {
		rec := gaze.EncodeSample(x, 0.5)
		if _, err := tracker.Write(rec[:]); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.MaskWidth, cfg.MaskHeight = 4, 4
	c, err := New(cfg, ch, texture.NewHandle(&fakeTexture{fill: 200}, nil), testW, testH, frame.Luminance, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.SetTransform(calibration.Identity())

	_, rep, err := c.ProcessedFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.HasGaze || rep.Gaze.X != 0.9 {
		t.Fatalf("gaze = %+v, want the newest record x=0.9", rep.Gaze)
	}
	if math.Abs(rep.ScreenX-0.9) > 1e-6 {
		t.Errorf("screen x = %v, want 0.9", rep.ScreenX)
	}

	// Nothing left queued: the next tick times out instead of replaying.
	_, rep, _ = c.ProcessedFrame(ctx)
	if !rep.GazeTimeout || rep.Masked {
		t.Errorf("second frame report = %+v, want gaze timeout", rep)
	}
}

func TestNew_Validation(t *testing.T) {
	h := texture.NewHandle(&fakeTexture{}, nil)
	if _, err := New(DefaultConfig(), nil, h, 4, 4, frame.Luminance, nil); err == nil {
		t.Error("expected error for nil gaze reader")
	}
	if _, err := New(DefaultConfig(), &fakeGaze{}, h, 0, 4, frame.Luminance, nil); err == nil {
		t.Error("expected error for zero width")
	}
	cfg := DefaultConfig()
	cfg.GazeTimeout = 0
	if _, err := New(cfg, &fakeGaze{}, h, 4, 4, frame.Luminance, nil); err == nil {
		t.Error("expected error for zero gaze timeout")
	}
}
