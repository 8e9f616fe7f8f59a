package gaze

import (
	"context"
	"errors"
	"net"
	"runtime"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.AcceptTimeout = 2 * time.Second
	cfg.ReadTimeout = 50 * time.Millisecond
	return cfg
}

// connect opens a channel and returns it with the tracker side of the socket.
func connect(t *testing.T) (*Channel, net.Conn) {
	t.Helper()
	ctx := context.Background()
	ch, err := Listen(ctx, testConfig(), nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ch.Close() })

	dialed := make(chan net.Conn, 1)
	go func() {
		conn, err := net.Dial("tcp", ch.Addr().String())
		if err != nil {
			dialed <- nil
			return
		}
		dialed <- conn
	}()
	if err := ch.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	tracker := <-dialed
	if tracker == nil {
		t.Fatal("tracker dial failed")
	}
	t.Cleanup(func() { tracker.Close() })
	return ch, tracker
}

func TestSampleCodec(t *testing.T) {
	buf := EncodeSample(0.25, -1.5)
	s, err := DecodeSample(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if s.X != 0.25 || s.Y != -1.5 {
		t.Errorf("decoded %+v", s)
	}
	if _, err := DecodeSample(buf[:5]); err == nil {
		t.Error("expected error for short record")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.ReadTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero read timeout")
	}
}

func TestRead_Whole(t *testing.T) {
	ch, tracker := connect(t)
	rec := EncodeSample(0.5, 0.75)
	if _, err := tracker.Write(rec[:]); err != nil {
		t.Fatal(err)
	}

	r := ch.Read(context.Background(), time.Second)
	if r.Kind != Data {
		t.Fatalf("kind = %v, err = %v", r.Kind, r.Err)
	}
	if r.Sample.X != 0.5 || r.Sample.Y != 0.75 {
		t.Errorf("sample = %+v", r.Sample)
	}
	if r.Sample.At.IsZero() {
		t.Error("sample has no timestamp")
	}
}

func TestRead_FragmentedRecord(t *testing.T) {
	ch, tracker := connect(t)
	rec := EncodeSample(0.1, 0.9)

	if _, err := tracker.Write(rec[:3]); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		tracker.Write(rec[3:])
	}()

	r := ch.Read(context.Background(), time.Second)
	if r.Kind != Data {
		t.Fatalf("kind = %v, err = %v", r.Kind, r.Err)
	}
	if r.Sample.X != 0.1 || r.Sample.Y != 0.9 {
		t.Errorf("fragmented sample = %+v", r.Sample)
	}
}

func TestRead_TimeoutKeepsAlignment(t *testing.T) {
	ch, tracker := connect(t)
	rec := EncodeSample(0.3, 0.4)

	if _, err := tracker.Write(rec[:5]); err != nil {
		t.Fatal(err)
	}
	r := ch.Read(context.Background(), 30*time.Millisecond)
	if r.Kind != Timeout {
		t.Fatalf("kind = %v, want timeout", r.Kind)
	}
	if !errors.Is(r.Err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", r.Err)
	}

	next := EncodeSample(0.6, 0.7)
	tracker.Write(rec[5:])
	tracker.Write(next[:])

	first := ch.Read(context.Background(), time.Second)
	second := ch.Read(context.Background(), time.Second)
	if first.Kind != Data || second.Kind != Data {
		t.Fatalf("kinds = %v, %v", first.Kind, second.Kind)
	}
	if first.Sample.X != 0.3 || first.Sample.Y != 0.4 {
		t.Errorf("first = %+v", first.Sample)
	}
	if second.Sample.X != 0.6 || second.Sample.Y != 0.7 {
		t.Errorf("second = %+v", second.Sample)
	}
	if st := ch.Stats(); st.Samples != 2 || st.Timeouts != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestLatest_SkipsQueuedRecords(t *testing.T) {
	ch, tracker := connect(t)

	var burst []byte
	for _, x := range []float32{0.1, 0.5, 0.9} {
		rec := EncodeSample(x, 0.25)
		burst = append(burst, rec[:]...)
	}
	tail := EncodeSample(0.7, 0.75)
	burst = append(burst, tail[:3]...)
	if _, err := tracker.Write(burst); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	r := ch.Latest(context.Background(), time.Second)
	if r.Kind != Data {
		t.Fatalf("kind = %v, err = %v", r.Kind, r.Err)
	}
	if r.Sample.X != 0.9 || r.Sample.Y != 0.25 {
		t.Errorf("latest = %+v, want x=0.9", r.Sample)
	}

	// The partial record stays aligned for the next call.
	if _, err := tracker.Write(tail[3:]); err != nil {
		t.Fatal(err)
	}
	r = ch.Latest(context.Background(), time.Second)
	if r.Kind != Data || r.Sample.X != 0.7 || r.Sample.Y != 0.75 {
		t.Fatalf("after tail: kind = %v, sample = %+v", r.Kind, r.Sample)
	}

	r = ch.Latest(context.Background(), 20*time.Millisecond)
	if r.Kind != Timeout || !errors.Is(r.Err, ErrTimeout) {
		t.Fatalf("empty queue: kind = %v, err = %v", r.Kind, r.Err)
	}
	if st := ch.Stats(); st.Samples != 4 || st.Timeouts != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestLatest_WaitsForNextRecord(t *testing.T) {
	ch, tracker := connect(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		rec := EncodeSample(0.2, 0.3)
		tracker.Write(rec[:])
	}()
	r := ch.Latest(context.Background(), time.Second)
	if r.Kind != Data || r.Sample.X != 0.2 {
		t.Fatalf("kind = %v, sample = %+v", r.Kind, r.Sample)
	}
}

func TestLatest_DataBeforeClose(t *testing.T) {
	ch, tracker := connect(t)
	rec := EncodeSample(0.4, 0.6)
	tracker.Write(rec[:])
	tracker.Close()
	time.Sleep(20 * time.Millisecond)

	r := ch.Latest(context.Background(), time.Second)
	if r.Kind != Data || r.Sample.X != 0.4 {
		t.Fatalf("kind = %v, sample = %+v", r.Kind, r.Sample)
	}
	r = ch.Latest(context.Background(), time.Second)
	if r.Kind != Closed || !errors.Is(r.Err, ErrClosed) {
		t.Fatalf("after close: kind = %v, err = %v", r.Kind, r.Err)
	}
}

func TestRead_Closed(t *testing.T) {
	ch, tracker := connect(t)
	tracker.Close()

	r := ch.Read(context.Background(), time.Second)
	if r.Kind != Closed {
		t.Fatalf("kind = %v, want closed", r.Kind)
	}
	if !errors.Is(r.Err, ErrClosed) {
		t.Errorf("err = %v", r.Err)
	}
	// Stays closed.
	if r := ch.Read(context.Background(), time.Second); r.Kind != Closed {
		t.Errorf("second read kind = %v", r.Kind)
	}
	if _, err := ch.Sample(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Sample err = %v", err)
	}
}

func TestRead_ContextCancel(t *testing.T) {
	ch, _ := connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	r := ch.Read(ctx, 5*time.Second)
	if r.Kind != Timeout {
		t.Fatalf("kind = %v, want timeout", r.Kind)
	}
	if time.Since(start) > time.Second {
		t.Error("cancel did not interrupt the read")
	}
	if !errors.Is(r.Err, context.Canceled) {
		t.Errorf("err = %v", r.Err)
	}
}

func TestRead_NotConnected(t *testing.T) {
	ch, err := Listen(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if r := ch.Read(context.Background(), 0); !errors.Is(r.Err, ErrNotConnected) {
		t.Errorf("err = %v", r.Err)
	}
}

func TestAccept_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptTimeout = 50 * time.Millisecond
	_, err := Open(context.Background(), cfg, nil)
	if !errors.Is(err, ErrAcceptTimeout) {
		t.Fatalf("err = %v, want ErrAcceptTimeout", err)
	}
}

func TestOpen_TrackerExits(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX true binary")
	}
	cfg := testConfig()
	cfg.TrackerCommand = "true"
	_, err := Open(context.Background(), cfg, nil)
	if !errors.Is(err, ErrTrackerExited) {
		t.Fatalf("err = %v, want ErrTrackerExited", err)
	}
}

func TestClose_KillsTracker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	cfg := testConfig()
	// The fake tracker never connects.
	cfg.TrackerCommand = "/bin/sh"
	cfg.TrackerArgs = []string{"-c", "echo " + AddrPlaceholder + " > /dev/null; sleep 30"}

	ch, err := Listen(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.StartTracker(context.Background()); err != nil {
		t.Skipf("cannot start shell: %v", err)
	}
	exited := ch.tracker.Exited()

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("tracker still running after Close")
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
