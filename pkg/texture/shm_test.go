//go:build linux || darwin

package texture

import (
	"errors"
	"testing"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

func shmConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Name = "test-texture"
	cfg.Width, cfg.Height = 8, 6
	return cfg
}

func TestShm_RoundTrip(t *testing.T) {
	cfg := shmConfig(t)
	tx, err := CreateShm(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	rx, err := NewReceiver(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	dst, _ := cfg.NewFrame()
	if err := rx.Receive(dst); !errors.Is(err, ErrNoNewFrame) {
		t.Fatalf("before first send: %v, want ErrNoNewFrame", err)
	}

	src, _ := cfg.NewFrame()
	for i := range src.Pix {
		src.Pix[i] = byte(i)
	}
	seq, err := tx.Send(src)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Errorf("seq = %d, want 2", seq)
	}

	if err := rx.Receive(dst); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	for i := range src.Pix {
		if dst.Pix[i] != src.Pix[i] {
			t.Fatalf("pixel %d = %d, want %d", i, dst.Pix[i], src.Pix[i])
		}
	}

	if err := rx.Receive(dst); !errors.Is(err, ErrNoNewFrame) {
		t.Errorf("repeat receive: %v, want ErrNoNewFrame", err)
	}
}

func TestShm_LazyAttach(t *testing.T) {
	cfg := shmConfig(t)
	rx, err := OpenShm(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	dst, _ := cfg.NewFrame()
	if err := rx.Receive(dst); !errors.Is(err, ErrNoSender) {
		t.Fatalf("no segment: %v, want ErrNoSender", err)
	}

	tx, err := CreateShm(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()
	src, _ := cfg.NewFrame()
	src.Fill(9)
	tx.Send(src)

	if err := rx.Receive(dst); err != nil {
		t.Fatalf("after sender appeared: %v", err)
	}
	if dst.At(0, 0) != 9 {
		t.Errorf("pixel = %d, want 9", dst.At(0, 0))
	}
}

func TestShm_SizeMismatch(t *testing.T) {
	cfg := shmConfig(t)
	tx, err := CreateShm(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()

	other := cfg
	other.Width = 16
	rx, err := OpenShm(other, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	dst, _ := other.NewFrame()
	if err := rx.Receive(dst); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Receive = %v, want ErrSizeMismatch", err)
	}

	wrong, _ := frame.New(3, 3, frame.Luminance)
	if _, err := tx.Send(wrong); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Send = %v, want ErrSizeMismatch", err)
	}
}

func TestShm_Closed(t *testing.T) {
	cfg := shmConfig(t)
	tx, err := CreateShm(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	rx, _ := OpenShm(cfg, nil)
	rx.Close()
	tx.Close()

	dst, _ := cfg.NewFrame()
	if err := rx.Receive(dst); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after Close = %v", err)
	}
	if _, err := tx.Send(dst); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v", err)
	}
}
