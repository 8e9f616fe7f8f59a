// renderer-sim stands in for the rendering engine: it accepts the pose
// stream, and publishes frames into the shared texture segment. Frames are
// a test pattern that pans with head yaw, or a video file with -video.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/teslashibe/go-vrgaze/internal/log"
	"github.com/teslashibe/go-vrgaze/pkg/frame"
	"github.com/teslashibe/go-vrgaze/pkg/posestream"
	"github.com/teslashibe/go-vrgaze/pkg/texture"
)

func main() {
	listen := flag.String("listen", ":9999", "Pose stream listen address")
	sequence := flag.Bool("sequence", false, "Expect 32-byte records with a sequence counter")
	fps := flag.Int("fps", 90, "Frames published per second")
	video := flag.String("video", "", "Publish frames from this video file or device instead of the test pattern")
	name := flag.String("name", texture.DefaultConfig().Name, "Shared texture name")
	dir := flag.String("dir", texture.DefaultConfig().Dir, "Shared texture directory")
	width := flag.Int("width", texture.DefaultConfig().Width, "Frame width")
	height := flag.Int("height", texture.DefaultConfig().Height, "Frame height")
	debug := flag.Bool("debug", false, "Log every pose record")
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)
	logger := log.With("component", "renderer-sim")

	cfg := texture.DefaultConfig()
	cfg.Name, cfg.Dir = *name, *dir
	cfg.Width, cfg.Height, cfg.Channels = *width, *height, frame.Luminance
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid texture settings", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *listen, *sequence, *fps, *video, logger); err != nil {
		logger.Error("renderer-sim failed", "error", err)
		os.Exit(1)
	}
}

// latestPose is shared between the pose reader and the frame publisher.
type latestPose struct {
	mu   sync.Mutex
	rot  mgl64.Quat
	pos  mgl64.Vec3
	n    uint64
	last uint32
}

func (l *latestPose) set(rot mgl64.Quat, pos mgl64.Vec3, seq uint32) {
	l.mu.Lock()
	l.rot, l.pos, l.last = rot, pos, seq
	l.n++
	l.mu.Unlock()
}

func (l *latestPose) get() (mgl64.Quat, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rot, l.n
}

func run(ctx context.Context, cfg texture.Config, addr string, sequence bool, fps int, video string, logger *slog.Logger) error {
	sender, err := texture.CreateShm(cfg, true)
	if err != nil {
		return err
	}
	defer sender.Close()
	logger.Info("publishing frames", "path", sender.Path(), "width", cfg.Width, "height", cfg.Height, "fps", fps)

	var source texture.Receiver
	if video != "" {
		vcfg := cfg
		vcfg.Backend, vcfg.Source, vcfg.Loop = texture.BackendCapture, video, true
		if source, err = texture.OpenCapture(vcfg, logger); err != nil {
			return err
		}
		defer source.Close()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info("waiting for pose stream", "addr", ln.Addr().String())

	pose := &latestPose{rot: mgl64.QuatIdent()}
	go acceptPoses(ctx, ln, sequence, pose, logger)

	f, err := cfg.NewFrame()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	lastLog := time.Now()
	var published uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping", "published", published)
			return nil
		case <-ticker.C:
		}

		rot, poses := pose.get()
		if source != nil {
			if err := source.Receive(f); err != nil {
				logger.Warn("video frame", "error", err)
				continue
			}
		} else {
			drawPattern(f, yaw(rot))
		}
		if _, err := sender.Send(f); err != nil {
			return err
		}
		published++

		if time.Since(lastLog) > 5*time.Second {
			lastLog = time.Now()
			logger.Info("renderer stats", "published", published, "poses", poses)
		}
	}
}

func acceptPoses(ctx context.Context, ln net.Listener, sequence bool, pose *latestPose, logger *slog.Logger) {
	size := posestream.RecordSize
	if sequence {
		size = posestream.SequencedRecordSize
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Warn("accept", "error", err)
			}
			return
		}
		logger.Info("pose stream connected", "remote", conn.RemoteAddr().String())

		buf := make([]byte, size)
		for {
			if _, err := io.ReadFull(conn, buf); err != nil {
				logger.Info("pose stream disconnected", "error", err)
				break
			}
			rot, pos, seq, err := posestream.Decode(buf)
			if err != nil {
				logger.Warn("bad pose record", "error", err)
				continue
			}
			pose.set(rot, pos, seq)
			logger.Debug("pose", "w", rot.W, "x", rot.V[0], "y", rot.V[1], "z", rot.V[2],
				"px", pos[0], "py", pos[1], "pz", pos[2], "seq", seq)
		}
		conn.Close()
	}
}

// yaw returns the heading of rot in radians.
func yaw(rot mgl64.Quat) float64 {
	fwd := rot.Rotate(mgl64.Vec3{0, 0, 1})
	return math.Atan2(fwd[0], fwd[2])
}

// drawPattern fills f with vertical bars that pan horizontally with yaw.
func drawPattern(f *frame.Frame, yaw float64) {
	const period = 160
	shift := int(yaw / (2 * math.Pi) * float64(f.Width))
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride() : (y+1)*f.Stride()]
		for x := 0; x < f.Width; x++ {
			p := ((x+shift)%period + period) % period
			v := byte(40 + 180*p/period)
			for c := 0; c < f.Channels; c++ {
				row[x*f.Channels+c] = v
			}
		}
	}
}
