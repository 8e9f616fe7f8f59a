package hmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BridgeMessage is one pose update published by the bridge process that
// owns the vendor HMD runtime.
type BridgeMessage struct {
	Device int           `json:"device"`
	Matrix [3][4]float64 `json:"matrix"`
	Valid  bool          `json:"valid"`
}

// BridgeRuntime follows a pose bridge over a websocket and keeps the latest
// pose per device. A read loop goroutine owns the connection.
type BridgeRuntime struct {
	url        string
	staleAfter time.Duration
	logger     *slog.Logger

	ws *websocket.Conn

	mu       sync.RWMutex
	poses    map[int]BridgeMessage
	lastSeen time.Time
	readErr  error
	closed   bool

	first chan struct{}
	done  chan struct{}
}

// DialBridge connects to cfg.BridgeURL and waits for the first pose of
// cfg.Device, bounded by cfg.ConnectTimeout.
func DialBridge(ctx context.Context, cfg Config, logger *slog.Logger) (*BridgeRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, cfg.BridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrRuntimeUnavailable, cfg.BridgeURL, err)
	}

	r := &BridgeRuntime{
		url:        cfg.BridgeURL,
		staleAfter: cfg.StaleAfter,
		logger:     logger.With("component", "hmd-bridge"),
		ws:         ws,
		poses:      make(map[int]BridgeMessage),
		first:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.readLoop(cfg.Device)

	select {
	case <-r.first:
		r.logger.Info("pose bridge connected", "url", cfg.BridgeURL)
		return r, nil
	case <-r.done:
		r.Close()
		return nil, fmt.Errorf("%w: bridge closed before first pose: %v", ErrRuntimeUnavailable, r.err())
	case <-dialCtx.Done():
		r.Close()
		return nil, fmt.Errorf("%w: no pose within %v", ErrRuntimeUnavailable, cfg.ConnectTimeout)
	}
}

func (r *BridgeRuntime) readLoop(device int) {
	defer close(r.done)
	var once sync.Once

	for {
		_, data, err := r.ws.ReadMessage()
		if err != nil {
			r.mu.Lock()
			if !r.closed {
				r.readErr = err
				r.logger.Warn("pose bridge read failed", "error", err)
			}
			r.mu.Unlock()
			return
		}

		var msg BridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Debug("ignoring malformed bridge message", "error", err)
			continue
		}

		r.mu.Lock()
		r.poses[msg.Device] = msg
		r.lastSeen = time.Now()
		r.mu.Unlock()

		if msg.Device == device && msg.Valid {
			once.Do(func() { close(r.first) })
		}
	}
}

func (r *BridgeRuntime) err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readErr
}

// DevicePose implements Runtime.
func (r *BridgeRuntime) DevicePose(index int) (PoseMatrix, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return PoseMatrix{}, ErrRuntimeLost
	}
	if r.readErr != nil {
		return PoseMatrix{}, fmt.Errorf("%w: %v", ErrRuntimeLost, r.readErr)
	}
	if r.staleAfter > 0 && !r.lastSeen.IsZero() && time.Since(r.lastSeen) > r.staleAfter {
		return PoseMatrix{}, fmt.Errorf("%w: bridge silent for %v", ErrRuntimeLost, time.Since(r.lastSeen).Round(time.Millisecond))
	}
	msg, ok := r.poses[index]
	if !ok || !msg.Valid {
		return PoseMatrix{}, fmt.Errorf("%w: device %d", ErrPoseInvalid, index)
	}
	return PoseMatrix(msg.Matrix), nil
}

// Close implements Runtime.
func (r *BridgeRuntime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	_ = r.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := r.ws.Close()
	<-r.done
	return err
}
