// Package node hosts the endpoints a peripheral is composed of. An Input
// receives values written by centrals; a Notify pushes values to
// subscribed centrals. Each registers its characteristic with the
// session's registry and asks the session to come up.
package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blejsond/internal/ble"
	"github.com/chaz8081/blejsond/internal/ble/registry"
)

// ErrNotReady is returned by Notify.Send while the characteristic is not
// published.
var ErrNotReady = errors.New("node: endpoint not ready")

// Status is the user-facing state of a node.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusReceived     Status = "received"
	StatusSent         Status = "sent"
	StatusNotReady     Status = "not ready"
	StatusError        Status = "error"
)

// statusHold is how long received, sent and not ready are reported before
// Info falls back to the published state.
var statusHold = time.Second

// Kinds reported by Info.
const (
	KindIn     = "in"
	KindNotify = "notify"
)

// Config identifies the characteristic a node is bound to.
type Config struct {
	ID             string
	Device         string
	Service        string
	Characteristic string
}

// Info is a point-in-time view of a node.
type Info struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Device         string `json:"device"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Status         Status `json:"status"`
	Initialized    bool   `json:"initialized"`
	LastError      string `json:"last_error,omitempty"`
}

// Message is one value received from a central.
type Message struct {
	Endpoint string    `json:"endpoint"`
	Device   string    `json:"device"`
	Payload  any       `json:"payload"`
	Received time.Time `json:"received"`
}

// Sink consumes messages received by Input nodes.
type Sink func(Message)

// Node is the common surface of Input and Notify.
type Node interface {
	Info() Info
	Close() error
}

type base struct {
	cfg    Config
	kind   string
	sess   *ble.Session
	handle *registry.Handle

	mu      sync.Mutex
	status  Status
	since   time.Time
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBase(sess *ble.Session, cfg Config, kind string) *base {
	ctx, cancel := context.WithCancel(context.Background())
	return &base{
		cfg:    cfg,
		kind:   kind,
		sess:   sess,
		status: StatusInitializing,
		ctx:    ctx,
		cancel: cancel,
	}
}

// start applies the device identity and brings the session up in the
// background.
func (b *base) start(dev ble.DeviceConfig) {
	b.sess.SetDeviceConfig(dev)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.sess.Initialize(b.ctx)
		switch {
		case err == nil:
			b.setStatus(StatusReady, nil)
		case b.ctx.Err() != nil:
			// closed while initializing
		default:
			slog.Error("[NODE] initialization failed", "id", b.cfg.ID,
				"service", b.cfg.Service, "characteristic", b.cfg.Characteristic, "error", err)
			b.setStatus(StatusError, err)
		}
	}()
}

func (b *base) setStatus(s Status, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
	b.since = time.Now()
	b.lastErr = err
}

// current derives the reported status from the last event and whether the
// characteristic is published right now.
func (b *base) current(initialized bool) Status {
	switch b.status {
	case StatusInitializing, StatusError:
		return b.status
	}
	if !initialized {
		return StatusNotReady
	}
	if b.status != StatusReady && time.Since(b.since) < statusHold {
		return b.status
	}
	return StatusReady
}

func (b *base) Info() Info {
	initialized := b.handle.IsInitialized()
	b.mu.Lock()
	defer b.mu.Unlock()
	info := Info{
		ID:             b.cfg.ID,
		Kind:           b.kind,
		Device:         b.cfg.Device,
		Service:        b.cfg.Service,
		Characteristic: b.cfg.Characteristic,
		Status:         b.current(initialized),
		Initialized:    initialized,
	}
	if b.lastErr != nil {
		info.LastError = b.lastErr.Error()
	}
	return info
}

// Close stops a pending initialization and removes the endpoint from the
// registry. The session republishes without it.
func (b *base) Close() error {
	b.cancel()
	b.wg.Wait()
	b.sess.Registry().Unregister(b.cfg.ID)
	return nil
}

// Input receives values written to its characteristic and forwards each
// complete message to a sink.
type Input struct {
	*base
	sink Sink
}

// NewInput registers a write and write-without-response endpoint and starts
// the session.
func NewInput(sess *ble.Session, cfg Config, dev ble.DeviceConfig, sink Sink) *Input {
	n := &Input{base: newBase(sess, cfg, KindIn), sink: sink}
	n.handle = sess.Registry().Register(cfg.ID, cfg.Service, cfg.Characteristic,
		n.onWrite, registry.CapWrite|registry.CapWriteWithoutResponse)
	n.start(dev)
	return n
}

func (n *Input) onWrite(v any) {
	slog.Debug("[NODE] received", "id", n.cfg.ID, "service", n.cfg.Service, "characteristic", n.cfg.Characteristic)
	n.setStatus(StatusReceived, nil)
	if n.sink != nil {
		n.sink(Message{
			Endpoint: n.cfg.ID,
			Device:   n.cfg.Device,
			Payload:  v,
			Received: time.Now(),
		})
	}
}

// Notify pushes values to centrals subscribed to its characteristic.
type Notify struct {
	*base
}

// NewNotify registers a notify endpoint and starts the session.
func NewNotify(sess *ble.Session, cfg Config, dev ble.DeviceConfig) *Notify {
	n := &Notify{base: newBase(sess, cfg, KindNotify)}
	n.handle = sess.Registry().Register(cfg.ID, cfg.Service, cfg.Characteristic, nil, registry.CapNotify)
	n.start(dev)
	return n
}

// Send serializes payload and notifies it in chunks. It fails with
// ErrNotReady while the characteristic is not published.
func (n *Notify) Send(payload any) error {
	if !n.handle.IsInitialized() {
		slog.Warn("[NODE] notify before initialization", "id", n.cfg.ID,
			"service", n.cfg.Service, "characteristic", n.cfg.Characteristic)
		n.setStatus(StatusNotReady, nil)
		return ErrNotReady
	}
	if err := n.handle.Notify(payload); err != nil {
		if errors.Is(err, registry.ErrNotInitialized) {
			n.setStatus(StatusNotReady, nil)
			return ErrNotReady
		}
		slog.Error("[NODE] notify failed", "id", n.cfg.ID,
			"service", n.cfg.Service, "characteristic", n.cfg.Characteristic, "error", err)
		n.setStatus(StatusError, err)
		return err
	}
	n.setStatus(StatusSent, nil)
	return nil
}
