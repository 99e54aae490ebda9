package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chaz8081/blejsond/internal/api"
	"github.com/chaz8081/blejsond/internal/ble"
	"github.com/chaz8081/blejsond/internal/ble/registry"
	"github.com/chaz8081/blejsond/internal/config"
	"github.com/chaz8081/blejsond/internal/node"
)

// openFunc returns the stack factory for a device's driver and adapter.
type openFunc func(kind, adapter string) (ble.Factory, error)

// app owns one session per device and one node per endpoint.
type app struct {
	sessions map[string]*ble.Session
	order    []string // device ids in config order
	nodes    map[string]node.Node
	nodeIDs  []string // endpoint ids in config order
	hub      *api.Hub
	srv      *http.Server
}

func newApp(cfg *config.Config, open openFunc) (*app, error) {
	a := &app{
		sessions: make(map[string]*ble.Session, len(cfg.Devices)),
		nodes:    make(map[string]node.Node, len(cfg.Endpoints)),
		hub:      api.NewHub(),
	}

	for _, dev := range cfg.Devices {
		factory, err := open(dev.Driver, dev.Adapter)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("device %s: %w", dev.ID, err)
		}
		opts := ble.DefaultOptions()
		opts.RetryInterval = dev.RetryInterval
		opts.ChunkSize = cfg.ChunkSize
		a.sessions[dev.ID] = ble.NewSession(registry.New(), factory, opts)
		a.order = append(a.order, dev.ID)
		slog.Info("[BLE] device configured", "id", dev.ID, "driver", dev.Driver, "adapter", dev.Adapter)
	}

	for _, ep := range cfg.Endpoints {
		dev, _ := cfg.Device(ep.Device)
		identity, err := deviceIdentity(dev)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("device %s: %w", dev.ID, err)
		}
		nc := node.Config{
			ID:             ep.ID,
			Device:         ep.Device,
			Service:        ep.Service,
			Characteristic: ep.Characteristic,
		}
		sess := a.sessions[ep.Device]
		switch ep.Kind {
		case config.KindIn:
			a.nodes[ep.ID] = node.NewInput(sess, nc, identity, a.hub.Broadcast)
		case config.KindNotify:
			a.nodes[ep.ID] = node.NewNotify(sess, nc, identity)
		}
		a.nodeIDs = append(a.nodeIDs, ep.ID)
		slog.Debug("[NODE] endpoint registered", "id", ep.ID, "kind", ep.Kind,
			"service", ep.Service, "characteristic", ep.Characteristic)
	}

	return a, nil
}

func deviceIdentity(dev config.DeviceConfig) (ble.DeviceConfig, error) {
	adv, err := dev.AdvertisementBytes()
	if err != nil {
		return ble.DeviceConfig{}, err
	}
	return ble.DeviceConfig{
		Name: dev.Name,
		DeviceInfo: ble.DeviceInfo{
			VendorName:   dev.DeviceInfo.Vendor,
			DeviceName:   dev.DeviceInfo.Name,
			DeviceSerial: dev.DeviceInfo.Serial,
		},
		RetryLimit:    dev.RetryLimit,
		Advertisement: adv,
	}, nil
}

// handler returns the API router over the app's devices and endpoints.
func (a *app) handler() http.Handler {
	devices := make(map[string]api.StatusSource, len(a.sessions))
	for id, s := range a.sessions {
		devices[id] = s
	}
	return api.NewServer(devices, a.nodes, a.hub)
}

// serve starts the API on addr and returns the bound address.
func (a *app) serve(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	a.srv = &http.Server{
		Handler:           a.handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] server failed", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// shutdown stops the API, unregisters every endpoint and closes the
// sessions, which stops advertising and releases the adapters.
func (a *app) shutdown(ctx context.Context) {
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("[API] shutdown failed", "error", err)
		}
	}
	a.hub.Close()
	a.close()
}

func (a *app) close() {
	for i := len(a.nodeIDs) - 1; i >= 0; i-- {
		if n, ok := a.nodes[a.nodeIDs[i]]; ok {
			n.Close()
		}
	}
	for _, id := range a.order {
		if err := a.sessions[id].Close(); err != nil {
			slog.Warn("[BLE] session close failed", "id", id, "error", err)
		}
	}
}
