//go:build linux

package driver

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService      = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	propertiesIface   = "org.freedesktop.DBus.Properties"
)

// powerWatcher follows org.bluez.Adapter1.Powered for one adapter.
type powerWatcher struct {
	conn *dbus.Conn
	sigs chan *dbus.Signal
	done chan struct{}
}

// watchPower reports the adapter's current power state and every change to
// it through fn until stop is called. fn runs on the watcher goroutine.
func watchPower(adapter string, fn func(powered bool)) (*powerWatcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}
	path := dbus.ObjectPath("/org/bluez/" + adapter)

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(path),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: watch %s: %w", path, err)
	}

	w := &powerWatcher{
		conn: conn,
		sigs: make(chan *dbus.Signal, 16),
		done: make(chan struct{}),
	}
	conn.Signal(w.sigs)

	powered := false
	v, err := conn.Object(bluezService, path).GetProperty(bluezAdapterIface + ".Powered")
	if err != nil {
		slog.Warn("[BLE] adapter not present", "adapter", adapter, "error", err)
	} else if b, ok := v.Value().(bool); ok {
		powered = b
	}
	fn(powered)

	go w.loop(fn)
	return w, nil
}

func (w *powerWatcher) loop(fn func(bool)) {
	for {
		select {
		case <-w.done:
			return
		case sig, ok := <-w.sigs:
			if !ok {
				return
			}
			if sig.Name != propertiesIface+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			if iface, _ := sig.Body[0].(string); iface != bluezAdapterIface {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if v, ok := changed["Powered"]; ok {
				if b, ok := v.Value().(bool); ok {
					fn(b)
				}
			}
		}
	}
}

func (w *powerWatcher) stop() {
	close(w.done)
	w.conn.RemoveSignal(w.sigs)
	w.conn.Close()
}
