// Package driver provides the peripheral stacks a ble.Session can own.
//
// Two drivers exist, both Linux only:
//
//	tinygo  tinygo.org/x/bluetooth on top of BlueZ over D-Bus
//	gatt    github.com/paypal/gatt talking HCI directly (BlueZ must be stopped)
//
// On other platforms Open fails with ble.ErrStackUnsupported.
package driver

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chaz8081/blejsond/internal/ble"
)

// Driver names accepted by New.
const (
	KindTinyGo = "tinygo"
	KindGatt   = "gatt"
)

// DefaultAdapter is the HCI adapter used when none is configured.
const DefaultAdapter = "hci0"

// bluetoothBase is the Bluetooth Base UUID that 16-bit UUIDs expand into.
const bluetoothBase = "0000%s-0000-1000-8000-00805f9b34fb"

// New returns the factory for the named driver bound to adapter (e.g. "hci0").
func New(kind, adapter string) (ble.Factory, error) {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	switch kind {
	case KindTinyGo:
		return NewTinyGo(adapter), nil
	case KindGatt:
		id, err := adapterIndex(adapter)
		if err != nil {
			return nil, err
		}
		return NewGatt(id), nil
	default:
		return nil, fmt.Errorf("ble: unknown driver %q", kind)
	}
}

// adapterIndex turns "hci3" into 3.
func adapterIndex(adapter string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(adapter, "hci%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("ble: invalid adapter name %q", adapter)
	}
	return n, nil
}

// canonicalUUID turns a normalized 4- or 32-digit hex UUID into the dashed
// 128-bit form both drivers parse.
func canonicalUUID(uid string) (string, error) {
	u := strings.ReplaceAll(uid, "-", "")
	if len(u) == 4 {
		u = fmt.Sprintf(bluetoothBase, u)
	}
	parsed, err := uuid.Parse(u)
	if err != nil {
		return "", fmt.Errorf("ble: invalid UUID %q: %w", uid, err)
	}
	return parsed.String(), nil
}

func routeKey(svc, char string) string {
	return svc + "/" + char
}

// routes is the write/read dispatch table for the published tree. Stacks
// that export attributes once and keep them route every access through it,
// so publishing a new tree is a single pointer swap.
type routes struct {
	table atomic.Pointer[map[string]ble.Characteristic]
}

func (r *routes) set(services []ble.Service) {
	m := make(map[string]ble.Characteristic)
	for _, svc := range services {
		for _, c := range svc.Characteristics {
			m[routeKey(svc.UUID, c.UUID)] = c
		}
	}
	r.table.Store(&m)
}

func (r *routes) clear() { r.table.Store(nil) }

func (r *routes) lookup(svc, char string) (ble.Characteristic, bool) {
	m := r.table.Load()
	if m == nil {
		return ble.Characteristic{}, false
	}
	c, ok := (*m)[routeKey(svc, char)]
	return c, ok
}
