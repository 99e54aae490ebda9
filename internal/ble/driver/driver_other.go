//go:build !linux

package driver

import (
	"fmt"

	"github.com/chaz8081/blejsond/internal/ble"
)

// TinyGo is only available on Linux, where BlueZ provides the peripheral role.
type TinyGo struct{ name string }

// NewTinyGo returns a factory whose Open always fails on this platform.
func NewTinyGo(adapter string) *TinyGo { return &TinyGo{name: adapter} }

func (t *TinyGo) Open(func(ble.StackEvent)) (ble.Stack, error) {
	return nil, fmt.Errorf("%w: tinygo driver requires BlueZ (adapter %s)", ble.ErrStackUnsupported, t.name)
}

// Gatt is only available on Linux, where HCI sockets exist.
type Gatt struct{ id int }

// NewGatt returns a factory whose Open always fails on this platform.
func NewGatt(id int) *Gatt { return &Gatt{id: id} }

func (g *Gatt) Open(func(ble.StackEvent)) (ble.Stack, error) {
	return nil, fmt.Errorf("%w: gatt driver requires Linux HCI sockets (hci%d)", ble.ErrStackUnsupported, g.id)
}
