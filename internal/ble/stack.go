// Package ble runs a BLE GATT peripheral whose services are composed at
// runtime by independent endpoints. It owns adapter bring-up, publication
// of the service tree, advertising, and recovery after power loss.
package ble

import (
	"context"

	"github.com/chaz8081/blejsond/internal/ble/protocol"
)

// AdapterState is the power state reported by a peripheral stack.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterPoweredOn
	AdapterPoweredOff
)

func (s AdapterState) String() string {
	switch s {
	case AdapterPoweredOn:
		return "poweredOn"
	case AdapterPoweredOff:
		return "poweredOff"
	default:
		return "unknown"
	}
}

// StackEventKind identifies a StackEvent.
type StackEventKind int

const (
	EventStateChange StackEventKind = iota
	EventAccept
	EventDisconnect
	EventAdvertisingStop
)

// StackEvent is a notification raised by the peripheral stack. Stacks may
// deliver events from any goroutine.
type StackEvent struct {
	Kind    StackEventKind
	State   AdapterState // EventStateChange
	Address string       // EventAccept, EventDisconnect
}

// Property is a GATT characteristic property bit.
type Property uint8

// Characteristic property flags (Core spec Vol 3, Part G, 3.3.1.1).
const (
	PropRead    Property = 0x02
	PropWriteNR Property = 0x04
	PropWrite   Property = 0x08
	PropNotify  Property = 0x10
)

// Characteristic is one entry in an immutable published tree.
type Characteristic struct {
	UUID       string // normalized: lower-case hex without separators
	Properties Property

	// OnWrite receives every write. A non-nil error is reported to the
	// central as an unlikely-error result.
	OnWrite func(data []byte) error
	// OnRead serves reads starting at offset.
	OnRead func(offset int) ([]byte, error)
}

// Service is one primary service in an immutable published tree.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Stack is the peripheral driver a Session owns exclusively. Calls may
// block; the session bounds them with ctx.
type Stack interface {
	// StartAdvertising advertises name and the given service UUIDs.
	StartAdvertising(ctx context.Context, name string, serviceUUIDs []string) error
	// StartAdvertisingWithEIRData advertises a raw payload pair.
	StartAdvertisingWithEIRData(ctx context.Context, eir protocol.EIR) error
	// StopAdvertising stops advertising and returns once it has stopped.
	StopAdvertising(ctx context.Context) error
	// SetServices replaces the whole published tree in one operation.
	SetServices(ctx context.Context, services []Service) error
	// UpdateValue pushes data to centrals subscribed to the characteristic.
	// It succeeds silently when nobody is subscribed.
	UpdateValue(serviceUUID, charUUID string, data []byte) error
	// Disconnect drops all connected centrals.
	Disconnect() error
	// Dispose releases the adapter resource. No events follow.
	Dispose() error
}

// Factory creates the adapter resource. Events raised by the new stack,
// including its initial power state, are passed to handler.
type Factory interface {
	Open(handler func(StackEvent)) (Stack, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(handler func(StackEvent)) (Stack, error)

func (f FactoryFunc) Open(handler func(StackEvent)) (Stack, error) { return f(handler) }
