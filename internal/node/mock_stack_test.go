package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaz8081/blejsond/internal/ble"
	"github.com/chaz8081/blejsond/internal/ble/protocol"
)

// mockStack accepts every call and keeps the last published tree and the
// notified chunks.
type mockStack struct {
	mu      sync.Mutex
	tree    []ble.Service
	updates map[string][]byte
}

func (m *mockStack) StartAdvertising(ctx context.Context, name string, serviceUUIDs []string) error {
	return nil
}

func (m *mockStack) StartAdvertisingWithEIRData(ctx context.Context, eir protocol.EIR) error {
	return nil
}

func (m *mockStack) StopAdvertising(ctx context.Context) error { return nil }

func (m *mockStack) SetServices(ctx context.Context, services []ble.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree = services
	return nil
}

func (m *mockStack) UpdateValue(serviceUUID, charUUID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updates == nil {
		m.updates = make(map[string][]byte)
	}
	key := serviceUUID + "/" + charUUID
	m.updates[key] = append(m.updates[key], data...)
	return nil
}

func (m *mockStack) Disconnect() error { return nil }
func (m *mockStack) Dispose() error    { return nil }

// notified returns everything notified on the characteristic so far.
func (m *mockStack) notified(svc, char string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.updates[svc+"/"+char])
}

// write delivers data to the published characteristic as a central would.
func (m *mockStack) write(svc, char string, data []byte) error {
	m.mu.Lock()
	tree := m.tree
	m.mu.Unlock()
	for _, s := range tree {
		if s.UUID != svc {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID == char && c.OnWrite != nil {
				return c.OnWrite(data)
			}
		}
	}
	return fmt.Errorf("mock: %s/%s not writable", svc, char)
}

// mockFactory opens a single shared mockStack. powered controls the
// adapter state reported on open.
func mockFactory(st *mockStack, powered bool) ble.Factory {
	return ble.FactoryFunc(func(handler func(ble.StackEvent)) (ble.Stack, error) {
		state := ble.AdapterPoweredOff
		if powered {
			state = ble.AdapterPoweredOn
		}
		handler(ble.StackEvent{Kind: ble.EventStateChange, State: state})
		return st, nil
	})
}
