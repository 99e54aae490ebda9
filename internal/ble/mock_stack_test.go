package ble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blejsond/internal/ble/protocol"
)

// mockStack records every primitive call the session makes.
type mockStack struct {
	mu       sync.Mutex
	handler  func(StackEvent)
	calls    []string
	trees    [][]Service
	adverts  [][]string
	eirs     []protocol.EIR
	updates  map[string][][]byte
	disposed bool

	setErr    error
	advBlocks bool          // StartAdvertising waits for ctx
	stopDelay time.Duration // StopAdvertising sleeps this long, ignoring ctx
	adapter   *mockAdapter
}

// mockAdapter is the radio shared by every stack one factory opens.
type mockAdapter struct {
	stopping atomic.Int32
	overlaps atomic.Int32 // starts issued while a stop was running
}

func (m *mockStack) checkOverlap() {
	if m.adapter != nil && m.adapter.stopping.Load() > 0 {
		m.adapter.overlaps.Add(1)
	}
}

func (m *mockStack) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockStack) StartAdvertising(ctx context.Context, name string, serviceUUIDs []string) error {
	m.record("advertise")
	m.checkOverlap()
	m.mu.Lock()
	block := m.advBlocks
	m.adverts = append(m.adverts, append([]string{name}, serviceUUIDs...))
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (m *mockStack) StartAdvertisingWithEIRData(ctx context.Context, eir protocol.EIR) error {
	m.record("advertise-eir")
	m.checkOverlap()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eirs = append(m.eirs, eir)
	return nil
}

func (m *mockStack) StopAdvertising(ctx context.Context) error {
	m.record("stop")
	if m.stopDelay > 0 {
		if m.adapter != nil {
			m.adapter.stopping.Add(1)
			defer m.adapter.stopping.Add(-1)
		}
		time.Sleep(m.stopDelay)
	}
	return nil
}

func (m *mockStack) SetServices(ctx context.Context, services []Service) error {
	m.record("set")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.trees = append(m.trees, services)
	return nil
}

func (m *mockStack) UpdateValue(serviceUUID, charUUID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return errors.New("mock: stack disposed")
	}
	if m.updates == nil {
		m.updates = make(map[string][][]byte)
	}
	key := serviceUUID + "/" + charUUID
	m.updates[key] = append(m.updates[key], append([]byte(nil), data...))
	return nil
}

func (m *mockStack) Disconnect() error {
	m.record("disconnect")
	return nil
}

func (m *mockStack) Dispose() error {
	m.record("dispose")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	return nil
}

// Emit delivers ev as if raised by the driver.
func (m *mockStack) Emit(ev StackEvent) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(ev)
}

func (m *mockStack) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockStack) treeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trees)
}

func (m *mockStack) lastTree() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.trees) == 0 {
		return nil
	}
	return m.trees[len(m.trees)-1]
}

func (m *mockStack) chunks(serviceUUID, charUUID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[serviceUUID+"/"+charUUID]
}

func (m *mockStack) isDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// mockFactory opens mockStacks. Stacks power on immediately unless the
// open count is below powerOnAt.
type mockFactory struct {
	mu        sync.Mutex
	stacks    []*mockStack
	powerOnAt int  // 1-based open number from which stacks power on; 0 = always
	never     bool // stacks never power on
	openErr   error
	setErr    error
	advBlocks bool
	stopDelay time.Duration
	adapter   mockAdapter
}

func (f *mockFactory) Open(handler func(StackEvent)) (Stack, error) {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.stacks = append(f.stacks, nil)
		f.mu.Unlock()
		return nil, err
	}
	st := &mockStack{
		handler:   handler,
		setErr:    f.setErr,
		advBlocks: f.advBlocks,
		stopDelay: f.stopDelay,
		adapter:   &f.adapter,
	}
	f.stacks = append(f.stacks, st)
	n := len(f.stacks)
	powerOn := !f.never && n >= f.powerOnAt
	f.mu.Unlock()

	if powerOn {
		handler(StackEvent{Kind: EventStateChange, State: AdapterPoweredOn})
	} else {
		handler(StackEvent{Kind: EventStateChange, State: AdapterPoweredOff})
	}
	return st, nil
}

func (f *mockFactory) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stacks)
}

func (f *mockFactory) latest() *mockStack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stacks) == 0 {
		panic("mock: no stack opened")
	}
	return f.stacks[len(f.stacks)-1]
}
