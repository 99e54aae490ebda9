//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blejsond/internal/ble"
	"github.com/chaz8081/blejsond/internal/ble/protocol"
)

// eirCompanyID carries custom advertisement payloads as manufacturer data.
// BlueZ assembles advertising PDUs itself, so raw EIR bytes are re-expressed
// through AdvertisementOptions.
const eirCompanyID = 0xffff

// TinyGo drives a BlueZ adapter through tinygo.org/x/bluetooth.
//
// BlueZ keeps an exported GATT application until the process exits, so
// services are exported once and every access is dispatched through a
// routing table that SetServices swaps in one step. Services dropped from
// the tree stay exported but no longer route anywhere.
type TinyGo struct {
	adapter *bluetooth.Adapter
	name    string
	routes  routes

	mu       sync.Mutex
	enabled  bool
	exported map[string]map[string]*bluetooth.Characteristic // service -> characteristic -> handle
	current  *tinygoStack
}

// NewTinyGo returns a factory for the named BlueZ adapter.
func NewTinyGo(adapter string) *TinyGo {
	return &TinyGo{
		adapter:  bluetooth.NewAdapter(adapter),
		name:     adapter,
		exported: make(map[string]map[string]*bluetooth.Characteristic),
	}
}

var _ ble.Factory = (*TinyGo)(nil)

func (t *TinyGo) Open(handler func(ble.StackEvent)) (ble.Stack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		if err := t.adapter.Enable(); err != nil {
			return nil, fmt.Errorf("ble: enable adapter %s: %w", t.name, err)
		}
		t.adapter.SetConnectHandler(t.onConnect)
		t.enabled = true
	}

	st := &tinygoStack{
		drv:      t,
		handler:  handler,
		centrals: make(map[string]bluetooth.Device),
	}
	w, err := watchPower(t.name, st.onPower)
	if err != nil {
		return nil, err
	}
	st.watcher = w
	t.current = st
	slog.Debug("[BLE] tinygo stack opened", "adapter", t.name)
	return st, nil
}

func (t *TinyGo) onConnect(device bluetooth.Device, connected bool) {
	t.mu.Lock()
	st := t.current
	t.mu.Unlock()
	if st != nil {
		st.onConnect(device, connected)
	}
}

func (t *TinyGo) write(svc, char string, value []byte) {
	c, ok := t.routes.lookup(svc, char)
	if !ok || c.OnWrite == nil {
		slog.Debug("[BLE] write to unpublished characteristic", "service", svc, "characteristic", char)
		return
	}
	// BlueZ has already acknowledged the write; failures can only be logged.
	if err := c.OnWrite(value); err != nil {
		slog.Warn("[BLE] write rejected", "service", svc, "characteristic", char, "error", err)
	}
}

// export adds svc to the BlueZ application. Caller holds t.mu.
func (t *TinyGo) export(svc ble.Service) error {
	svcUUID, err := parseTinyGoUUID(svc.UUID)
	if err != nil {
		return err
	}
	handles := make(map[string]*bluetooth.Characteristic, len(svc.Characteristics))
	cfgs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	for _, c := range svc.Characteristics {
		charUUID, err := parseTinyGoUUID(c.UUID)
		if err != nil {
			return err
		}
		var value []byte
		if c.OnRead != nil {
			if v, err := c.OnRead(0); err == nil {
				value = v
			}
		}
		h := &bluetooth.Characteristic{}
		svcUID, charUID := svc.UUID, c.UUID
		cfgs = append(cfgs, bluetooth.CharacteristicConfig{
			Handle: h,
			UUID:   charUUID,
			Value:  value,
			Flags:  permissions(c.Properties),
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				t.write(svcUID, charUID, value)
			},
		})
		handles[c.UUID] = h
	}
	if err := t.adapter.AddService(&bluetooth.Service{UUID: svcUUID, Characteristics: cfgs}); err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
	}
	t.exported[svc.UUID] = handles
	return nil
}

type tinygoStack struct {
	drv     *TinyGo
	watcher *powerWatcher

	mu       sync.Mutex
	handler  func(ble.StackEvent)
	closed   bool
	centrals map[string]bluetooth.Device
}

var _ ble.Stack = (*tinygoStack)(nil)

func (s *tinygoStack) emit(ev ble.StackEvent) {
	s.mu.Lock()
	h := s.handler
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		h(ev)
	}
}

func (s *tinygoStack) onPower(powered bool) {
	state := ble.AdapterPoweredOff
	if powered {
		state = ble.AdapterPoweredOn
	}
	s.emit(ble.StackEvent{Kind: ble.EventStateChange, State: state})
}

func (s *tinygoStack) onConnect(device bluetooth.Device, connected bool) {
	addr := device.Address.String()
	s.mu.Lock()
	if connected {
		s.centrals[addr] = device
	} else {
		delete(s.centrals, addr)
	}
	s.mu.Unlock()

	kind := ble.EventDisconnect
	if connected {
		kind = ble.EventAccept
	}
	s.emit(ble.StackEvent{Kind: kind, Address: addr})
}

func (s *tinygoStack) StartAdvertising(ctx context.Context, name string, serviceUUIDs []string) error {
	ids := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		id, err := parseTinyGoUUID(u)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	return s.advertise(ctx, bluetooth.AdvertisementOptions{LocalName: name, ServiceUUIDs: ids})
}

func (s *tinygoStack) StartAdvertisingWithEIRData(ctx context.Context, eir protocol.EIR) error {
	name, payload, err := protocol.DecodeEIR(eir)
	if err != nil {
		return err
	}
	return s.advertise(ctx, bluetooth.AdvertisementOptions{
		LocalName: name,
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: eirCompanyID, Data: payload},
		},
	})
}

func (s *tinygoStack) advertise(ctx context.Context, opts bluetooth.AdvertisementOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	adv := s.drv.adapter.DefaultAdvertisement()
	if err := adv.Configure(opts); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	return nil
}

func (s *tinygoStack) StopAdvertising(ctx context.Context) error {
	if err := s.drv.adapter.DefaultAdvertisement().Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

func (s *tinygoStack) SetServices(ctx context.Context, services []ble.Service) error {
	t := s.drv
	t.mu.Lock()
	defer t.mu.Unlock()

	// Reject the tree before exporting anything if an exported service
	// would need a characteristic BlueZ cannot add after the fact.
	for _, svc := range services {
		chars, ok := t.exported[svc.UUID]
		if !ok {
			continue
		}
		for _, c := range svc.Characteristics {
			if _, ok := chars[c.UUID]; !ok {
				return fmt.Errorf("ble: service %s already exported without characteristic %s", svc.UUID, c.UUID)
			}
		}
	}
	for _, svc := range services {
		if _, ok := t.exported[svc.UUID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.export(svc); err != nil {
			return err
		}
	}
	t.routes.set(services)
	return nil
}

func (s *tinygoStack) UpdateValue(serviceUUID, charUUID string, data []byte) error {
	if _, ok := s.drv.routes.lookup(serviceUUID, charUUID); !ok {
		return fmt.Errorf("ble: characteristic %s/%s not published", serviceUUID, charUUID)
	}
	s.drv.mu.Lock()
	h := s.drv.exported[serviceUUID][charUUID]
	s.drv.mu.Unlock()
	if h == nil {
		return fmt.Errorf("ble: characteristic %s/%s not exported", serviceUUID, charUUID)
	}
	_, err := h.Write(data)
	return err
}

func (s *tinygoStack) Disconnect() error {
	s.mu.Lock()
	devices := make([]bluetooth.Device, 0, len(s.centrals))
	for _, d := range s.centrals {
		devices = append(devices, d)
	}
	s.mu.Unlock()

	var errs []error
	for _, d := range devices {
		if err := d.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("ble: disconnect %s: %w", d.Address.String(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *tinygoStack) Dispose() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	t := s.drv
	t.mu.Lock()
	if t.current == s {
		t.current = nil
	}
	t.mu.Unlock()
	t.routes.clear()
	s.watcher.stop()
	return nil
}

func parseTinyGoUUID(uid string) (bluetooth.UUID, error) {
	canon, err := canonicalUUID(uid)
	if err != nil {
		return bluetooth.UUID{}, err
	}
	return bluetooth.ParseUUID(canon)
}

func permissions(p ble.Property) bluetooth.CharacteristicPermissions {
	var perm bluetooth.CharacteristicPermissions
	if p&ble.PropRead != 0 {
		perm |= bluetooth.CharacteristicReadPermission
	}
	if p&ble.PropWrite != 0 {
		perm |= bluetooth.CharacteristicWritePermission
	}
	if p&ble.PropWriteNR != 0 {
		perm |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p&ble.PropNotify != 0 {
		perm |= bluetooth.CharacteristicNotifyPermission
	}
	return perm
}
