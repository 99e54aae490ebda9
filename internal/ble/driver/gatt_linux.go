//go:build linux

package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/linux/cmd"

	"github.com/chaz8081/blejsond/internal/ble"
	"github.com/chaz8081/blejsond/internal/ble/protocol"
)

// Gatt drives an HCI adapter directly through github.com/paypal/gatt. The
// adapter must not be managed by bluetoothd at the same time.
//
// The HCI device can only be opened once per process, so it is created on
// the first Open and shared by every stack the factory hands out.
type Gatt struct {
	id int

	openMu sync.Mutex
	dev    gatt.Device

	mu        sync.Mutex
	state     gatt.State
	current   *gattStack
	centrals  map[string]gatt.Central
	notifiers map[string]map[gatt.Notifier]struct{}
}

// NewGatt returns a factory for HCI adapter id (0 for hci0).
func NewGatt(id int) *Gatt {
	return &Gatt{
		id:        id,
		state:     gatt.StateUnknown,
		centrals:  make(map[string]gatt.Central),
		notifiers: make(map[string]map[gatt.Notifier]struct{}),
	}
}

var _ ble.Factory = (*Gatt)(nil)

func (g *Gatt) Open(handler func(ble.StackEvent)) (ble.Stack, error) {
	g.openMu.Lock()
	defer g.openMu.Unlock()

	st := &gattStack{drv: g, handler: handler}
	g.mu.Lock()
	g.current = st
	state := g.state
	g.mu.Unlock()

	if g.dev == nil {
		d, err := gatt.NewDevice(gatt.LnxDeviceID(g.id, true))
		if err != nil {
			g.detach(st)
			return nil, fmt.Errorf("ble: open hci%d: %w", g.id, err)
		}
		d.Handle(
			gatt.CentralConnected(g.onConnect),
			gatt.CentralDisconnected(g.onDisconnect),
		)
		if err := d.Init(g.onState); err != nil {
			g.detach(st)
			return nil, fmt.Errorf("ble: init hci%d: %w", g.id, err)
		}
		g.dev = d
		slog.Debug("[BLE] gatt device initialized", "adapter", g.id)
		return st, nil
	}

	// The device is already up; replay its last known state.
	if state != gatt.StateUnknown {
		st.emit(ble.StackEvent{Kind: ble.EventStateChange, State: adapterState(state)})
	}
	return st, nil
}

func (g *Gatt) detach(st *gattStack) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == st {
		g.current = nil
	}
}

func (g *Gatt) onState(d gatt.Device, s gatt.State) {
	g.mu.Lock()
	g.state = s
	st := g.current
	g.mu.Unlock()
	slog.Debug("[BLE] gatt state", "adapter", g.id, "state", s)
	if st != nil {
		st.emit(ble.StackEvent{Kind: ble.EventStateChange, State: adapterState(s)})
	}
}

func (g *Gatt) onConnect(c gatt.Central) {
	g.mu.Lock()
	g.centrals[c.ID()] = c
	st := g.current
	g.mu.Unlock()
	if st != nil {
		st.emit(ble.StackEvent{Kind: ble.EventAccept, Address: c.ID()})
	}
}

func (g *Gatt) onDisconnect(c gatt.Central) {
	g.mu.Lock()
	delete(g.centrals, c.ID())
	st := g.current
	g.mu.Unlock()
	if st != nil {
		st.emit(ble.StackEvent{Kind: ble.EventDisconnect, Address: c.ID()})
	}
}

func (g *Gatt) subscribe(key string, n gatt.Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.notifiers[key]
	if !ok {
		set = make(map[gatt.Notifier]struct{})
		g.notifiers[key] = set
	}
	set[n] = struct{}{}
}

func adapterState(s gatt.State) ble.AdapterState {
	if s == gatt.StatePoweredOn {
		return ble.AdapterPoweredOn
	}
	return ble.AdapterPoweredOff
}

type gattStack struct {
	drv *Gatt

	mu      sync.Mutex
	handler func(ble.StackEvent)
	closed  bool
}

var _ ble.Stack = (*gattStack)(nil)

func (s *gattStack) emit(ev ble.StackEvent) {
	s.mu.Lock()
	h := s.handler
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		h(ev)
	}
}

func (s *gattStack) device() (gatt.Device, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.drv.dev == nil {
		return nil, ble.ErrAdapterUnavailable
	}
	return s.drv.dev, nil
}

func (s *gattStack) StartAdvertising(ctx context.Context, name string, serviceUUIDs []string) error {
	d, err := s.device()
	if err != nil {
		return err
	}
	ids := make([]gatt.UUID, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		id, err := parseGattUUID(u)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := d.AdvertiseNameAndServices(name, ids); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	return nil
}

func (s *gattStack) StartAdvertisingWithEIRData(ctx context.Context, eir protocol.EIR) error {
	d, err := s.device()
	if err != nil {
		return err
	}
	adv, scan, err := eirCommands(eir)
	if err != nil {
		return err
	}
	err = d.Option(
		gatt.LnxSetAdvertisingData(adv),
		gatt.LnxSetScanResponseData(scan),
		gatt.LnxSetAdvertisingEnable(true),
	)
	if err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	return nil
}

// eirCommands copies the advertising and scan response segments verbatim
// into the HCI commands that carry them.
func eirCommands(eir protocol.EIR) (*cmd.LESetAdvertisingData, *cmd.LESetScanResponseData, error) {
	if len(eir.Advertisement) > protocol.MaxEIRLength || len(eir.ScanResponse) > protocol.MaxEIRLength {
		return nil, nil, fmt.Errorf("ble: EIR data exceeds %d bytes", protocol.MaxEIRLength)
	}
	adv := &cmd.LESetAdvertisingData{AdvertisingDataLength: uint8(len(eir.Advertisement))}
	copy(adv.AdvertisingData[:], eir.Advertisement)
	scan := &cmd.LESetScanResponseData{ScanResponseDataLength: uint8(len(eir.ScanResponse))}
	copy(scan.ScanResponseData[:], eir.ScanResponse)
	return adv, scan, nil
}

func (s *gattStack) StopAdvertising(ctx context.Context) error {
	d, err := s.device()
	if err != nil {
		return err
	}
	return d.StopAdvertising()
}

// SetServices hands the whole tree to gatt, which regenerates the attribute
// table in one step.
func (s *gattStack) SetServices(ctx context.Context, services []ble.Service) error {
	d, err := s.device()
	if err != nil {
		return err
	}
	out := make([]*gatt.Service, 0, len(services))
	for _, svc := range services {
		gs, err := s.service(svc)
		if err != nil {
			return err
		}
		out = append(out, gs)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.drv.mu.Lock()
	clear(s.drv.notifiers)
	s.drv.mu.Unlock()

	if err := d.SetServices(out); err != nil {
		return fmt.Errorf("ble: set services: %w", err)
	}
	return nil
}

func (s *gattStack) service(svc ble.Service) (*gatt.Service, error) {
	u, err := parseGattUUID(svc.UUID)
	if err != nil {
		return nil, err
	}
	gs := gatt.NewService(u)
	for _, c := range svc.Characteristics {
		cu, err := parseGattUUID(c.UUID)
		if err != nil {
			return nil, err
		}
		ch := gs.AddCharacteristic(cu)
		key := routeKey(svc.UUID, c.UUID)

		if c.Properties&ble.PropRead != 0 && c.OnRead != nil {
			onRead := c.OnRead
			ch.HandleReadFunc(func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
				data, err := onRead(req.Offset)
				switch {
				case errors.Is(err, ble.ErrInvalidOffset):
					rsp.SetStatus(gatt.StatusInvalidOffset)
				case err != nil:
					rsp.SetStatus(gatt.StatusUnexpectedError)
				default:
					rsp.Write(data)
				}
			})
		}
		if c.Properties&(ble.PropWrite|ble.PropWriteNR) != 0 && c.OnWrite != nil {
			onWrite := c.OnWrite
			ch.HandleWriteFunc(func(r gatt.Request, data []byte) (status byte) {
				if err := onWrite(data); err != nil {
					return gatt.StatusUnexpectedError
				}
				return gatt.StatusSuccess
			})
		}
		if c.Properties&ble.PropNotify != 0 {
			ch.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
				s.drv.subscribe(key, n)
			})
		}
	}
	return gs, nil
}

func (s *gattStack) UpdateValue(serviceUUID, charUUID string, data []byte) error {
	if _, err := s.device(); err != nil {
		return err
	}
	key := routeKey(serviceUUID, charUUID)

	s.drv.mu.Lock()
	var live []gatt.Notifier
	for n := range s.drv.notifiers[key] {
		if n.Done() {
			delete(s.drv.notifiers[key], n)
			continue
		}
		live = append(live, n)
	}
	s.drv.mu.Unlock()

	for _, n := range live {
		if len(data) > n.Cap() {
			return fmt.Errorf("ble: notify %s: %d bytes exceeds %d", key, len(data), n.Cap())
		}
		if _, err := n.Write(data); err != nil {
			return fmt.Errorf("ble: notify %s: %w", key, err)
		}
	}
	return nil
}

func (s *gattStack) Disconnect() error {
	s.drv.mu.Lock()
	centrals := make([]gatt.Central, 0, len(s.drv.centrals))
	for _, c := range s.drv.centrals {
		centrals = append(centrals, c)
	}
	s.drv.mu.Unlock()

	var errs []error
	for _, c := range centrals {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ble: disconnect %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Dispose detaches the stack. The HCI device stays open for the next stack;
// its advertising and services are cleared.
func (s *gattStack) Dispose() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.drv.detach(s)
	s.drv.mu.Lock()
	clear(s.drv.notifiers)
	s.drv.mu.Unlock()

	d := s.drv.dev
	if d == nil {
		return nil
	}
	var errs []error
	if err := d.StopAdvertising(); err != nil {
		errs = append(errs, err)
	}
	if err := d.RemoveAllServices(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// parseGattUUID keeps 16-bit UUIDs short so standard services are
// advertised in their assigned form.
func parseGattUUID(uid string) (gatt.UUID, error) {
	if len(uid) == 4 {
		return gatt.ParseUUID(uid)
	}
	canon, err := canonicalUUID(uid)
	if err != nil {
		return gatt.UUID{}, err
	}
	return gatt.ParseUUID(canon)
}
