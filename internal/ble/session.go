package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/blejsond/internal/ble/protocol"
	"github.com/chaz8081/blejsond/internal/ble/registry"
)

// DefaultName is advertised when no device name has been configured.
const DefaultName = "BLE Device"

// State is the lifecycle state of a Session.
type State int

const (
	StateUninitialized State = iota
	StatePoweringOn
	StatePowered
	StateAdvertising
	StatePoweredOff
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePoweringOn:
		return "powering-on"
	case StatePowered:
		return "powered"
	case StateAdvertising:
		return "advertising"
	case StatePoweredOff:
		return "powered-off"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Options configures session timing and framing.
type Options struct {
	RetryInterval    time.Duration // delay between adapter bring-up attempts
	ChunkSize        int           // transport chunk size in bytes
	ResyncDebounce   time.Duration // coalescing window for endpoint additions; 0 resyncs immediately
	AdvertiseTimeout time.Duration // bound on advertising start and stop
}

// DefaultOptions returns the standard session timing.
func DefaultOptions() Options {
	return Options{
		RetryInterval:    time.Second,
		ChunkSize:        protocol.DefaultChunkSize,
		ResyncDebounce:   100 * time.Millisecond,
		AdvertiseTimeout: 5 * time.Second,
	}
}

// DeviceConfig is the peripheral identity shared by every endpoint of a
// session.
type DeviceConfig struct {
	Name          string
	DeviceInfo    DeviceInfo
	RetryLimit    int    // 0 retries forever
	Advertisement []byte // optional service-data payload advertised as raw EIR
}

func (c DeviceConfig) equal(o DeviceConfig) bool {
	return c.Name == o.Name && c.DeviceInfo == o.DeviceInfo &&
		c.RetryLimit == o.RetryLimit && bytes.Equal(c.Advertisement, o.Advertisement)
}

// Status is a point-in-time view of a session.
type Status struct {
	Name        string   `json:"name"`
	State       string   `json:"state"`
	Retries     int      `json:"retries"`
	Advertising bool     `json:"advertising"`
	Connected   []string `json:"connected"`
	Endpoints   int      `json:"endpoints"`
	LastError   string   `json:"last_error,omitempty"`
}

// Session owns one peripheral stack and keeps the GATT tree it publishes in
// sync with a Registry. All state transitions run on a single goroutine;
// stack callbacks, registry events, timers and API calls reach it as
// messages.
type Session struct {
	reg     *registry.Registry
	factory Factory
	opts    Options
	reasm   *protocol.Reassembler

	identityMu sync.Mutex
	identity   *DeviceConfig

	// mailbox
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}

	unsubscribe func()

	statusMu sync.Mutex
	status   Status

	notifyMu sync.Mutex // keeps the chunks of one message contiguous

	// loop-owned state
	state       State
	stack       Stack
	stackGen    int
	advertising bool
	advPending  chan error // result of an advertising call abandoned at its deadline
	connected   map[string]struct{}
	failures    int
	lastErr     error
	waiters     []chan error
	bound       []*registry.Handle
	keys        map[protocol.Key]struct{}
	published   string // signature of the live tree; empty when none is live

	retry        *time.Timer
	retryGen     int
	debounce     *time.Timer
	debounceGen  int
	resyncQueued bool
}

// NewSession creates a session publishing the endpoints of reg through
// stacks opened by factory. Zero option fields take their defaults, except
// ResyncDebounce where zero means no debounce.
func NewSession(reg *registry.Registry, factory Factory, opts Options) *Session {
	def := DefaultOptions()
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.AdvertiseTimeout <= 0 {
		opts.AdvertiseTimeout = def.AdvertiseTimeout
	}
	if opts.ResyncDebounce < 0 {
		opts.ResyncDebounce = 0
	}

	s := &Session{
		reg:       reg,
		factory:   factory,
		opts:      opts,
		reasm:     protocol.NewReassembler(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		connected: make(map[string]struct{}),
		keys:      make(map[protocol.Key]struct{}),
	}
	s.snapshot()
	s.unsubscribe = reg.Subscribe(func(ev registry.Event) {
		s.post(func() { s.onTopology(ev) })
	})
	go s.run()
	return s
}

// Registry returns the registry whose endpoints this session publishes.
func (s *Session) Registry() *registry.Registry { return s.reg }

// SetDeviceConfig establishes the peripheral identity. The first call wins;
// later calls with a different config are logged and ignored.
func (s *Session) SetDeviceConfig(cfg DeviceConfig) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	if s.identity == nil {
		cfg.Advertisement = slices.Clone(cfg.Advertisement)
		s.identity = &cfg
		return
	}
	if !s.identity.equal(cfg) {
		slog.Warn("[BLE] "+ErrConfigConflict.Error(),
			"name", s.identity.Name, "requested", cfg.Name)
	}
}

func (s *Session) deviceConfig() DeviceConfig {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	var cfg DeviceConfig
	if s.identity != nil {
		cfg = *s.identity
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	return cfg
}

// Initialize brings the adapter up, publishes the registry's tree and starts
// advertising. It returns once the session is live, when the retry budget is
// exhausted, on a non-recoverable stack error, or when ctx ends. Calls while
// bring-up is in progress join the pending operation.
func (s *Session) Initialize(ctx context.Context) error {
	res := make(chan error, 1)
	if !s.post(func() { s.initialize(res) }) {
		return ErrDestroyed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		s.post(func() { s.dropWaiter(res) })
		return ctx.Err()
	}
}

// Destroy tears down the stack and returns the session to its initial
// state. Pending Initialize calls fail with ErrDestroyed. Safe to call any
// number of times.
func (s *Session) Destroy() {
	done := make(chan struct{})
	if !s.post(func() {
		s.destroy()
		s.snapshot()
		close(done)
	}) {
		return
	}
	<-done
}

// Close destroys the session and stops its event loop.
func (s *Session) Close() error {
	s.Destroy()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.unsubscribe()
	s.signal()
	<-s.done
	return nil
}

// Status returns the latest session snapshot.
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status
	st.Connected = slices.Clone(st.Connected)
	st.Name = s.deviceConfig().Name
	st.Endpoints = s.reg.Len()
	return st
}

func (s *Session) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-s.wake
			continue
		}
		for _, fn := range batch {
			fn()
			s.snapshot()
		}
	}
}

func (s *Session) snapshot() {
	connected := make([]string, 0, len(s.connected))
	for addr := range s.connected {
		connected = append(connected, addr)
	}
	slices.Sort(connected)
	st := Status{
		State:       s.state.String(),
		Retries:     s.failures,
		Advertising: s.advertising,
		Connected:   connected,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func (s *Session) setState(st State) {
	if s.state != st {
		slog.Debug("[BLE] session state", "name", s.deviceConfig().Name, "from", s.state, "to", st)
	}
	s.state = st
}

func (s *Session) initialize(res chan error) {
	switch s.state {
	case StateAdvertising, StatePowered:
		res <- nil
		return
	}
	s.waiters = append(s.waiters, res)

	// An Error state with no retry armed is terminal; a new call restarts.
	if s.state == StateUninitialized || (s.state == StateError && s.retry == nil) {
		s.failures = 0
		s.lastErr = nil
		s.bringUp()
	}
}

func (s *Session) dropWaiter(res chan error) {
	s.waiters = slices.DeleteFunc(s.waiters, func(w chan error) bool { return w == res })
}

func (s *Session) resolve(err error) {
	s.snapshot()
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// bringUp (re)creates the stack and arms the retry timer.
func (s *Session) bringUp() {
	s.setState(StatePoweringOn)
	s.armRetry()
	s.openStack()
}

func (s *Session) openStack() {
	s.releaseStack()
	s.stackGen++
	gen := s.stackGen
	st, err := s.factory.Open(func(ev StackEvent) {
		s.post(func() { s.onStackEvent(gen, ev) })
	})
	if err != nil {
		if errors.Is(err, ErrStackUnsupported) {
			s.fail(err)
			return
		}
		s.lastErr = err
		slog.Warn("[BLE] adapter open failed", "name", s.deviceConfig().Name, "error", err)
		return
	}
	s.stack = st
}

// releaseStack drops every adapter-bound resource.
func (s *Session) releaseStack() {
	s.unbindAll()
	if s.stack == nil {
		return
	}
	if st := s.stack; s.advertising {
		if err := s.advertisingCall(st.StopAdvertising); err != nil {
			slog.Warn("[BLE] stop advertising failed", "error", err)
		}
	}
	if err := s.stack.Dispose(); err != nil {
		slog.Warn("[BLE] dispose stack failed", "error", err)
	}
	s.stack = nil
	s.stackGen++
	s.advertising = false
	s.published = ""
	clear(s.connected)
}

func (s *Session) armRetry() {
	s.cancelRetry()
	s.retryGen++
	gen := s.retryGen
	s.retry = time.AfterFunc(s.opts.RetryInterval, func() {
		s.post(func() { s.onRetry(gen) })
	})
}

func (s *Session) cancelRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.retryGen++
}

func (s *Session) onRetry(gen int) {
	if gen != s.retryGen {
		return
	}
	s.retry = nil
	s.failures++
	cfg := s.deviceConfig()
	if cfg.RetryLimit > 0 && s.failures > cfg.RetryLimit {
		err := fmt.Errorf("%w: %d attempts failed", ErrRetryExhausted, s.failures)
		if s.lastErr != nil {
			err = fmt.Errorf("%w: %d attempts failed, last: %v", ErrRetryExhausted, s.failures, s.lastErr)
		}
		s.fail(err)
		return
	}
	slog.Warn("[BLE] adapter not ready, retrying", "name", cfg.Name, "attempt", s.failures+1)
	s.bringUp()
}

// fail terminates the pending operation.
func (s *Session) fail(err error) {
	s.cancelRetry()
	s.cancelDebounce()
	s.releaseStack()
	s.lastErr = err
	s.setState(StateError)
	slog.Error("[BLE] session failed", "name", s.deviceConfig().Name, "error", err)
	s.resolve(err)
}

// retryAfter records a recoverable failure and schedules another bring-up.
func (s *Session) retryAfter(err error) {
	s.lastErr = err
	s.unbindAll()
	s.setState(StateError)
	s.armRetry()
}

func (s *Session) destroy() {
	s.cancelRetry()
	s.cancelDebounce()
	if s.stack != nil && len(s.connected) > 0 {
		if err := s.stack.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "error", err)
		}
	}
	s.releaseStack()
	for k := range s.keys {
		s.reasm.Reset(k)
	}
	clear(s.keys)
	s.failures = 0
	s.lastErr = nil
	s.resyncQueued = false
	s.resolve(ErrDestroyed)
	s.setState(StateUninitialized)
}

func (s *Session) onStackEvent(gen int, ev StackEvent) {
	if gen != s.stackGen {
		return
	}
	name := s.deviceConfig().Name
	switch ev.Kind {
	case EventStateChange:
		switch ev.State {
		case AdapterPoweredOn:
			if s.state != StatePoweringOn && s.state != StatePoweredOff {
				return
			}
			slog.Info("[BLE] adapter powered on", "name", name)
			s.cancelRetry()
			s.setState(StatePowered)
			s.setup()
		case AdapterPoweredOff:
			switch s.state {
			case StatePoweringOn:
				s.setState(StatePoweredOff)
			case StatePowered, StateAdvertising:
				slog.Warn("[BLE] adapter powered off", "name", name)
				s.cancelDebounce()
				s.releaseStack()
				s.setState(StatePoweringOn)
				s.armRetry()
			}
		}
	case EventAccept:
		s.connected[ev.Address] = struct{}{}
		slog.Info("[BLE] central connected", "name", name, "address", ev.Address)
	case EventDisconnect:
		delete(s.connected, ev.Address)
		slog.Info("[BLE] central disconnected", "name", name, "address", ev.Address)
		if len(s.connected) == 0 {
			// A central that dropped mid-message must not prefix the next one.
			for k := range s.keys {
				s.reasm.Reset(k)
			}
		}
	case EventAdvertisingStop:
		s.advertising = false
		if s.state == StateAdvertising {
			s.setState(StatePowered)
		}
		slog.Info("[BLE] advertising stopped", "name", name)
	}
}

func (s *Session) onTopology(ev registry.Event) {
	if s.state != StatePowered && s.state != StateAdvertising {
		return
	}
	if ev.Kind == registry.EndpointAdded && s.opts.ResyncDebounce > 0 {
		s.scheduleResync()
		return
	}
	s.cancelDebounce()
	if !s.resyncQueued {
		s.resyncQueued = true
		s.post(s.resync)
	}
}

func (s *Session) scheduleResync() {
	s.cancelDebounce()
	s.debounceGen++
	gen := s.debounceGen
	s.debounce = time.AfterFunc(s.opts.ResyncDebounce, func() {
		s.post(func() {
			if gen != s.debounceGen {
				return
			}
			s.debounce = nil
			s.resync()
		})
	})
}

func (s *Session) cancelDebounce() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.debounceGen++
}

func (s *Session) resync() {
	s.resyncQueued = false
	if s.state != StatePowered && s.state != StateAdvertising {
		return
	}
	snap := s.reg.Services()
	live := s.state == StateAdvertising || len(snap) == 0
	if live && s.published != "" && signature(snap) == s.published {
		return
	}
	s.setup()
}

// signature identifies a tree by its slots. A recreated slot gets a new
// handle and so a new signature.
func signature(snap []registry.Service) string {
	var b strings.Builder
	b.WriteString("tree")
	for _, svc := range snap {
		fmt.Fprintf(&b, ";%s", svc.UID)
		for _, c := range svc.Characteristics {
			fmt.Fprintf(&b, ",%s:%d:%p", c.UID, c.Capabilities, c.Handle)
		}
	}
	return b.String()
}

// setup rebuilds the tree from the registry, publishes it in one call,
// binds the endpoint handles and (re)starts advertising.
func (s *Session) setup() {
	s.cancelDebounce()
	st := s.stack
	if st == nil {
		s.retryAfter(ErrAdapterUnavailable)
		return
	}
	cfg := s.deviceConfig()

	if s.advertisingBusy() {
		slog.Warn("[BLE] earlier advertising call still running, retrying", "name", cfg.Name)
		s.retryAfter(ErrAdvertisingBusy)
		return
	}

	if s.advertising {
		err := s.advertisingCall(st.StopAdvertising)
		s.advertising = false
		s.setState(StatePowered)
		if err != nil {
			slog.Warn("[BLE] stop advertising failed", "name", cfg.Name, "error", err)
			if s.advPending != nil {
				// The stack may still be stopping; rebuild on a fresh one.
				s.retryAfter(fmt.Errorf("ble: stop advertising: %w", err))
				return
			}
		}
	}

	snap := s.reg.Services()
	s.unbindAll()
	s.published = ""

	if len(snap) == 0 {
		if len(s.connected) > 0 {
			if err := st.Disconnect(); err != nil {
				slog.Warn("[BLE] disconnect failed", "name", cfg.Name, "error", err)
			}
		}
		if err := s.publish(st, nil); err != nil {
			s.publishFailed(cfg, err)
			return
		}
		slog.Info("[BLE] no endpoints, published empty tree", "name", cfg.Name)
		s.published = signature(snap)
		s.failures = 0
		s.lastErr = nil
		s.setState(StatePowered)
		s.resolve(nil)
		return
	}

	services := make([]Service, 0, len(snap)+1)
	uuids := make([]string, 0, len(snap))
	keys := make(map[protocol.Key]struct{})
	for _, svc := range snap {
		out := Service{UUID: svc.UID}
		for _, c := range svc.Characteristics {
			key := protocol.Key{Service: svc.UID, Characteristic: c.UID}
			keys[key] = struct{}{}
			out.Characteristics = append(out.Characteristics, s.characteristic(key, c))
		}
		services = append(services, out)
		uuids = append(uuids, svc.UID)
	}
	if info, ok := DeviceInfoService(cfg.DeviceInfo); ok {
		services = append(services, info)
	}

	for k := range s.keys {
		if _, ok := keys[k]; !ok {
			s.reasm.Reset(k)
		}
	}
	s.keys = keys

	if err := s.publish(st, services); err != nil {
		s.publishFailed(cfg, err)
		return
	}

	for _, svc := range snap {
		for _, c := range svc.Characteristics {
			c.Handle.Bind(s.notifier(st, svc.UID, c.UID))
			s.bound = append(s.bound, c.Handle)
		}
	}

	if err := s.advertise(st, cfg, uuids); err != nil {
		slog.Error("[BLE] advertising failed", "name", cfg.Name, "error", err)
		s.retryAfter(err)
		return
	}

	s.advertising = true
	s.published = signature(snap)
	s.failures = 0
	s.lastErr = nil
	s.setState(StateAdvertising)
	slog.Info("[BLE] advertising", "name", cfg.Name, "services", len(uuids))
	s.resolve(nil)
}

func (s *Session) publish(st Stack, services []Service) error {
	return callWithTimeout(s.opts.AdvertiseTimeout, func(ctx context.Context) error {
		return st.SetServices(ctx, services)
	})
}

func (s *Session) publishFailed(cfg DeviceConfig, err error) {
	err = fmt.Errorf("%w: %v", ErrPublishFailure, err)
	slog.Error("[BLE] publish services failed", "name", cfg.Name, "error", err)
	s.retryAfter(err)
}

func (s *Session) advertise(st Stack, cfg DeviceConfig, uuids []string) error {
	start := func(ctx context.Context) error {
		return st.StartAdvertising(ctx, cfg.Name, uuids)
	}
	if len(cfg.Advertisement) > 0 {
		eir, err := protocol.EncodeEIR(cfg.Name, cfg.Advertisement)
		if err != nil {
			slog.Warn("[BLE] custom advertisement unusable, advertising services", "name", cfg.Name, "error", err)
		} else {
			start = func(ctx context.Context) error {
				return st.StartAdvertisingWithEIRData(ctx, eir)
			}
		}
	}
	err := s.advertisingCall(start)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrAdvertisingTimeout, s.opts.AdvertiseTimeout)
	}
	return err
}

func (s *Session) characteristic(key protocol.Key, c registry.Characteristic) Characteristic {
	out := Characteristic{UUID: key.Characteristic, Properties: properties(c.Capabilities)}

	if c.Capabilities.Has(registry.CapWrite) || c.Capabilities.Has(registry.CapWriteWithoutResponse) {
		onWrite := c.OnWrite
		feed := s.reasm.Stream(key,
			func(v any) {
				if onWrite != nil {
					onWrite(v)
				}
			},
			func(err error) {
				slog.Error("[BLE] dropped malformed message",
					"service", key.Service, "characteristic", key.Characteristic, "error", err)
			})
		out.OnWrite = func(data []byte) error {
			if !feed(data) {
				return protocol.ErrMalformedPayload
			}
			return nil
		}
	}
	if c.Capabilities.Has(registry.CapRead) {
		out.OnRead = func(offset int) ([]byte, error) {
			if offset != 0 {
				return nil, ErrInvalidOffset
			}
			return nil, nil
		}
	}
	return out
}

func (s *Session) notifier(st Stack, svcUID, charUID string) registry.NotifyFunc {
	size := s.opts.ChunkSize
	return func(v any) error {
		chunks, err := protocol.Fragment(v, size)
		if err != nil {
			return err
		}
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		for chunk := range chunks {
			if err := st.UpdateValue(svcUID, charUID, chunk); err != nil {
				slog.Error("[BLE] notify failed", "service", svcUID, "characteristic", charUID, "error", err)
				return fmt.Errorf("ble: notify %s/%s: %w", svcUID, charUID, err)
			}
		}
		return nil
	}
}

func (s *Session) unbindAll() {
	for _, h := range s.bound {
		h.Unbind()
	}
	s.bound = nil
}

func properties(c registry.Capability) Property {
	var p Property
	if c.Has(registry.CapRead) {
		p |= PropRead
	}
	if c.Has(registry.CapWrite) {
		p |= PropWrite
	}
	if c.Has(registry.CapWriteWithoutResponse) {
		p |= PropWriteNR
	}
	if c.Has(registry.CapNotify) {
		p |= PropNotify
	}
	return p
}

// advertisingCall runs an advertising start or stop bounded by
// AdvertiseTimeout. A call that outlives its deadline is remembered, and no
// further advertising call is issued until it has returned.
func (s *Session) advertisingCall(fn func(ctx context.Context) error) error {
	if s.advertisingBusy() {
		return ErrAdvertisingBusy
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AdvertiseTimeout)
	errc := make(chan error, 1)
	go func() {
		defer cancel()
		errc <- fn(ctx)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		select {
		case err := <-errc:
			return err
		default:
		}
		s.advPending = errc
		return context.DeadlineExceeded
	}
}

// advertisingBusy reports whether an abandoned advertising call is still
// running.
func (s *Session) advertisingBusy() bool {
	if s.advPending == nil {
		return false
	}
	select {
	case err := <-s.advPending:
		s.advPending = nil
		if err != nil {
			slog.Debug("[BLE] late advertising call failed", "error", err)
		}
		return false
	default:
		return true
	}
}

// callWithTimeout runs fn with a deadline and gives up waiting once it
// passes, even if fn ignores its context.
func callWithTimeout(d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
