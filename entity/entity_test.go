package entity

import (
	"strings"
	"sync"
	"testing"
	"time"

	"adslink/ads"
	"adslink/bridge"
)

type fakeSub struct{ closed bool }

func (s *fakeSub) Close() { s.closed = true }

type writeRec struct {
	spec ads.VariableSpec
	v    ads.Value
}

// fakeHub feeds adapters directly, no transport involved.
type fakeHub struct {
	mu        sync.Mutex
	state     bridge.State
	listeners []func(bridge.State)
	targets   map[string]bridge.Subscriber
	subs      []*fakeSub
	writes    []writeRec
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		state:   bridge.StateConnected,
		targets: make(map[string]bridge.Subscriber),
	}
}

func (h *fakeHub) Subscribe(spec ads.VariableSpec, target bridge.Subscriber) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets[spec.Key()] = target
	s := &fakeSub{}
	h.subs = append(h.subs, s)
	return s, nil
}

func (h *fakeHub) Write(spec ads.VariableSpec, v ads.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, writeRec{spec: spec, v: v})
	return nil
}

func (h *fakeHub) State() bridge.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHub) OnStateChange(fn func(bridge.State)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
	return func() {}
}

func (h *fakeHub) push(spec ads.VariableSpec, v ads.Value) {
	h.mu.Lock()
	target := h.targets[spec.Key()]
	h.mu.Unlock()
	if target != nil {
		target.OnValue(v)
	}
}

func (h *fakeHub) setState(s bridge.State) {
	h.mu.Lock()
	h.state = s
	fns := make([]func(bridge.State), len(h.listeners))
	copy(fns, h.listeners)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (h *fakeHub) lastWrite(t *testing.T) writeRec {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.writes) == 0 {
		t.Fatal("no writes recorded")
	}
	return h.writes[len(h.writes)-1]
}

func intSpec(name string) ads.VariableSpec {
	return ads.VariableSpec{Name: name, Type: ads.TypeInt, PollInterval: time.Second}
}

func boolSpec(name string) ads.VariableSpec {
	return ads.VariableSpec{Name: name, Type: ads.TypeBool, PollInterval: time.Second}
}

func TestSensorFactorScaling(t *testing.T) {
	hub := newFakeHub()
	s, err := NewSensor(hub, SensorConfig{
		Name:   "Room temperature",
		Var:    intSpec("MAIN.roomTemp"),
		Factor: 10,
		Unit:   "°C",
	})
	if err != nil {
		t.Fatalf("NewSensor: %v", err)
	}
	defer s.Close()

	if s.Available() {
		t.Error("sensor available before first value")
	}

	hub.push(s.spec, ads.MustValue(ads.TypeInt, 215))
	if !s.Available() {
		t.Error("sensor not available after first value")
	}
	snap := s.Snapshot()
	if got, ok := snap.State.(float64); !ok || got != 21.5 {
		t.Errorf("state = %v, want 21.5", snap.State)
	}
	if snap.Attributes["unit"] != "°C" {
		t.Errorf("unit attribute = %v", snap.Attributes["unit"])
	}
}

func TestSensorWithoutFactor(t *testing.T) {
	hub := newFakeHub()
	s, err := NewSensor(hub, SensorConfig{Name: "Counter", Var: intSpec(".counter")})
	if err != nil {
		t.Fatalf("NewSensor: %v", err)
	}
	defer s.Close()

	hub.push(s.spec, ads.MustValue(ads.TypeInt, 42))
	if got := s.Snapshot().State; got != int64(42) {
		t.Errorf("state = %v (%T), want int64 42", got, got)
	}
}

func TestAvailabilityTracksHubState(t *testing.T) {
	hub := newFakeHub()
	s, err := NewSensor(hub, SensorConfig{Name: "Counter", Var: intSpec(".counter")})
	if err != nil {
		t.Fatalf("NewSensor: %v", err)
	}
	defer s.Close()

	hub.push(s.spec, ads.MustValue(ads.TypeInt, 1))
	if !s.Available() {
		t.Fatal("expected available")
	}

	hub.setState(bridge.StateReconnecting)
	if s.Available() {
		t.Error("available while hub is reconnecting")
	}
	hub.setState(bridge.StateConnected)
	if !s.Available() {
		t.Error("unavailable after hub recovered")
	}
}

func TestBinarySensor(t *testing.T) {
	hub := newFakeHub()
	b, err := NewBinarySensor(hub, BinarySensorConfig{Name: "Door", Var: boolSpec(".doorOpen")})
	if err != nil {
		t.Fatalf("NewBinarySensor: %v", err)
	}
	defer b.Close()

	hub.push(b.spec, ads.Bool(true))
	if !b.IsOn() {
		t.Error("expected on")
	}

	if _, err := NewBinarySensor(hub, BinarySensorConfig{Name: "Bad", Var: intSpec(".x")}); err == nil {
		t.Error("non-bool variable should be rejected")
	}
}

func TestSwitchCommands(t *testing.T) {
	hub := newFakeHub()
	s, err := NewSwitch(hub, SwitchConfig{Name: "Pump", Var: boolSpec(".pumpOn")})
	if err != nil {
		t.Fatalf("NewSwitch: %v", err)
	}
	defer s.Close()

	if err := s.TurnOn(); err != nil {
		t.Fatalf("TurnOn: %v", err)
	}
	w := hub.lastWrite(t)
	if w.spec.Name != ".pumpOn" || !w.v.Bool() {
		t.Errorf("write = %s %v, want .pumpOn true", w.spec.Name, w.v)
	}

	if err := s.TurnOff(); err != nil {
		t.Fatalf("TurnOff: %v", err)
	}
	if w := hub.lastWrite(t); w.v.Bool() {
		t.Error("TurnOff should write false")
	}

	// Mirrored state follows deliveries, not commands.
	if s.IsOn() {
		t.Error("state should not change until the PLC reports it")
	}
	hub.push(s.spec, ads.Bool(true))
	if !s.IsOn() {
		t.Error("expected on after delivery")
	}
}

func TestLight(t *testing.T) {
	hub := newFakeHub()
	bright := ads.VariableSpec{Name: ".lampLevel", Type: ads.TypeByte, PollInterval: time.Second}
	l, err := NewLight(hub, LightConfig{
		Name:          "Lamp",
		EnableVar:     boolSpec(".lampOn"),
		BrightnessVar: &bright,
	})
	if err != nil {
		t.Fatalf("NewLight: %v", err)
	}
	defer l.Close()

	hub.push(l.enable, ads.Bool(true))
	hub.push(bright, ads.MustValue(ads.TypeByte, 128))
	if !l.IsOn() {
		t.Error("expected on")
	}
	if got := l.Brightness(); got != 128 {
		t.Errorf("brightness = %d, want 128", got)
	}

	if err := l.SetBrightness(200); err != nil {
		t.Fatalf("SetBrightness: %v", err)
	}
	w := hub.lastWrite(t)
	if w.spec.Name != ".lampLevel" || w.v.Uint() != 200 {
		t.Errorf("write = %s %v", w.spec.Name, w.v)
	}
	if err := l.SetBrightness(300); err == nil {
		t.Error("brightness 300 should be rejected")
	}
}

func TestCover(t *testing.T) {
	hub := newFakeHub()
	pos := ads.VariableSpec{Name: ".blindPos", Type: ads.TypeByte, PollInterval: time.Second}
	setPos := ads.VariableSpec{Name: ".blindSetPos", Type: ads.TypeByte, PollInterval: time.Second}
	openVar := boolSpec(".blindUp")
	c, err := NewCover(hub, CoverConfig{
		Name:           "Blind",
		PositionVar:    &pos,
		SetPositionVar: &setPos,
		OpenVar:        &openVar,
	})
	if err != nil {
		t.Fatalf("NewCover: %v", err)
	}
	defer c.Close()

	hub.push(pos, ads.MustValue(ads.TypeByte, 75))
	snap := c.Snapshot()
	if snap.State != CoverOpen {
		t.Errorf("state = %v, want open", snap.State)
	}
	if c.Position() != 75 {
		t.Errorf("position = %d, want 75", c.Position())
	}

	hub.push(pos, ads.MustValue(ads.TypeByte, 0))
	if c.Snapshot().State != CoverClosed {
		t.Error("position 0 should read closed")
	}

	if err := c.SetPosition(50); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if w := hub.lastWrite(t); w.spec.Name != ".blindSetPos" || w.v.Uint() != 50 {
		t.Errorf("write = %s %v", w.spec.Name, w.v)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Stop(); err == nil {
		t.Error("Stop without a stop variable should fail")
	}
}

func TestCoverRejectsBadSetPosition(t *testing.T) {
	hub := newFakeHub()
	pos := ads.VariableSpec{Name: ".blindPos", Type: ads.TypeByte, PollInterval: time.Second}

	unnamed := ads.VariableSpec{Type: ads.TypeByte, PollInterval: time.Second}
	_, err := NewCover(hub, CoverConfig{
		Name:           "Blind",
		PositionVar:    &pos,
		SetPositionVar: &unnamed,
	})
	if err == nil {
		t.Error("unnamed set-position variable should fail construction")
	}

	boolVar := boolSpec(".blindSetPos")
	_, err = NewCover(hub, CoverConfig{
		Name:           "Blind",
		PositionVar:    &pos,
		SetPositionVar: &boolVar,
	})
	if err == nil {
		t.Error("bool set-position variable should fail construction")
	}
}

func TestValve(t *testing.T) {
	hub := newFakeHub()
	v, err := NewValve(hub, ValveConfig{Name: "Water", Var: boolSpec(".waterValve")})
	if err != nil {
		t.Fatalf("NewValve: %v", err)
	}
	defer v.Close()

	hub.push(v.spec, ads.Bool(true))
	if !v.IsOpen() {
		t.Error("expected open")
	}
	if err := v.CloseValve(); err != nil {
		t.Fatalf("CloseValve: %v", err)
	}
	if w := hub.lastWrite(t); w.v.Bool() {
		t.Error("CloseValve should write false")
	}
}

func TestSelect(t *testing.T) {
	hub := newFakeHub()
	spec := ads.VariableSpec{Name: ".mode", Type: ads.TypeDint, PollInterval: time.Second}
	s, err := NewSelect(hub, SelectConfig{
		Name:    "Mode",
		Var:     spec,
		Options: []string{"auto", "manual", "off"},
	})
	if err != nil {
		t.Fatalf("NewSelect: %v", err)
	}
	defer s.Close()

	hub.push(spec, ads.MustValue(ads.TypeDint, 1))
	if got := s.Current(); got != "manual" {
		t.Errorf("current = %q, want manual", got)
	}

	hub.push(spec, ads.MustValue(ads.TypeDint, 9))
	if got := s.Current(); got != "" {
		t.Errorf("out-of-range index should clear the state, got %q", got)
	}
	if err := s.LastError(); err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("LastError = %v", err)
	}

	if err := s.SelectOption("off"); err != nil {
		t.Fatalf("SelectOption: %v", err)
	}
	if w := hub.lastWrite(t); w.v.Int() != 2 {
		t.Errorf("selected index = %d, want 2", w.v.Int())
	}
	if err := s.SelectOption("bogus"); err == nil {
		t.Error("unknown option should fail")
	}
}

func TestRegistry(t *testing.T) {
	hub := newFakeHub()
	reg := NewRegistry()

	s, err := NewSensor(hub, SensorConfig{Name: "Counter", Var: intSpec(".counter")})
	if err != nil {
		t.Fatalf("NewSensor: %v", err)
	}
	if err := reg.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Add(s); err == nil {
		t.Error("duplicate id should be rejected")
	}

	var mu sync.Mutex
	var updates []Snapshot
	remove := reg.OnUpdate(func(snap Snapshot) {
		mu.Lock()
		updates = append(updates, snap)
		mu.Unlock()
	})

	hub.push(s.spec, ads.MustValue(ads.TypeInt, 7))
	mu.Lock()
	n := len(updates)
	var last Snapshot
	if n > 0 {
		last = updates[n-1]
	}
	mu.Unlock()
	if n == 0 {
		t.Fatal("no update broadcast")
	}
	if last.State != int64(7) || !last.Available {
		t.Errorf("update = %+v", last)
	}

	remove()
	hub.push(s.spec, ads.MustValue(ads.TypeInt, 8))
	mu.Lock()
	after := len(updates)
	mu.Unlock()
	if after != n {
		t.Error("listener fired after removal")
	}

	got, ok := reg.Get(s.ID())
	if !ok || got != Entity(s) {
		t.Errorf("Get = %v, %v", got, ok)
	}
	if snaps := reg.Snapshots(); len(snaps) != 1 || snaps[0].ID != s.ID() {
		t.Errorf("Snapshots = %+v", snaps)
	}

	reg.Close()
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for i, sub := range hub.subs {
		if !sub.closed {
			t.Errorf("subscription %d not closed", i)
		}
	}
}
