package bridge

import (
	"errors"
	"testing"
	"time"

	"adslink/ads"
)

func TestSubscribeColdStartAndEdgeTrigger(t *testing.T) {
	dev := newMockDevice()
	dev.setValue(t, ".level", ads.TypeInt, 42)
	h := connectedHub(t, dev)

	rec := &recorder{}
	sub, err := h.Subscribe(testSpec(".level", ads.TypeInt), rec)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Cold start: the first read is delivered even though nothing changed.
	waitFor(t, func() bool { return rec.valueCount() == 1 }, "cold-start delivery")
	if got := rec.value(0).Int(); got != 42 {
		t.Errorf("cold-start value = %d, want 42", got)
	}

	// Unchanged reads are suppressed.
	time.Sleep(40 * time.Millisecond)
	if n := rec.valueCount(); n != 1 {
		t.Fatalf("unchanged value delivered %d times, want 1", n)
	}

	// A change is delivered exactly once.
	dev.setValue(t, ".level", ads.TypeInt, 43)
	waitFor(t, func() bool { return rec.valueCount() == 2 }, "edge delivery")
	if got := rec.value(1).Int(); got != 43 {
		t.Errorf("edge value = %d, want 43", got)
	}
	time.Sleep(40 * time.Millisecond)
	if n := rec.valueCount(); n != 2 {
		t.Errorf("delivered %d values for sequence 42,42,43, want 2", n)
	}
}

func TestSubscribeBoolEdge(t *testing.T) {
	dev := newMockDevice()
	dev.setValue(t, ".running", ads.TypeBool, false)
	h := connectedHub(t, dev)

	rec := &recorder{}
	sub, err := h.Subscribe(testSpec(".running", ads.TypeBool), rec)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	waitFor(t, func() bool { return rec.valueCount() == 1 }, "cold-start delivery")
	if rec.value(0).Bool() {
		t.Error("cold-start value should be false")
	}

	dev.setValue(t, ".running", ads.TypeBool, true)
	waitFor(t, func() bool { return rec.valueCount() == 2 }, "edge delivery")
	if !rec.value(1).Bool() {
		t.Error("edge value should be true")
	}
}

func TestSubscriptionErrorIsolation(t *testing.T) {
	dev := newMockDevice()
	dev.setValue(t, ".good", ads.TypeInt, 1)
	h := connectedHub(t, dev)

	good, bad := &recorder{}, &recorder{}
	subGood, err := h.Subscribe(testSpec(".good", ads.TypeInt), good)
	if err != nil {
		t.Fatalf("Subscribe good: %v", err)
	}
	defer subGood.Close()
	subBad, err := h.Subscribe(testSpec(".missing", ads.TypeInt), bad)
	if err != nil {
		t.Fatalf("Subscribe bad: %v", err)
	}
	defer subBad.Close()

	waitFor(t, func() bool { return bad.errCount() >= 1 }, "symbol error")
	var se *SymbolError
	if !errors.As(bad.firstErr(), &se) {
		t.Fatalf("error = %v, want SymbolError", bad.firstErr())
	}

	// The failing sibling must not disturb the healthy one or the session.
	dev.setValue(t, ".good", ads.TypeInt, 2)
	waitFor(t, func() bool {
		n := good.valueCount()
		return n > 0 && good.value(n-1).Int() == 2
	}, "healthy delivery")
	if good.errCount() != 0 {
		t.Errorf("healthy subscription got errors: %v", good.firstErr())
	}
	if got := h.State(); got != StateConnected {
		t.Errorf("state = %v, want Connected", got)
	}
	if bad.valueCount() != 0 {
		t.Errorf("failing subscription delivered %d values", bad.valueCount())
	}
}

func TestSubscriptionDecodeError(t *testing.T) {
	dev := newMockDevice()
	dev.set(".lopsided", []byte{0x01}) // dint needs 4 bytes
	h := connectedHub(t, dev)

	rec := &recorder{}
	sub, err := h.Subscribe(testSpec(".lopsided", ads.TypeDint), rec)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	waitFor(t, func() bool { return rec.errCount() >= 1 }, "decode error")
	if !ads.IsCodecError(rec.firstErr(), ads.ErrLengthMismatch) {
		t.Fatalf("error = %v, want length mismatch", rec.firstErr())
	}
	if got := h.State(); got != StateConnected {
		t.Errorf("decode error must not disturb the session, state = %v", got)
	}

	// Once the device reports a full value, delivery recovers.
	dev.setValue(t, ".lopsided", ads.TypeDint, 7)
	waitFor(t, func() bool { return rec.valueCount() >= 1 }, "recovery delivery")
	if got := rec.value(0).Int(); got != 7 {
		t.Errorf("value = %d, want 7", got)
	}
}

func TestSubscriptionCloseStopsCallbacks(t *testing.T) {
	dev := newMockDevice()
	dev.setValue(t, ".level", ads.TypeInt, 1)
	h := connectedHub(t, dev)

	rec := &recorder{}
	sub, err := h.Subscribe(testSpec(".level", ads.TypeInt), rec)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, func() bool { return rec.valueCount() >= 1 }, "cold-start delivery")

	sub.Close()
	values, errs := rec.valueCount(), rec.errCount()

	dev.setValue(t, ".level", ads.TypeInt, 2)
	time.Sleep(40 * time.Millisecond)
	if rec.valueCount() != values || rec.errCount() != errs {
		t.Error("callbacks fired after Close returned")
	}
}

// TestDeliverOrdering exercises the stale-read guard directly: a read
// that finishes after a newer one must be dropped, not delivered out of
// order.
func TestDeliverOrdering(t *testing.T) {
	h := NewHub(newMockDevice(), ads.DeviceAddress{Host: "plc.local"})
	defer h.Close()
	rec := &recorder{}
	s := newSubscription(h, testSpec(".level", ads.TypeInt), rec)

	v1 := ads.MustValue(ads.TypeInt, 1)
	v2 := ads.MustValue(ads.TypeInt, 2)
	v3 := ads.MustValue(ads.TypeInt, 3)

	s.deliver(2, v2) // newer read finishes first
	s.deliver(1, v1) // stale result, discarded
	s.deliver(3, v3)

	if n := rec.valueCount(); n != 2 {
		t.Fatalf("delivered %d values, want 2", n)
	}
	if rec.value(0).Int() != 2 || rec.value(1).Int() != 3 {
		t.Errorf("delivered %v then %v, want 2 then 3", rec.value(0), rec.value(1))
	}
}

// gatedRecorder blocks inside OnValue until the test releases it, so
// notification bursts pile up behind a slow consumer.
type gatedRecorder struct {
	recorder
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRecorder) OnValue(v ads.Value) {
	g.recorder.OnValue(v)
	g.entered <- struct{}{}
	<-g.release
}

func TestNotificationsCoalesceToLatest(t *testing.T) {
	dev := newMockDevice()
	dev.subscribeErr = nil
	dev.setValue(t, ".level", ads.TypeInt, 1)
	h := connectedHub(t, dev)

	rec := &gatedRecorder{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}, 8),
	}
	// No poll interval: the subscription rides device notifications.
	spec := ads.VariableSpec{Name: ".level", Type: ads.TypeInt}
	sub, err := h.Subscribe(spec, rec)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	encode := func(n int) []byte {
		data, err := ads.Encode(ads.TypeInt, ads.MustValue(ads.TypeInt, n))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return data
	}

	waitFor(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.notify[".level"]) == 1
	}, "notification registration")

	// First sample is consumed and its delivery blocks in OnValue.
	dev.push(".level", encode(1))
	<-rec.entered

	// Burst while the consumer is stuck: only the newest survives.
	dev.push(".level", encode(2))
	dev.push(".level", encode(3))
	dev.push(".level", encode(4))
	time.Sleep(10 * time.Millisecond)

	rec.release <- struct{}{}
	<-rec.entered
	rec.release <- struct{}{}

	if n := rec.valueCount(); n != 2 {
		t.Fatalf("delivered %d values, want 2 (burst coalesced)", n)
	}
	if got := rec.value(1).Int(); got != 4 {
		t.Errorf("second delivery = %d, want latest value 4", got)
	}
}

func TestNotificationsFallBackToPolling(t *testing.T) {
	dev := newMockDevice() // Subscribe returns ErrNotificationsUnsupported
	dev.setValue(t, ".level", ads.TypeInt, 5)
	h := connectedHub(t, dev, WithPollInterval(5*time.Millisecond))

	rec := &recorder{}
	spec := ads.VariableSpec{Name: ".level", Type: ads.TypeInt}
	sub, err := h.Subscribe(spec, rec)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	waitFor(t, func() bool { return rec.valueCount() >= 1 }, "poll fallback delivery")
	if got := rec.value(0).Int(); got != 5 {
		t.Errorf("value = %d, want 5", got)
	}
	if rec.errCount() != 0 {
		t.Errorf("fallback surfaced errors: %v", rec.firstErr())
	}
}

func TestSubscribeRejectsBadInput(t *testing.T) {
	dev := newMockDevice()
	h := connectedHub(t, dev)

	if _, err := h.Subscribe(ads.VariableSpec{}, &recorder{}); err == nil {
		t.Error("empty spec should be rejected")
	}
	if _, err := h.Subscribe(testSpec(".x", ads.TypeInt), nil); err == nil {
		t.Error("nil subscriber should be rejected")
	}
}
