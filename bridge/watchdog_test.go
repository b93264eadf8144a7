package bridge

import (
	"errors"
	"testing"
	"time"

	"adslink/ads"
)

func TestWatchdogDefaults(t *testing.T) {
	dev := newMockDevice()
	h := NewHub(dev, ads.DeviceAddress{Host: "plc.local"})
	defer h.Close()

	w := NewWatchdog(h, testSpec(".heartbeat", ads.TypeBool), 0)
	if w.interval != DefaultWatchdogInterval {
		t.Errorf("interval = %v, want %v", w.interval, DefaultWatchdogInterval)
	}
}

func TestWatchdogChecks(t *testing.T) {
	dev := newMockDevice()
	dev.setValue(t, ".heartbeat", ads.TypeBool, true)
	h := connectedHub(t, dev)

	w := NewWatchdog(h, testSpec(".heartbeat", ads.TypeBool), 5*time.Millisecond)
	w.Start()
	defer w.Stop()

	deadline := time.After(time.Second)
	for {
		checks, failures, lastOK, lastErr := w.Stats()
		if checks >= 2 {
			if failures != 0 {
				t.Errorf("failures = %d, want 0", failures)
			}
			if lastOK.IsZero() {
				t.Error("lastOK not recorded")
			}
			if lastErr != nil {
				t.Errorf("lastErr = %v", lastErr)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("watchdog ran %d checks, want at least 2", checks)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestWatchdogRecordsFailures(t *testing.T) {
	dev := newMockDevice()
	dev.setValue(t, ".heartbeat", ads.TypeBool, true)
	h := connectedHub(t, dev)

	w := NewWatchdog(h, testSpec(".heartbeat", ads.TypeBool), 5*time.Millisecond)
	w.Start()
	defer w.Stop()

	dev.setReadErr(errors.New("link dead"))

	deadline := time.After(time.Second)
	for {
		_, failures, _, lastErr := w.Stats()
		if failures >= 1 {
			if lastErr == nil {
				t.Error("lastErr not recorded")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("watchdog never recorded a failure")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestWatchdogSkipsWhenDisconnected(t *testing.T) {
	dev := newMockDevice()
	h := NewHub(dev, ads.DeviceAddress{Host: "plc.local"})
	defer h.Close()

	w := NewWatchdog(h, testSpec(".heartbeat", ads.TypeBool), 5*time.Millisecond)
	w.Start()

	time.Sleep(30 * time.Millisecond)
	w.Stop()

	checks, _, _, _ := w.Stats()
	if checks != 0 {
		t.Errorf("checks = %d, want 0 while disconnected", checks)
	}
}
