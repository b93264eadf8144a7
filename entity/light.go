package entity

import (
	"fmt"

	"adslink/ads"
)

// LightConfig configures a light backed by an enable BOOL and an
// optional brightness variable.
type LightConfig struct {
	ID   string
	Name string

	EnableVar ads.VariableSpec

	// BrightnessVar, when set, tracks and writes a 0-255 dimmer level.
	BrightnessVar *ads.VariableSpec
}

// Light mirrors an on/off BOOL plus an optional brightness channel.
type Light struct {
	base
	enable     ads.VariableSpec
	brightness *ads.VariableSpec
}

func NewLight(hub Hub, cfg LightConfig) (*Light, error) {
	if err := cfg.EnableVar.Validate(); err != nil {
		return nil, err
	}
	if cfg.EnableVar.Type != ads.TypeBool {
		return nil, fmt.Errorf("light %q: enable variable must be bool, got %s", cfg.Name, cfg.EnableVar.Type)
	}
	if cfg.BrightnessVar != nil {
		if err := cfg.BrightnessVar.Validate(); err != nil {
			return nil, err
		}
		if cfg.BrightnessVar.Type.Kind() != ads.KindUint && cfg.BrightnessVar.Type.Kind() != ads.KindInt {
			return nil, fmt.Errorf("light %q: brightness variable must be an integer type, got %s",
				cfg.Name, cfg.BrightnessVar.Type)
		}
	}

	l := &Light{enable: cfg.EnableVar, brightness: cfg.BrightnessVar}
	l.init(hub, KindLight, entityID(cfg.ID, cfg.EnableVar), cfg.Name)

	err := l.track(cfg.EnableVar, true, func(v ads.Value) {
		l.state = v.Bool()
	})
	if err != nil {
		l.Close()
		return nil, err
	}
	if l.brightness != nil {
		err := l.track(*l.brightness, false, func(v ads.Value) {
			if f, ok := v.Float64Value(); ok {
				l.attrs["brightness"] = int(f)
			}
		})
		if err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}

// HasBrightness reports whether the light has a dimmer variable.
func (l *Light) HasBrightness() bool { return l.brightness != nil }

// IsOn reports the current light state.
func (l *Light) IsOn() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	on, _ := l.state.(bool)
	return on
}

// Brightness returns the mirrored dimmer level, or -1 when the light
// has no brightness variable or no value yet.
func (l *Light) Brightness() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.attrs["brightness"].(int); ok {
		return b
	}
	return -1
}

// TurnOn switches the light on.
func (l *Light) TurnOn() error {
	return l.write(l.enable, ads.Bool(true))
}

// TurnOff switches the light off.
func (l *Light) TurnOff() error {
	return l.write(l.enable, ads.Bool(false))
}

// SetBrightness writes a 0-255 dimmer level.
func (l *Light) SetBrightness(level int) error {
	if l.brightness == nil {
		return fmt.Errorf("%s: light has no brightness variable", l.id)
	}
	if level < 0 || level > 255 {
		return fmt.Errorf("%s: brightness %d out of range 0-255", l.id, level)
	}
	v, err := ads.NewValue(l.brightness.Type, level)
	if err != nil {
		return err
	}
	return l.write(*l.brightness, v)
}
