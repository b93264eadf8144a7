package entity

import (
	"fmt"

	"adslink/ads"
)

// BinarySensorConfig configures a read-only boolean entity.
type BinarySensorConfig struct {
	ID   string
	Name string
	Var  ads.VariableSpec
}

// BinarySensor exposes one BOOL variable as an on/off state.
type BinarySensor struct {
	base
	spec ads.VariableSpec
}

func NewBinarySensor(hub Hub, cfg BinarySensorConfig) (*BinarySensor, error) {
	if err := cfg.Var.Validate(); err != nil {
		return nil, err
	}
	if cfg.Var.Type != ads.TypeBool {
		return nil, fmt.Errorf("binary sensor %q: variable must be bool, got %s", cfg.Name, cfg.Var.Type)
	}
	b := &BinarySensor{spec: cfg.Var}
	b.init(hub, KindBinarySensor, entityID(cfg.ID, cfg.Var), cfg.Name)

	err := b.track(cfg.Var, true, func(v ads.Value) {
		b.state = v.Bool()
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// IsOn reports the current boolean state.
func (b *BinarySensor) IsOn() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	on, _ := b.state.(bool)
	return on
}
