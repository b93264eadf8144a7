package entity

import (
	"fmt"

	"adslink/ads"
)

// ValveConfig configures a valve backed by a single BOOL.
type ValveConfig struct {
	ID   string
	Name string
	Var  ads.VariableSpec
}

// Valve mirrors an open/closed BOOL and writes it on command.
type Valve struct {
	base
	spec ads.VariableSpec
}

func NewValve(hub Hub, cfg ValveConfig) (*Valve, error) {
	if err := cfg.Var.Validate(); err != nil {
		return nil, err
	}
	if cfg.Var.Type != ads.TypeBool {
		return nil, fmt.Errorf("valve %q: variable must be bool, got %s", cfg.Name, cfg.Var.Type)
	}
	v := &Valve{spec: cfg.Var}
	v.init(hub, KindValve, entityID(cfg.ID, cfg.Var), cfg.Name)

	err := v.track(cfg.Var, true, func(val ads.Value) {
		v.state = coverState(val.Bool())
	})
	if err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// IsOpen reports whether the valve is open.
func (v *Valve) IsOpen() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state == CoverOpen
}

// Open writes true to the valve variable.
func (v *Valve) Open() error {
	return v.write(v.spec, ads.Bool(true))
}

// CloseValve writes false to the valve variable.
func (v *Valve) CloseValve() error {
	return v.write(v.spec, ads.Bool(false))
}
