package entity

import (
	"fmt"

	"adslink/ads"
)

// SwitchConfig configures a writable boolean entity.
type SwitchConfig struct {
	ID   string
	Name string
	Var  ads.VariableSpec
}

// Switch mirrors one BOOL variable and writes it on command.
type Switch struct {
	base
	spec ads.VariableSpec
}

func NewSwitch(hub Hub, cfg SwitchConfig) (*Switch, error) {
	if err := cfg.Var.Validate(); err != nil {
		return nil, err
	}
	if cfg.Var.Type != ads.TypeBool {
		return nil, fmt.Errorf("switch %q: variable must be bool, got %s", cfg.Name, cfg.Var.Type)
	}
	s := &Switch{spec: cfg.Var}
	s.init(hub, KindSwitch, entityID(cfg.ID, cfg.Var), cfg.Name)

	err := s.track(cfg.Var, true, func(v ads.Value) {
		s.state = v.Bool()
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// IsOn reports the current switch state.
func (s *Switch) IsOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	on, _ := s.state.(bool)
	return on
}

// TurnOn writes true to the variable. The mirrored state updates when
// the PLC reports the change back.
func (s *Switch) TurnOn() error {
	return s.write(s.spec, ads.Bool(true))
}

// TurnOff writes false to the variable.
func (s *Switch) TurnOff() error {
	return s.write(s.spec, ads.Bool(false))
}
