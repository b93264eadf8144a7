package entity

import (
	"fmt"

	"adslink/ads"
)

// SelectConfig configures a select entity: an integer variable whose
// value indexes into Options.
type SelectConfig struct {
	ID      string
	Name    string
	Var     ads.VariableSpec
	Options []string
}

// Select maps an integer PLC variable onto a fixed option list.
type Select struct {
	base
	spec    ads.VariableSpec
	options []string
}

func NewSelect(hub Hub, cfg SelectConfig) (*Select, error) {
	if err := cfg.Var.Validate(); err != nil {
		return nil, err
	}
	if cfg.Var.Type.Kind() != ads.KindInt && cfg.Var.Type.Kind() != ads.KindUint {
		return nil, fmt.Errorf("select %q: variable must be an integer type, got %s", cfg.Name, cfg.Var.Type)
	}
	if len(cfg.Options) == 0 {
		return nil, fmt.Errorf("select %q: no options", cfg.Name)
	}

	s := &Select{spec: cfg.Var, options: append([]string(nil), cfg.Options...)}
	s.init(hub, KindSelect, entityID(cfg.ID, cfg.Var), cfg.Name)

	err := s.track(cfg.Var, true, func(v ads.Value) {
		idx := int(v.Int())
		if v.Type().Kind() == ads.KindUint {
			idx = int(v.Uint())
		}
		s.attrs["index"] = idx
		if idx >= 0 && idx < len(s.options) {
			s.state = s.options[idx]
		} else {
			s.state = nil
			s.lastErr = fmt.Errorf("select index %d out of range 0-%d", idx, len(s.options)-1)
		}
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Options returns the configured option list.
func (s *Select) Options() []string {
	return append([]string(nil), s.options...)
}

// Current returns the selected option, or "" when the index is out of
// range or nothing has been delivered yet.
func (s *Select) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opt, _ := s.state.(string)
	return opt
}

// SelectOption writes the index of the named option.
func (s *Select) SelectOption(option string) error {
	for i, opt := range s.options {
		if opt == option {
			v, err := ads.NewValue(s.spec.Type, i)
			if err != nil {
				return err
			}
			return s.write(s.spec, v)
		}
	}
	return fmt.Errorf("%s: unknown option %q", s.id, option)
}
