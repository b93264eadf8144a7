package entity

import (
	"fmt"

	"adslink/ads"
)

// SensorConfig configures a read-only value entity.
type SensorConfig struct {
	ID   string
	Name string
	Var  ads.VariableSpec

	// Factor divides raw integer readings, for PLC programs that store
	// scaled values (e.g. temperature*10).
	Factor int

	// Unit is advertised to consumers, not interpreted here.
	Unit string
}

// Sensor exposes one PLC variable as a numeric or text state.
type Sensor struct {
	base
	spec   ads.VariableSpec
	factor int
	unit   string
}

func NewSensor(hub Hub, cfg SensorConfig) (*Sensor, error) {
	if err := cfg.Var.Validate(); err != nil {
		return nil, err
	}
	if cfg.Factor < 0 {
		return nil, fmt.Errorf("sensor %q: negative factor", cfg.Name)
	}
	s := &Sensor{spec: cfg.Var, factor: cfg.Factor, unit: cfg.Unit}
	s.init(hub, KindSensor, entityID(cfg.ID, cfg.Var), cfg.Name)
	if s.unit != "" {
		s.attrs["unit"] = s.unit
	}

	err := s.track(cfg.Var, true, func(v ads.Value) {
		if s.factor > 1 {
			if f, ok := v.Float64Value(); ok {
				s.state = f / float64(s.factor)
				return
			}
		}
		s.state = v.Interface()
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Unit returns the configured unit of measurement, if any.
func (s *Sensor) Unit() string { return s.unit }

// entityID falls back to the variable name when no explicit ID is set.
func entityID(id string, spec ads.VariableSpec) string {
	if id != "" {
		return id
	}
	return spec.Name
}
