package entity

import (
	"fmt"

	"adslink/ads"
)

// Cover states.
const (
	CoverOpen   = "open"
	CoverClosed = "closed"
)

// CoverConfig configures a cover. At least one of PositionVar and
// IsClosedVar must be set; command variables are optional pulse BOOLs.
type CoverConfig struct {
	ID   string
	Name string

	// PositionVar tracks the 0-100 position.
	PositionVar *ads.VariableSpec

	// IsClosedVar tracks the closed end switch.
	IsClosedVar *ads.VariableSpec

	// SetPositionVar accepts a 0-100 position command.
	SetPositionVar *ads.VariableSpec

	OpenVar  *ads.VariableSpec
	CloseVar *ads.VariableSpec
	StopVar  *ads.VariableSpec
}

// Cover mirrors position or end-switch state and drives pulse commands.
type Cover struct {
	base
	position    *ads.VariableSpec
	isClosed    *ads.VariableSpec
	setPosition *ads.VariableSpec
	open        *ads.VariableSpec
	close       *ads.VariableSpec
	stop        *ads.VariableSpec
}

func NewCover(hub Hub, cfg CoverConfig) (*Cover, error) {
	if cfg.PositionVar == nil && cfg.IsClosedVar == nil {
		return nil, fmt.Errorf("cover %q: needs a position or is-closed variable", cfg.Name)
	}
	for _, bv := range []*ads.VariableSpec{cfg.IsClosedVar, cfg.OpenVar, cfg.CloseVar, cfg.StopVar} {
		if bv == nil {
			continue
		}
		if err := bv.Validate(); err != nil {
			return nil, err
		}
		if bv.Type != ads.TypeBool {
			return nil, fmt.Errorf("cover %q: %s must be bool, got %s", cfg.Name, bv.Name, bv.Type)
		}
	}
	if sp := cfg.SetPositionVar; sp != nil {
		if err := sp.Validate(); err != nil {
			return nil, err
		}
		if sp.Type.Kind() != ads.KindInt && sp.Type.Kind() != ads.KindUint {
			return nil, fmt.Errorf("cover %q: set-position variable must be numeric, got %s", cfg.Name, sp.Type)
		}
	}

	c := &Cover{
		position:    cfg.PositionVar,
		isClosed:    cfg.IsClosedVar,
		setPosition: cfg.SetPositionVar,
		open:        cfg.OpenVar,
		close:       cfg.CloseVar,
		stop:        cfg.StopVar,
	}

	primary := cfg.IsClosedVar
	if cfg.PositionVar != nil {
		if err := cfg.PositionVar.Validate(); err != nil {
			return nil, err
		}
		primary = cfg.PositionVar
	}
	c.init(hub, KindCover, entityID(cfg.ID, *primary), cfg.Name)

	if c.position != nil {
		err := c.track(*c.position, true, func(v ads.Value) {
			if f, ok := v.Float64Value(); ok {
				pos := int(f)
				c.attrs["position"] = pos
				if c.isClosed == nil {
					c.state = coverState(pos > 0)
				}
			}
		})
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	if c.isClosed != nil {
		err := c.track(*c.isClosed, c.position == nil, func(v ads.Value) {
			c.state = coverState(!v.Bool())
		})
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func coverState(open bool) string {
	if open {
		return CoverOpen
	}
	return CoverClosed
}

// HasPosition reports whether the cover tracks a position variable.
func (c *Cover) HasPosition() bool { return c.position != nil }

// CanSetPosition reports whether the cover accepts position commands.
func (c *Cover) CanSetPosition() bool { return c.setPosition != nil }

// Position returns the mirrored 0-100 position, or -1 when unknown.
func (c *Cover) Position() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.attrs["position"].(int); ok {
		return p
	}
	return -1
}

// Open pulses the open command variable.
func (c *Cover) Open() error {
	if c.open == nil {
		return fmt.Errorf("%s: cover has no open variable", c.id)
	}
	return c.write(*c.open, ads.Bool(true))
}

// CloseCover pulses the close command variable.
func (c *Cover) CloseCover() error {
	if c.close == nil {
		return fmt.Errorf("%s: cover has no close variable", c.id)
	}
	return c.write(*c.close, ads.Bool(true))
}

// Stop pulses the stop command variable.
func (c *Cover) Stop() error {
	if c.stop == nil {
		return fmt.Errorf("%s: cover has no stop variable", c.id)
	}
	return c.write(*c.stop, ads.Bool(true))
}

// SetPosition writes a 0-100 position command.
func (c *Cover) SetPosition(pos int) error {
	if c.setPosition == nil {
		return fmt.Errorf("%s: cover has no set-position variable", c.id)
	}
	if pos < 0 || pos > 100 {
		return fmt.Errorf("%s: position %d out of range 0-100", c.id, pos)
	}
	v, err := ads.NewValue(c.setPosition.Type, pos)
	if err != nil {
		return err
	}
	return c.write(*c.setPosition, v)
}
