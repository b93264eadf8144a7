package ads

import (
	"fmt"
	"time"
)

// VariableSpec names one PLC symbol together with its declared data type.
// Symbol names are case-sensitive and dot-prefixed for globals
// (".myGlobalVar") or program-qualified ("MAIN.counter").
type VariableSpec struct {
	// Name is the symbolic path of the variable.
	Name string
	// Type is the declared PLC data type.
	Type Type
	// PollInterval selects fixed-interval polling at the given cadence.
	// Zero lets the scheduler prefer device change notifications, falling
	// back to the bridge default poll interval.
	PollInterval time.Duration
	// StringLength is the declared encoded size of a STRING variable
	// including the null terminator. Zero means DefaultStringLength.
	// Ignored for fixed-width types.
	StringLength int
}

// ByteLength returns the number of bytes to read for the variable.
func (s VariableSpec) ByteLength() int {
	if s.Type == TypeString {
		if s.StringLength > 0 {
			return s.StringLength
		}
		return DefaultStringLength
	}
	return s.Type.Size()
}

// Key returns the identity of the spec: the (name, type) pair. Two specs
// with the same key share handles, write serialization and subscriptions.
func (s VariableSpec) Key() string {
	return s.Name + "|" + s.Type.String()
}

// Validate checks that the spec is usable.
func (s VariableSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("variable spec: empty name")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("variable spec %q: invalid type", s.Name)
	}
	if s.PollInterval < 0 {
		return fmt.Errorf("variable spec %q: negative poll interval", s.Name)
	}
	return nil
}
