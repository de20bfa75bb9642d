// Package states holds the value types shared between the daemon loop and
// its management clients.
package states

import (
	"encoding/json"
	"fmt"
)

// TargetState is the security posture a management client asked for.
type TargetState int

const (
	TargetUnsecured TargetState = iota
	TargetSecured
)

func (t TargetState) String() string {
	if t == TargetSecured {
		return "Secured"
	}
	return "Unsecured"
}

func (t TargetState) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TargetState) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "Secured":
		*t = TargetSecured
	case "Unsecured":
		*t = TargetUnsecured
	default:
		return fmt.Errorf("unknown target state %q", s)
	}
	return nil
}

// SecurityState is the only state ever shown to clients.
type SecurityState int

const (
	Unsecured SecurityState = iota
	Secured
)

func (s SecurityState) String() string {
	if s == Secured {
		return "Secured"
	}
	return "Unsecured"
}

func (s SecurityState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *SecurityState) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "Secured":
		*s = Secured
	case "Unsecured":
		*s = Unsecured
	default:
		return fmt.Errorf("unknown security state %q", v)
	}
	return nil
}

// TunnelState is what the daemon has observed about the tunnel process.
type TunnelState int

const (
	// NotRunning means no tunnel attempt is outstanding.
	NotRunning TunnelState = iota
	// Down means the process was launched but does not pass traffic yet.
	Down
	// Up means the tunnel is established.
	Up
)

func (t TunnelState) String() string {
	switch t {
	case Down:
		return "Down"
	case Up:
		return "Up"
	default:
		return "NotRunning"
	}
}

// SecurityState collapses NotRunning and Down into Unsecured so that
// clients cannot tell them apart.
func (t TunnelState) SecurityState() SecurityState {
	if t == Up {
		return Secured
	}
	return Unsecured
}
