package remote

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a candidate tunnel remote.
type Endpoint struct {
	Host string `yaml:"host" json:"host"`
	Port uint16 `yaml:"port" json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint parses "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", s)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: empty host", s)
	}
	return Endpoint{Host: host, Port: uint16(p)}, nil
}

var ErrNoEndpoints = errors.New("remote: no endpoints configured")

// Selector cycles over a fixed list of endpoints. Every call to Next moves
// to the following endpoint, wrapping at the end, so consecutive attempts
// never reuse a remote while another one is untried.
//
// Selector is not safe for concurrent use; the daemon loop owns it.
type Selector struct {
	endpoints []Endpoint
	next      int
}

// NewSelector copies endpoints; later changes to the caller's slice are not seen.
func NewSelector(endpoints []Endpoint) (*Selector, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return &Selector{endpoints: append([]Endpoint(nil), endpoints...)}, nil
}

func (s *Selector) Next() Endpoint {
	e := s.endpoints[s.next]
	s.next = (s.next + 1) % len(s.endpoints)
	return e
}

func (s *Selector) Len() int { return len(s.endpoints) }
