package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Port is a loosely parsed port number.
//
// vmess/vless keep a malformed port as "unset", which renders as "" both in
// JSON and in ServerRow.Host. ss/trojan never produce an unset Port; they fall
// back to 0 instead. Stored identity hashes depend on this encoding.
type Port struct {
	n   float64
	set bool
}

func PortOf(n float64) Port { return Port{n: n, set: true} }

func UnsetPort() Port { return Port{} }

func (p Port) IsSet() bool { return p.set }

// Int returns the port truncated to an int; 0 when unset.
func (p Port) Int() int {
	if !p.set {
		return 0
	}
	return int(p.n)
}

func (p Port) Text() string {
	if !p.set {
		return ""
	}
	return strconv.FormatFloat(p.n, 'f', -1, 64)
}

func (p Port) String() string { return p.Text() }

func (p Port) MarshalJSON() ([]byte, error) {
	if !p.set {
		return []byte(`""`), nil
	}
	if math.IsNaN(p.n) || math.IsInf(p.n, 0) {
		return nil, fmt.Errorf("port is not finite: %v", p.n)
	}
	return []byte(p.Text()), nil
}

func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte(`""`)) || bytes.Equal(b, []byte("null")) {
		*p = Port{}
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode port: %w", err)
	}
	*p = PortOf(n)
	return nil
}
