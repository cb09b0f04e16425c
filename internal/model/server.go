package model

import (
	"encoding/json"
	"fmt"
)

type ProtocolType string

const (
	ProtocolVmess  ProtocolType = "vmess"
	ProtocolVless  ProtocolType = "vless"
	ProtocolSS     ProtocolType = "ss"
	ProtocolTrojan ProtocolType = "trojan"
)

// ParseProtocolType maps a wire tag to a ProtocolType. The set is closed.
func ParseProtocolType(s string) (ProtocolType, bool) {
	switch ProtocolType(s) {
	case ProtocolVmess, ProtocolVless, ProtocolSS, ProtocolTrojan:
		return ProtocolType(s), true
	default:
		return "", false
	}
}

// Payload is the protocol-specific part of a ServerRow. The implementations
// in this package are the only ones; type switches over Payload are
// exhaustive.
type Payload interface {
	Protocol() ProtocolType
	Endpoint() (address string, port Port)
	isPayload()
}

// ServerRow is one entry of the persisted server list.
type ServerRow struct {
	ID       string       `json:"id"`
	Name     string       `json:"ps"`
	On       int          `json:"on"`
	Type     ProtocolType `json:"type"`
	Host     string       `json:"host"`
	Security string       `json:"scy"`
	Hash     string       `json:"hash"`
	Data     Payload      `json:"data"`
}

// HostOf renders "<address>:<port>" exactly, without IPv6 bracketing.
func HostOf(p Payload) string {
	addr, port := p.Endpoint()
	return addr + ":" + port.Text()
}

func (r *ServerRow) UnmarshalJSON(b []byte) error {
	type rowAlias ServerRow
	var aux struct {
		rowAlias
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	row := ServerRow(aux.rowAlias)

	var p Payload
	switch row.Type {
	case ProtocolVmess:
		p = &VmessPayload{}
	case ProtocolVless:
		p = &VlessPayload{}
	case ProtocolSS:
		p = &SsPayload{}
	case ProtocolTrojan:
		p = &TrojanPayload{}
	default:
		return fmt.Errorf("server row %q: unknown type %q", row.ID, row.Type)
	}
	if len(aux.Data) > 0 {
		if err := json.Unmarshal(aux.Data, p); err != nil {
			return fmt.Errorf("server row %q: decode %s data: %w", row.ID, row.Type, err)
		}
	}
	row.Data = derefPayload(p)
	*r = row
	return nil
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *VmessPayload:
		return *v
	case *VlessPayload:
		return *v
	case *SsPayload:
		return *v
	case *TrojanPayload:
		return *v
	default:
		return p
	}
}
