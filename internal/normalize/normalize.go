// Package normalize maps loosely-typed manifest descriptors onto the four
// protocol payloads and builds ServerRows from them.
package normalize

import (
	"errors"
	"fmt"

	"github.com/John-Robertt/subimport/internal/identity"
	"github.com/John-Robertt/subimport/internal/model"
)

// ErrUnsupportedType is returned for descriptors whose "type" is not one of
// vmess, vless, ss or trojan.
var ErrUnsupportedType = errors.New("unsupported protocol type")

type IDFunc func() string

type Normalizer struct {
	newID IDFunc
}

func New(newID IDFunc) *Normalizer {
	if newID == nil {
		panic("normalize: nil IDFunc")
	}
	return &Normalizer{newID: newID}
}

// Normalize turns one descriptor into an inactive ServerRow. Missing or
// malformed fields resolve to their protocol defaults; the only failures are
// an unknown "type" and a payload that cannot be hashed.
func (n *Normalizer) Normalize(d model.Descriptor) (model.ServerRow, error) {
	p, err := Payload(d)
	if err != nil {
		return model.ServerRow{}, err
	}
	hash, err := identity.Hash(p)
	if err != nil {
		return model.ServerRow{}, err
	}

	return model.ServerRow{
		ID:       n.newID(),
		Name:     str(d, "", "name"),
		On:       0,
		Type:     p.Protocol(),
		Host:     model.HostOf(p),
		Security: identity.Security(p),
		Hash:     hash,
		Data:     p,
	}, nil
}

// Payload dispatches on d["type"].
func Payload(d model.Descriptor) (model.Payload, error) {
	tag := text(d["type"])
	proto, ok := model.ParseProtocolType(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, tag)
	}
	switch proto {
	case model.ProtocolVmess:
		return Vmess(d), nil
	case model.ProtocolVless:
		return Vless(d), nil
	case model.ProtocolSS:
		return Shadowsocks(d), nil
	case model.ProtocolTrojan:
		return Trojan(d), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, tag)
	}
}

// foldNetwork maps the legacy "tcp" transport name to "raw".
func foldNetwork(network string) string {
	if network == "tcp" {
		return "raw"
	}
	return network
}

func Vmess(d model.Descriptor) model.VmessPayload {
	ws := nested(d, "ws-opts")
	return model.VmessPayload{
		Address:     str(d, "", "server"),
		Port:        port(d, false),
		UserID:      str(d, "", "uuid", "id"),
		AlterID:     str(d, "0", "alterId"),
		Network:     foldNetwork(str(d, "raw", "network")),
		Cipher:      str(d, "auto", "cipher"),
		WSHost:      str(ws, "", "host"),
		WSPath:      str(ws, "", "path"),
		Type:        str(d, "", "type"),
		Mode:        str(d, "", "mode"),
		TLS:         flag(d, "tls"),
		ALPN:        str(d, "", "alpn"),
		Fingerprint: str(d, "chrome", "fp"),
	}
}

func Vless(d model.Descriptor) model.VlessPayload {
	return model.VlessPayload{
		Address:     str(d, "", "server"),
		Port:        port(d, false),
		UserID:      str(d, "", "uuid", "id"),
		Network:     foldNetwork(str(d, "raw", "network")),
		Cipher:      str(d, "none", "cipher"),
		Host:        str(d, "", "host"),
		Path:        str(d, "", "path"),
		Mode:        str(d, "", "mode"),
		Extra:       str(d, "", "extra"),
		ALPN:        str(d, "", "alpn"),
		Fingerprint: str(d, "", "fp"),
		Flow:        str(d, "", "flow"),
		PublicKey:   str(d, "", "pbk"),
		ShortID:     str(d, "", "sid"),
		SpiderX:     str(d, "", "spx"),
	}
}

func Shadowsocks(d model.Descriptor) model.SsPayload {
	return model.SsPayload{
		Address:  str(d, "", "server"),
		Port:     port(d, true),
		Password: str(d, "", "password"),
		Cipher:   str(d, "", "cipher"),
	}
}

// Trojan keeps "tcp" as-is; only vmess/vless fold it.
func Trojan(d model.Descriptor) model.TrojanPayload {
	return model.TrojanPayload{
		Address:  str(d, "", "server"),
		Port:     port(d, true),
		Password: str(d, "", "password"),
		Network:  str(d, "", "network"),
		Security: "tls",
		Host:     str(d, "", "host"),
		Path:     str(d, "", "path"),
	}
}
