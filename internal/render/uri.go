package render

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/John-Robertt/subimport/internal/model"
)

// vmessShare is the v2rayN "vmess://base64(json)" body.
type vmessShare struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port string `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Scy  string `json:"scy,omitempty"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host,omitempty"`
	Path string `json:"path,omitempty"`
	TLS  string `json:"tls"`
	ALPN string `json:"alpn,omitempty"`
	FP   string `json:"fp,omitempty"`
	Mode string `json:"mode,omitempty"`
}

func shareURI(r model.ServerRow) ([]string, bool) {
	addr, port := r.Data.Endpoint()
	hostport := net.JoinHostPort(addr, strconv.Itoa(port.Int()))

	switch p := r.Data.(type) {
	case model.VmessPayload:
		v := vmessShare{
			V: "2", PS: r.Name, Add: addr, Port: port.Text(), ID: p.UserID, Aid: p.AlterID,
			Scy: p.Cipher, Net: p.Network, Type: "none", Host: p.WSHost, Path: p.WSPath,
			ALPN: p.ALPN, FP: p.Fingerprint, Mode: p.Mode,
		}
		if v.Aid == "" {
			v.Aid = "0"
		}
		if p.TLS {
			v.TLS = "tls"
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		return []string{"vmess://" + base64.StdEncoding.EncodeToString(b)}, true
	case model.VlessPayload:
		q := url.Values{}
		setQuery(q, "type", p.Network)
		setQuery(q, "encryption", p.Cipher)
		if r.Security == "tls" || r.Security == "reality" {
			q.Set("security", r.Security)
		}
		setQuery(q, "host", p.Host)
		setQuery(q, "path", p.Path)
		setQuery(q, "mode", p.Mode)
		setQuery(q, "extra", p.Extra)
		setQuery(q, "alpn", p.ALPN)
		setQuery(q, "fp", p.Fingerprint)
		setQuery(q, "flow", p.Flow)
		setQuery(q, "pbk", p.PublicKey)
		setQuery(q, "sid", p.ShortID)
		setQuery(q, "spx", p.SpiderX)
		return []string{userinfoURI("vless", p.UserID, hostport, q, r.Name)}, true
	case model.SsPayload:
		userinfo := base64.RawURLEncoding.EncodeToString([]byte(p.Cipher + ":" + p.Password))
		u := url.URL{Scheme: "ss", User: url.User(userinfo), Host: hostport, Fragment: r.Name}
		return []string{u.String()}, true
	case model.TrojanPayload:
		q := url.Values{}
		setQuery(q, "type", p.Network)
		setQuery(q, "security", p.Security)
		setQuery(q, "host", p.Host)
		setQuery(q, "sni", p.Host)
		setQuery(q, "path", p.Path)
		return []string{userinfoURI("trojan", p.Password, hostport, q, r.Name)}, true
	default:
		return nil, false
	}
}

func userinfoURI(scheme, credential, hostport string, q url.Values, name string) string {
	u := url.URL{Scheme: scheme, User: url.User(credential), Host: hostport, RawQuery: q.Encode(), Fragment: name}
	return u.String()
}

func setQuery(q url.Values, k, v string) {
	if v = strings.TrimSpace(v); v != "" {
		q.Set(k, v)
	}
}

func encodeURIList(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(lines, "\n")))
}
