package render

import (
	"strconv"
	"strings"

	"github.com/John-Robertt/subimport/internal/model"
)

// surgeProxy renders one [Proxy] line. Surge has no vless support, and names
// it cannot quote are skipped.
func surgeProxy(r model.ServerRow) ([]string, bool) {
	name, ok := surgeProxyName(r.Name)
	if !ok {
		return nil, false
	}
	addr, port := r.Data.Endpoint()
	parts := []string{name + " = " + string(r.Type), addr, strconv.Itoa(port.Int())}

	switch p := r.Data.(type) {
	case model.VmessPayload:
		parts = append(parts, "username="+p.UserID)
		if p.TLS {
			parts = append(parts, "tls=true")
			if p.WSHost != "" {
				parts = append(parts, "sni="+p.WSHost)
			}
		}
		if aid, err := strconv.Atoi(strings.TrimSpace(p.AlterID)); err == nil && aid == 0 {
			parts = append(parts, "vmess-aead=true")
		}
		ws, ok := surgeWS(p.Network, p.WSHost, p.WSPath)
		if !ok {
			return nil, false
		}
		parts = append(parts, ws...)
	case model.SsPayload:
		parts = append(parts, "encrypt-method="+strings.ToLower(p.Cipher), "password="+p.Password)
	case model.TrojanPayload:
		parts = append(parts, "password="+p.Password)
		if p.Host != "" {
			parts = append(parts, "sni="+p.Host)
		}
		ws, ok := surgeWS(p.Network, p.Host, p.Path)
		if !ok {
			return nil, false
		}
		parts = append(parts, ws...)
	default:
		return nil, false
	}

	for _, s := range parts[1:] {
		if strings.ContainsAny(s, ",\r\n\x00") {
			return nil, false
		}
	}
	return []string{strings.Join(parts, ", ")}, true
}

// surgeWS maps the transport; only tcp and ws are representable.
func surgeWS(network, host, path string) ([]string, bool) {
	switch network {
	case "", "tcp", "raw":
		return nil, true
	case "ws":
		if path == "" {
			path = "/"
		}
		out := []string{"ws=true", "ws-path=" + path}
		if host != "" {
			out = append(out, "ws-headers=Host:"+host)
		}
		return out, true
	default:
		return nil, false
	}
}

func surgeProxyName(name string) (string, bool) {
	if strings.ContainsAny(name, "\r\n\x00\"=") {
		return "", false
	}
	if strings.Contains(name, ",") {
		return "\"" + name + "\"", true
	}
	return name, true
}

const managedConfigPrefix = "#!MANAGED-CONFIG"

// WithManagedConfig prefixes a Surge document with the managed-config line so
// the client refreshes it from exportURL once a day. Any existing
// managed-config line is replaced.
func WithManagedConfig(body, exportURL string) string {
	if strings.TrimSpace(exportURL) == "" || strings.ContainsAny(exportURL, " \r\n") {
		return body
	}
	lines := strings.Split(body, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), managedConfigPrefix) {
			kept = append(kept, l)
		}
	}
	return managedConfigPrefix + " " + exportURL + " interval=86400 strict=false\n" + strings.Join(kept, "\n")
}
