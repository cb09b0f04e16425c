package render

import (
	"strconv"
	"strings"

	"github.com/John-Robertt/subimport/internal/model"
)

func clashProxy(r model.ServerRow) ([]string, bool) {
	addr, port := r.Data.Endpoint()
	lines := []string{
		"  - name: " + yamlDQ(r.Name),
		"    type: " + string(r.Type),
		"    server: " + yamlDQ(addr),
		"    port: " + strconv.Itoa(port.Int()),
	}

	switch p := r.Data.(type) {
	case model.VmessPayload:
		aid, err := strconv.Atoi(strings.TrimSpace(p.AlterID))
		if err != nil || aid < 0 {
			aid = 0
		}
		cipher := p.Cipher
		if cipher == "" {
			cipher = "auto"
		}
		lines = append(lines,
			"    uuid: "+yamlDQ(p.UserID),
			"    alterId: "+strconv.Itoa(aid),
			"    cipher: "+yamlDQ(cipher),
		)
		if p.TLS {
			lines = append(lines, "    tls: true")
		}
		lines = append(lines, clashCommon(p.ALPN, p.Fingerprint, p.WSHost)...)
		lines = append(lines, clashTransport(p.Network, p.WSHost, p.WSPath)...)
	case model.VlessPayload:
		lines = append(lines, "    uuid: "+yamlDQ(p.UserID))
		if p.Flow != "" {
			lines = append(lines, "    flow: "+yamlDQ(p.Flow))
		}
		switch r.Security {
		case "tls":
			lines = append(lines, "    tls: true")
		case "reality":
			lines = append(lines,
				"    tls: true",
				"    reality-opts:",
				"      public-key: "+yamlDQ(p.PublicKey),
				"      short-id: "+yamlDQ(p.ShortID),
			)
		}
		lines = append(lines, clashCommon(p.ALPN, p.Fingerprint, p.Host)...)
		lines = append(lines, clashTransport(p.Network, p.Host, p.Path)...)
	case model.SsPayload:
		lines = append(lines,
			"    cipher: "+yamlDQ(strings.ToLower(p.Cipher)),
			// Always quote password to avoid YAML treating it as number.
			"    password: "+yamlDQ(p.Password),
		)
	case model.TrojanPayload:
		lines = append(lines, "    password: "+yamlDQ(p.Password))
		if p.Host != "" {
			lines = append(lines, "    sni: "+yamlDQ(p.Host))
		}
		lines = append(lines, clashTransport(p.Network, p.Host, p.Path)...)
	default:
		return nil, false
	}
	return lines, true
}

func clashCommon(alpn, fp, sni string) []string {
	var lines []string
	if sni != "" {
		lines = append(lines, "    servername: "+yamlDQ(sni))
	}
	if alpn != "" {
		lines = append(lines, "    alpn:")
		for _, a := range strings.Split(alpn, ",") {
			if a = strings.TrimSpace(a); a != "" {
				lines = append(lines, "      - "+yamlDQ(a))
			}
		}
	}
	if fp != "" {
		lines = append(lines, "    client-fingerprint: "+yamlDQ(fp))
	}
	return lines
}

func clashTransport(network, host, path string) []string {
	switch network {
	case "ws":
		lines := []string{"    network: ws", "    ws-opts:"}
		if path == "" {
			path = "/"
		}
		lines = append(lines, "      path: "+yamlDQ(path))
		if host != "" {
			lines = append(lines, "      headers:", "        Host: "+yamlDQ(host))
		}
		return lines
	case "grpc":
		return []string{"    network: grpc", "    grpc-opts:", "      grpc-service-name: " + yamlDQ(path)}
	default:
		return nil
	}
}

func yamlDQ(s string) string {
	// Minimal YAML double-quoted scalar escaping.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return "\"" + s + "\""
}
