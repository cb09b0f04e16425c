package uri

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/John-Robertt/subimport/internal/sub/ss"
)

func vmessLink(t *testing.T, obj map[string]any) string {
	t.Helper()
	b, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(b)
}

func TestParseURI_Vmess(t *testing.T) {
	link := vmessLink(t, map[string]any{
		"v": "2", "ps": "hk-01", "add": "hk.example.com", "port": "443",
		"id": "b831381d-6324-4d53-ad4f-8cda48b30811", "aid": "0",
		"net": "ws", "type": "none", "host": "cdn.example.com", "path": "/ray",
		"tls": "tls", "scy": "aes-128-gcm", "fp": "firefox",
	})

	d, err := ParseURI("", 1, link)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["type"] != "vmess" {
		t.Fatalf("type=%v, want=vmess", d["type"])
	}
	if d["name"] != "hk-01" || d["server"] != "hk.example.com" {
		t.Fatalf("name/server=%v/%v", d["name"], d["server"])
	}
	if d["port"] != "443" {
		t.Fatalf("port=%v, want=443", d["port"])
	}
	if d["uuid"] != "b831381d-6324-4d53-ad4f-8cda48b30811" || d["network"] != "ws" || d["cipher"] != "aes-128-gcm" {
		t.Fatalf("uuid/network/cipher=%v/%v/%v", d["uuid"], d["network"], d["cipher"])
	}
	if d["tls"] != true {
		t.Fatalf("tls=%v, want=true", d["tls"])
	}
	ws, ok := d["ws-opts"].(map[string]any)
	if !ok || ws["host"] != "cdn.example.com" || ws["path"] != "/ray" {
		t.Fatalf("ws-opts=%v", d["ws-opts"])
	}
}

func TestParseURI_VmessNumericPortAndNoTLS(t *testing.T) {
	link := vmessLink(t, map[string]any{"add": "1.2.3.4", "port": 8443, "id": "u", "tls": ""})
	d, err := ParseURI("", 1, link)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, ok := d["port"].(json.Number); !ok || n.String() != "8443" {
		t.Fatalf("port=%#v, want json.Number 8443", d["port"])
	}
	if _, ok := d["tls"]; ok {
		t.Fatalf("tls should be absent")
	}
	if _, ok := d["ws-opts"]; ok {
		t.Fatalf("ws-opts should be absent")
	}
}

func TestParseURI_Vless(t *testing.T) {
	link := "vless://b831381d-6324-4d53-ad4f-8cda48b30811@example.com:443?type=tcp&security=reality&encryption=none&fp=chrome&flow=xtls-rprx-vision&pbk=PUBKEY&sid=ab12&spx=%2F#JP%20Reality"
	d, err := ParseURI("", 1, link)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{
		"type":    "vless",
		"name":    "JP Reality",
		"server":  "example.com",
		"port":    float64(443),
		"uuid":    "b831381d-6324-4d53-ad4f-8cda48b30811",
		"network": "tcp",
		"cipher":  "none",
		"fp":      "chrome",
		"flow":    "xtls-rprx-vision",
		"pbk":     "PUBKEY",
		"sid":     "ab12",
		"spx":     "/",
	}
	for k, v := range want {
		if d[k] != v {
			t.Fatalf("%s=%v, want=%v", k, d[k], v)
		}
	}
	if _, ok := d["host"]; ok {
		t.Fatalf("host should be absent")
	}
}

func TestParseURI_Trojan(t *testing.T) {
	link := "trojan://secret@[2001:db8::1]:443?type=ws&host=cdn.example.com&path=%2Fws&security=tls#tj"
	d, err := ParseURI("", 1, link)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["type"] != "trojan" || d["password"] != "secret" || d["server"] != "2001:db8::1" {
		t.Fatalf("descriptor=%v", d)
	}
	if d["network"] != "ws" || d["host"] != "cdn.example.com" || d["path"] != "/ws" {
		t.Fatalf("transport=%v/%v/%v", d["network"], d["host"], d["path"])
	}
	if _, ok := d["uuid"]; ok {
		t.Fatalf("trojan descriptor should not carry uuid")
	}
}

func TestParseURI_SSDelegates(t *testing.T) {
	d, err := ParseURI("", 1, "ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["type"] != "ss" || d["cipher"] != "aes-128-gcm" {
		t.Fatalf("descriptor=%v", d)
	}
}

func TestParseURI_Errors(t *testing.T) {
	cases := map[string]string{
		"no scheme":       "example.com:443",
		"unknown scheme":  "hysteria2://pw@example.com:443",
		"vmess not b64":   "vmess://!!!",
		"vmess not json":  "vmess://" + base64.StdEncoding.EncodeToString([]byte("[1,2]")),
		"vless no user":   "vless://example.com:443",
		"trojan bad port": "trojan://pw@example.com:0",
		"trojan no host":  "trojan://pw@:443",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseURI("https://example.com/page", 4, line)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
			if pe.AppError.Stage != "parse_sub" || pe.AppError.Line != 4 {
				t.Fatalf("stage/line=%q/%d", pe.AppError.Stage, pe.AppError.Line)
			}
		})
	}
}

func TestParseLines_CollectsPerLineErrors(t *testing.T) {
	text := strings.Join([]string{
		"# header",
		"trojan://pw@a.example.com:443#a",
		"",
		"ss://!!!!",
		"  vless://id@b.example.com:443?encryption=none#b  ",
		"foo://bar",
	}, "\n")

	ds, errs := ParseLines("https://example.com/page", text)
	if len(ds) != 2 {
		t.Fatalf("descriptors=%d, want=2", len(ds))
	}
	if ds[0]["server"] != "a.example.com" || ds[1]["server"] != "b.example.com" {
		t.Fatalf("order=%v,%v", ds[0]["server"], ds[1]["server"])
	}
	if len(errs) != 2 {
		t.Fatalf("errors=%d, want=2", len(errs))
	}
	var sp *ss.ParseError
	if !errors.As(errs[0], &sp) || sp.AppError.Line != 4 {
		t.Fatalf("errs[0]=%T %v, want *ss.ParseError at line 4", errs[0], errs[0])
	}
	var up *ParseError
	if !errors.As(errs[1], &up) || up.AppError.Code != "SUB_UNSUPPORTED_SCHEME" || up.AppError.Line != 6 {
		t.Fatalf("errs[1]=%T %v", errs[1], errs[1])
	}
}

func TestParseLines_Base64List(t *testing.T) {
	raw := "trojan://pw@a.example.com:443#a\r\nss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#b\r\n"
	b64 := base64.StdEncoding.EncodeToString([]byte(raw))

	ds, errs := ParseLines("", b64[:20]+"\n"+b64[20:])
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(ds) != 2 || ds[0]["type"] != "trojan" || ds[1]["type"] != "ss" {
		t.Fatalf("descriptors=%v", ds)
	}
}

func TestParseLines_Empty(t *testing.T) {
	ds, errs := ParseLines("", " \n\t")
	if len(ds) != 0 || len(errs) != 0 {
		t.Fatalf("got %d descriptors, %d errors", len(ds), len(errs))
	}
}

func TestParseURI_VlessSecurityNotCarried(t *testing.T) {
	d, err := ParseURI("https://example.com/sub", 1, "vless://u@h.example:443?security=reality&sni=s.example&pbk=k&type=tcp#n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, k := range []string{"security", "sni"} {
		if _, ok := d[k]; ok {
			t.Fatalf("descriptor should not carry %q: %v", k, d)
		}
	}
	if d["pbk"] != "k" || d["network"] != "tcp" {
		t.Fatalf("descriptor = %v", d)
	}
}
