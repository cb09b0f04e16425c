// Package uri turns a newline-separated list of vmess/vless/ss/trojan share
// links into manifest descriptors, one per line.
package uri

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/sub"
	"github.com/John-Robertt/subimport/internal/sub/ss"
)

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ParseLines parses every non-blank, non-comment line. A bad line yields an
// error in the second result and does not stop the rest. Text without any
// "://" is tried as a base64-encoded list first.
func ParseLines(sourceURL string, text string) ([]model.Descriptor, []error) {
	s := strings.TrimSpace(sub.StripUTF8BOM(text))
	if s == "" {
		return nil, nil
	}
	if !strings.Contains(s, "://") {
		if decoded, err := sub.DecodeBase64(sub.RemoveSpaceTabCRLF(s)); err == nil && utf8.Valid(decoded) {
			s = strings.TrimSpace(sub.StripUTF8BOM(string(decoded)))
		}
	}

	lines := strings.Split(s, "\n")
	out := make([]model.Descriptor, 0, len(lines))
	var errs []error
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := ParseURI(sourceURL, i+1, line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, d)
	}
	return out, errs
}

// ParseURI dispatches one share link on its scheme.
func ParseURI(sourceURL string, lineNo int, line string) (model.Descriptor, error) {
	scheme, _, ok := strings.Cut(line, "://")
	if !ok {
		return nil, newParseError(sourceURL, lineNo, line, "SUB_UNSUPPORTED_SCHEME", "无法识别的分享链接", "expected: vmess:// vless:// ss:// trojan://", nil)
	}
	proto, ok := model.ParseProtocolType(strings.ToLower(scheme))
	if !ok {
		return nil, newParseError(sourceURL, lineNo, line, "SUB_UNSUPPORTED_SCHEME", "不支持的协议: "+scheme, "expected: vmess:// vless:// ss:// trojan://", nil)
	}
	switch proto {
	case model.ProtocolVmess:
		return parseVmess(sourceURL, lineNo, line)
	case model.ProtocolSS:
		return ss.ParseURI(sourceURL, lineNo, line)
	default:
		return parseUserinfoURL(sourceURL, lineNo, proto, line)
	}
}

// parseVmess decodes the v2rayN form: vmess://base64(json).
func parseVmess(sourceURL string, lineNo int, line string) (model.Descriptor, error) {
	body := line[len("vmess://"):]
	// Some generators append a "#name" fragment after the payload.
	body, _, _ = strings.Cut(body, "#")
	raw, err := sub.DecodeBase64(sub.RemoveSpaceTabCRLF(body))
	if err != nil {
		return nil, newParseError(sourceURL, lineNo, line, "SUB_PARSE_ERROR", "vmess base64 解码失败", "", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, newParseError(sourceURL, lineNo, line, "SUB_PARSE_ERROR", "vmess 内容不是 JSON 对象", "", err)
	}

	d := model.Descriptor{"type": string(model.ProtocolVmess)}
	copyKeys(d, obj, map[string]string{
		"ps":   "name",
		"add":  "server",
		"port": "port",
		"id":   "uuid",
		"aid":  "alterId",
		"net":  "network",
		"scy":  "cipher",
		"mode": "mode",
		"alpn": "alpn",
		"fp":   "fp",
	})
	if tls, _ := obj["tls"].(string); strings.EqualFold(tls, "tls") {
		d["tls"] = true
	}
	ws := map[string]any{}
	copyKeys(ws, obj, map[string]string{"host": "host", "path": "path"})
	if len(ws) > 0 {
		d["ws-opts"] = ws
	}
	return d, nil
}

// parseUserinfoURL handles vless://uuid@host:port?... and
// trojan://password@host:port?... links.
func parseUserinfoURL(sourceURL string, lineNo int, proto model.ProtocolType, line string) (model.Descriptor, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, newParseError(sourceURL, lineNo, line, "SUB_PARSE_ERROR", string(proto)+" 链接格式不合法", "", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, newParseError(sourceURL, lineNo, line, "SUB_PARSE_ERROR", string(proto)+" 链接缺少凭据", "expected: "+string(proto)+"://<credential>@host:port", nil)
	}
	host := u.Hostname()
	if host == "" {
		return nil, newParseError(sourceURL, lineNo, line, "SUB_PARSE_ERROR", "服务器地址不能为空", "", nil)
	}

	d := model.Descriptor{
		"type":   string(proto),
		"name":   strings.TrimSpace(u.Fragment),
		"server": host,
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, newParseError(sourceURL, lineNo, line, "SUB_PARSE_ERROR", "端口不合法", "", err)
		}
		d["port"] = float64(n)
	}

	q := u.Query()
	credential := u.User.Username()
	if proto == model.ProtocolTrojan {
		d["password"] = credential
		copyQuery(d, q, map[string]string{
			"type": "network",
			"host": "host",
			"path": "path",
		})
		return d, nil
	}

	d["uuid"] = credential
	copyQuery(d, q, map[string]string{
		"type":       "network",
		"encryption": "cipher",
		"host":       "host",
		"path":       "path",
		"mode":       "mode",
		"extra":      "extra",
		"alpn":       "alpn",
		"fp":         "fp",
		"flow":       "flow",
		"pbk":        "pbk",
		"sid":        "sid",
		"spx":        "spx",
	})
	return d, nil
}

func copyKeys(dst, src map[string]any, keys map[string]string) {
	for from, to := range keys {
		if v, ok := src[from]; ok {
			dst[to] = v
		}
	}
}

func copyQuery(dst model.Descriptor, q url.Values, keys map[string]string) {
	for from, to := range keys {
		if v := q.Get(from); v != "" {
			dst[to] = v
		}
	}
}

func newParseError(sourceURL string, lineNo int, line string, code string, message string, hint string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   "parse_sub",
			URL:     sourceURL,
			Line:    lineNo,
			Snippet: sub.TruncateSnippet(line, 200),
			Hint:    hint,
		},
		Cause: cause,
	}
}
