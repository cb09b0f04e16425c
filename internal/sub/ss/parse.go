// Package ss parses ss:// share links (SIP002 and the legacy all-base64 form)
// into manifest descriptors.
package ss

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/sub"
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

// ParseURI parses one ss:// link. The descriptor uses the JSON manifest
// vocabulary (server, port, cipher, password) so it normalizes like a
// manifest entry.
func ParseURI(sourceURL string, lineNo int, s string) (model.Descriptor, error) {
	// Split fragment first: #name
	withoutFrag, frag, hasFrag := strings.Cut(s, "#")
	name := ""
	if hasFrag {
		decoded, err := url.PathUnescape(frag)
		if err != nil {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "节点名称 URL 解码失败", "", err)
		}
		name = strings.TrimSpace(decoded)
		if strings.ContainsAny(name, "\r\n\x00") {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "节点名称包含非法控制字符", "forbidden: \\r \\n \\0", nil)
		}
	}

	withoutQuery, query, hasQuery := strings.Cut(withoutFrag, "?")
	pluginName, pluginOpts, err := parseQueryPlugin(sourceURL, lineNo, query, hasQuery, s)
	if err != nil {
		return nil, err
	}

	rest := strings.TrimPrefix(withoutQuery, "ss://")
	if rest == "" {
		return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "ss:// 后缺少内容", "", nil)
	}

	var method, password, server string
	var port int

	if strings.Contains(rest, "@") {
		// SIP002: <b64(method:password)>@<host>:<port>
		userB64, hostPart, ok := strings.Cut(rest, "@")
		if !ok || userB64 == "" || hostPart == "" {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "ss uri 格式不合法", "", nil)
		}

		hostPort := hostPart
		if idx := strings.IndexByte(hostPort, '/'); idx >= 0 {
			// Only allow empty path or a single trailing "/".
			if hostPort[idx:] != "/" {
				return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "ss uri path 不支持（仅允许空或 /）", "", nil)
			}
			hostPort = hostPort[:idx]
		}

		method, password, err = decodeMethodPassword(userB64)
		if err != nil {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "ss userinfo 解码失败", "", err)
		}
		server, port, err = parseHostPort(hostPort)
		if err != nil {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "服务器地址或端口不合法", "", err)
		}
	} else {
		// Legacy: ss://<b64(method:password@host:port)>
		decoded, err := sub.DecodeBase64(rest)
		if err != nil {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "ss base64 解码失败", "", err)
		}
		if !utf8.Valid(decoded) {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "ss base64 解码结果不是合法 UTF-8", "", nil)
		}
		plain := string(decoded)

		at := strings.LastIndex(plain, "@")
		if at < 0 {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "ss base64 解码结果缺少 @ 分隔符", "", nil)
		}
		method, password, err = splitMethodPassword(plain[:at])
		if err != nil {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "ss base64 解码结果缺少 cipher:password", "", err)
		}
		server, port, err = parseHostPort(plain[at+1:])
		if err != nil {
			return nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(s, 200), "SUB_PARSE_ERROR", "服务器地址或端口不合法", "", err)
		}
	}

	d := model.Descriptor{
		"type":     string(model.ProtocolSS),
		"name":     name,
		"server":   server,
		"port":     float64(port),
		"cipher":   method,
		"password": password,
	}
	if pluginName != "" {
		d["plugin"] = pluginName
		d["plugin-opts"] = pluginOpts
	}
	return d, nil
}

// parseQueryPlugin extracts the SIP002 "plugin" parameter. Other parameters
// are ignored.
func parseQueryPlugin(sourceURL string, lineNo int, query string, hasQuery bool, fullLine string) (string, map[string]any, error) {
	if !hasQuery || query == "" {
		return "", nil, nil
	}

	// net/url.ParseQuery rejects non-URL-encoded semicolons, but SIP002 plugin
	// uses semicolons inside the "plugin" value. So we parse query manually and
	// only support '&' as separator.
	var pluginValue *string
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		kRaw, vRaw, _ := strings.Cut(part, "=")
		k, err := url.PathUnescape(kRaw)
		if err != nil || k != "plugin" {
			continue
		}
		v, err := url.PathUnescape(vRaw)
		if err != nil {
			return "", nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(fullLine, 200), "SUB_PARSE_ERROR", "plugin 参数解码失败", "", err)
		}
		if pluginValue != nil {
			return "", nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(fullLine, 200), "SUB_PARSE_ERROR", "重复的 plugin 参数", "", nil)
		}
		pluginValue = &v
	}
	if pluginValue == nil || strings.TrimSpace(*pluginValue) == "" {
		return "", nil, nil
	}

	segs := strings.Split(*pluginValue, ";")
	pluginName := strings.TrimSpace(segs[0])
	if pluginName == "" {
		return "", nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(fullLine, 200), "SUB_PARSE_ERROR", "plugin 名称不能为空", "", nil)
	}
	opts := make(map[string]any, len(segs)-1)
	for _, seg := range segs[1:] {
		if seg == "" {
			continue
		}
		k, v, ok := strings.Cut(seg, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return "", nil, newParseError(sourceURL, lineNo, sub.TruncateSnippet(fullLine, 200), "SUB_PARSE_ERROR", "plugin 选项 key 不能为空", "", nil)
		}
		if !ok {
			// Bare flags such as "tls" in v2ray-plugin options.
			opts[k] = true
			continue
		}
		opts[k] = v
	}
	return pluginName, opts, nil
}

func parseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	portInt, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return "", 0, err
	}
	if portInt < 1 || portInt > 65535 {
		return "", 0, errors.New("port out of range")
	}
	return host, portInt, nil
}

func decodeMethodPassword(userInfo string) (string, string, error) {
	// Some clients emit SIP002 userinfo as percent-encoded plain text
	// (AEAD-2022 ciphers) instead of base64.
	if plain, err := url.PathUnescape(userInfo); err == nil && strings.Contains(plain, ":") {
		return splitMethodPassword(plain)
	}
	decoded, err := sub.DecodeBase64(userInfo)
	if err != nil {
		return "", "", err
	}
	if !utf8.Valid(decoded) {
		return "", "", errors.New("decoded method:password is not valid utf-8")
	}
	return splitMethodPassword(string(decoded))
}

func splitMethodPassword(s string) (string, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return "", "", errors.New("missing ':'")
	}
	method := strings.TrimSpace(s[:colon])
	password := strings.TrimSpace(s[colon+1:])
	if method == "" || password == "" {
		return "", "", errors.New("empty method or password")
	}
	if strings.ContainsAny(method, "\r\n\x00") || strings.ContainsAny(password, "\r\n\x00") {
		return "", "", errors.New("control chars in method/password")
	}
	return method, password, nil
}

func newParseError(sourceURL string, lineNo int, snippet string, code string, message string, hint string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   "parse_sub",
			URL:     sourceURL,
			Line:    lineNo,
			Snippet: snippet,
			Hint:    hint,
		},
		Cause: cause,
	}
}
