// Package render exports the stored server list in client formats.
package render

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/subimport/internal/model"
)

type Target string

const (
	TargetClash Target = "clash"
	TargetSurge Target = "surge"
	// TargetURI is a base64 share-link subscription, readable by the
	// HTML-path parser.
	TargetURI Target = "uri"
)

// Output is a rendered document. Rows the target cannot express are
// skipped and counted.
type Output struct {
	Body     string
	Rendered int
	Skipped  int
}

type RenderError struct {
	AppError model.AppError
	Cause    error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

func ParseTarget(s string) (Target, error) {
	switch t := Target(strings.ToLower(strings.TrimSpace(s))); t {
	case TargetClash, TargetSurge, TargetURI:
		return t, nil
	case "":
		return TargetURI, nil
	default:
		return "", unsupportedTarget(s)
	}
}

func unsupportedTarget(s string) error {
	return &RenderError{
		AppError: model.AppError{
			Code:    "UNSUPPORTED_TARGET",
			Message: fmt.Sprintf("不支持的 target：%s", s),
			Stage:   "render",
			Hint:    "expected: clash|surge|uri",
		},
	}
}

// Render renders rows in order. A row is skipped when its port is unset or
// the target has no equivalent for its protocol options.
func Render(target Target, rows []model.ServerRow) (Output, error) {
	var line func(model.ServerRow) ([]string, bool)
	switch target {
	case TargetClash:
		line = clashProxy
	case TargetSurge:
		line = surgeProxy
	case TargetURI:
		line = shareURI
	default:
		return Output{}, unsupportedTarget(string(target))
	}

	var out Output
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Data == nil || !portOK(r.Data) {
			out.Skipped++
			continue
		}
		ls, ok := line(r)
		if !ok {
			out.Skipped++
			continue
		}
		lines = append(lines, ls...)
		out.Rendered++
	}

	switch target {
	case TargetClash:
		if len(lines) == 0 {
			out.Body = "proxies: []\n"
		} else {
			out.Body = "proxies:\n" + strings.Join(lines, "\n") + "\n"
		}
	case TargetSurge:
		out.Body = "[Proxy]\n" + strings.Join(lines, "\n")
		if len(lines) > 0 {
			out.Body += "\n"
		}
	case TargetURI:
		out.Body = encodeURIList(lines)
	}
	return out, nil
}

func portOK(p model.Payload) bool {
	_, port := p.Endpoint()
	n := port.Int()
	return port.IsSet() && n >= 1 && n <= 65535
}
