package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/John-Robertt/subimport/internal/identity"
	"github.com/John-Robertt/subimport/internal/model"
)

// Manifest values are untyped JSON. A value is "absent" when it is nil, "",
// 0, NaN or false; every other value, including empty lists and objects,
// counts as present and is rendered to text.

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	default:
		return true
	}
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, text(item))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(x, ",")
	default:
		b, err := identity.Canonical(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// str returns the text of the first present key, or fallback.
func str(d model.Descriptor, fallback string, keys ...string) string {
	for _, k := range keys {
		if v, ok := d[k]; ok && present(v) {
			return text(v)
		}
	}
	return fallback
}

func flag(d model.Descriptor, key string) bool {
	return present(d[key])
}

func nested(d model.Descriptor, key string) model.Descriptor {
	m, _ := d[key].(map[string]any)
	return m
}

// number converts loosely typed input to a float: booleans count as 0/1,
// blank strings as 0, unsigned "0x"/"0b"/"0o" literals as hex/binary/octal.
// NaN is never ok.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case float64:
		return x, !math.IsNaN(x)
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, true
		}
		if len(s) > 2 && s[0] == '0' {
			if base, ok := radix[s[1]]; ok {
				n, err := strconv.ParseUint(s[2:], base, 64)
				return float64(n), err == nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

var radix = map[byte]int{'x': 16, 'X': 16, 'b': 2, 'B': 2, 'o': 8, 'O': 8}

// port parses d["port"]. Zero, non-numeric and non-finite values resolve to
// the protocol fallback: unset for vmess/vless, 0 for ss/trojan.
func port(d model.Descriptor, zeroFallback bool) model.Port {
	n, ok := number(d["port"])
	if !ok || n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		if zeroFallback {
			return model.PortOf(0)
		}
		return model.UnsetPort()
	}
	return model.PortOf(n)
}
