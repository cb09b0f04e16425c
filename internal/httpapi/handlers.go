package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/John-Robertt/subimport/internal/ingest"
	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/render"
)

const maxImportBodyBytes = 1 << 20

type apiHandler struct {
	opt Options
}

type importRequestJSON struct {
	Subscriptions []model.Source `json:"subscriptions"`
}

type reportJSON struct {
	ingest.Report
	DurationMs int64           `json:"duration_ms"`
	Error      *model.AppError `json:"error,omitempty"`
}

type importResponseJSON struct {
	Reports []reportJSON `json:"reports"`
}

type serversResponseJSON struct {
	Count   int               `json:"count"`
	Servers []model.ServerRow `json:"servers"`
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}

func toReportJSON(r ingest.Report) reportJSON {
	out := reportJSON{Report: r, DurationMs: r.Duration.Milliseconds()}
	if r.Err != nil {
		_, app := classify(r.Err)
		if app.Source == "" {
			app.Source = r.Source
		}
		out.Error = &app
	}
	return out
}

// loadServers returns the stored rows, filtered by the optional ?type=.
// It writes the error response itself and reports false on failure.
func (h apiHandler) loadServers(w http.ResponseWriter, r *http.Request) ([]model.ServerRow, bool) {
	if h.opt.Servers == nil {
		WriteError(w, http.StatusServiceUnavailable, model.AppError{Code: "NOT_CONFIGURED", Message: "未配置存储", Stage: "persist"})
		return nil, false
	}
	var proto model.ProtocolType
	if t := strings.TrimSpace(r.URL.Query().Get("type")); t != "" {
		var ok bool
		if proto, ok = model.ParseProtocolType(t); !ok {
			writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "不支持的 type", "expected: vmess|vless|ss|trojan"))
			return nil, false
		}
	}

	rows, err := h.opt.Servers.Load(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, model.AppError{Code: "STORE_LOAD_FAILED", Message: "读取已保存的服务器列表失败", Stage: "persist", Hint: err.Error()})
		return nil, false
	}
	if proto != "" {
		rows = lo.Filter(rows, func(row model.ServerRow, _ int) bool { return row.Type == proto })
	}
	return rows, true
}

func (h apiHandler) handleServers(w http.ResponseWriter, r *http.Request) {
	rows, ok := h.loadServers(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, serversResponseJSON{Count: len(rows), Servers: rows})
}

// handleExport renders the stored list for a client (?target=clash|surge|uri).
func (h apiHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	target, err := render.ParseTarget(r.URL.Query().Get("target"))
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	rows, ok := h.loadServers(w, r)
	if !ok {
		return
	}
	out, err := render.Render(target, rows)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	body := out.Body
	if target == render.TargetSurge {
		body = render.WithManagedConfig(body, requestURL(r))
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Rendered-Count", strconv.Itoa(out.Rendered))
	w.Header().Set("X-Skipped-Count", strconv.Itoa(out.Skipped))
	WriteText(w, http.StatusOK, body)
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// handleImportAll imports the posted subscriptions, or every configured one
// when the body is empty. Per-source failures are reported inline with 200.
func (h apiHandler) handleImportAll(w http.ResponseWriter, r *http.Request) {
	if h.opt.Importer == nil {
		WriteError(w, http.StatusServiceUnavailable, model.AppError{Code: "NOT_CONFIGURED", Message: "未配置导入器", Stage: "import"})
		return
	}
	sources, err := parseImportPOST(r)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if sources == nil {
		sources = h.opt.Sources()
	}
	if len(sources) == 0 {
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "没有可导入的订阅", "post {\"subscriptions\":[...]} or configure subscriptions"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opt.ImportTimeout)
	defer cancel()
	reports := h.opt.Importer.ImportAll(ctx, sources)
	WriteJSON(w, http.StatusOK, importResponseJSON{
		Reports: lo.Map(reports, func(rep ingest.Report, _ int) reportJSON { return toReportJSON(rep) }),
	})
}

// handleImportOne imports one configured subscription; a failed import maps
// to the status of its error.
func (h apiHandler) handleImportOne(w http.ResponseWriter, r *http.Request) {
	if h.opt.Importer == nil {
		WriteError(w, http.StatusServiceUnavailable, model.AppError{Code: "NOT_CONFIGURED", Message: "未配置导入器", Stage: "import"})
		return
	}
	name := r.PathValue("name")
	src, ok := lo.Find(h.opt.Sources(), func(s model.Source) bool { return s.Name == name })
	if !ok {
		WriteError(w, http.StatusNotFound, model.AppError{Code: "NOT_FOUND", Message: "订阅不存在", Stage: "validate_request", Source: name})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opt.ImportTimeout)
	defer cancel()
	rep, err := h.opt.Importer.Import(ctx, src)
	status := http.StatusOK
	if err != nil {
		status, _ = classify(err)
	}
	WriteJSON(w, status, toReportJSON(rep))
}

// parseImportPOST returns nil sources for an empty body.
func parseImportPOST(r *http.Request) ([]model.Source, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBodyBytes+1))
	if err != nil {
		return nil, requestError("INVALID_ARGUMENT", "读取请求体失败", err.Error())
	}
	if len(body) > maxImportBodyBytes {
		return nil, apiError(http.StatusRequestEntityTooLarge, model.AppError{Code: "TOO_LARGE", Message: "请求体过大", Stage: "validate_request"}, nil)
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, nil
	}

	var req importRequestJSON
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, requestError("INVALID_ARGUMENT", "JSON body 解析失败", err.Error())
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return nil, requestError("INVALID_ARGUMENT", "JSON body 不允许多段", "")
	} else if !errors.Is(err, io.EOF) {
		return nil, requestError("INVALID_ARGUMENT", "JSON body 解析失败", err.Error())
	}

	if len(req.Subscriptions) == 0 {
		return nil, requestError("INVALID_ARGUMENT", "subscriptions 不能为空", "")
	}
	sources := make([]model.Source, 0, len(req.Subscriptions))
	for _, s := range req.Subscriptions {
		s.Name = strings.TrimSpace(s.Name)
		s.URL = strings.TrimSpace(s.URL)
		if s.URL == "" {
			return nil, requestError("INVALID_ARGUMENT", "url 不能为空", "")
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return nil, requestError("INVALID_ARGUMENT", "仅允许 http/https URL", s.URL)
		}
		if s.Name == "" {
			s.Name = s.URL
		}
		sources = append(sources, s)
	}
	return sources, nil
}
