// Package fetch retrieves subscription documents over http(s), optionally
// through an HTTP or SOCKS5 proxy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/proxy"

	"github.com/John-Robertt/subimport/internal/model"
)

const stage = "fetch_sub"

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBytes     = 5 * 1024 * 1024
	DefaultMaxRedirects = 5
	DefaultUserAgent    = "subimport/1.0"
)

type Options struct {
	Timeout      time.Duration // default 15s
	MaxBytes     int64         // default 5 MiB, applies to the decoded body
	MaxRedirects int           // default 5
	// ProxyURL is used only for requests with UseProxy set.
	// Supported schemes: http, https, socks5, socks5h.
	ProxyURL  string
	UserAgent string
}

type Request struct {
	URL      string
	UseProxy bool
	// HTML bodies are transcoded to UTF-8 from the declared charset; other
	// bodies must already be UTF-8.
	HTML bool
}

type Response struct {
	URL         string // final URL after redirects
	Status      int
	ContentType string
	Body        string
}

type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

// Client binds Options so callers can depend on a single-method interface.
type Client struct {
	Options Options
}

func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	return Fetch(ctx, req, c.Options)
}

func Fetch(ctx context.Context, r Request, opt Options) (Response, error) {
	rawURL := r.URL
	fail := func(status int, code, msg string, cause error) (Response, error) {
		return Response{}, &FetchError{
			Status: status,
			AppError: model.AppError{
				Code:    code,
				Message: msg,
				Stage:   stage,
				URL:     rawURL,
			},
			Cause: cause,
		}
	}

	timeout := opt.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	maxRedirects := opt.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = DefaultMaxRedirects
	}
	maxBytes := opt.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxBytes <= 0 {
		return fail(http.StatusBadRequest, "INVALID_ARGUMENT", "响应大小上限必须大于 0", nil)
	}
	userAgent := opt.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fail(http.StatusBadRequest, "INVALID_ARGUMENT", "仅允许 http/https URL", errors.Join(errInvalidURLOrScheme, err))
	}

	transport, err := newTransport(r.UseProxy, opt.ProxyURL)
	if err != nil {
		return fail(http.StatusBadRequest, "INVALID_ARGUMENT", "代理配置不合法", err)
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// 1st redirect => len(via)==1, 5th redirect => len(via)==5.
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(http.StatusBadRequest, "INVALID_ARGUMENT", "请求 URL 不合法", err)
	}
	req.Header.Set("User-Agent", userAgent)
	// Setting Accept-Encoding disables the transport's transparent gzip, so
	// decoding happens in decodeBody for both codecs.
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		switch {
		case errors.Is(err, errTooManyRedirects):
			return fail(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("重定向次数超过上限（>%d）", maxRedirects), err)
		case errors.Is(err, errRedirectBadScheme):
			return fail(http.StatusBadRequest, "INVALID_ARGUMENT", "重定向目标仅允许 http/https", err)
		case isTimeout(err):
			return fail(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", err)
		default:
			return fail(http.StatusBadGateway, "FETCH_FAILED", "拉取远程资源失败", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode), nil)
	}

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return fail(http.StatusBadGateway, "FETCH_FAILED", "上游响应解压失败", err)
	}
	defer body.Close()

	contentType := resp.Header.Get("Content-Type")
	var src io.Reader = body
	if r.HTML {
		src, err = charset.NewReader(body, contentType)
		if err != nil {
			return fail(http.StatusUnprocessableEntity, "FETCH_INVALID_CHARSET", "无法识别页面字符集", err)
		}
	}

	// Read at most maxBytes+1 to detect overflow deterministically.
	data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return fail(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", err)
		}
		return fail(http.StatusBadGateway, "FETCH_FAILED", "读取上游响应失败", err)
	}
	if int64(len(data)) > maxBytes {
		return fail(http.StatusUnprocessableEntity, "TOO_LARGE", fmt.Sprintf("远程资源过大（>%d bytes）", maxBytes), nil)
	}
	if !utf8.Valid(data) {
		return fail(http.StatusUnprocessableEntity, "FETCH_INVALID_UTF8", "远程资源不是合法 UTF-8 文本", nil)
	}

	return Response{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: contentType,
		Body:        string(data),
	}, nil
}

func isTimeout(err error) bool {
	// Go may wrap errors (e.g. *url.Error).
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func newTransport(useProxy bool, proxyURL string) (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	if !useProxy {
		return t, nil
	}
	if strings.TrimSpace(proxyURL) == "" {
		return nil, errors.New("use_proxy is set but no proxy is configured")
	}
	pu, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	switch pu.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(pu)
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if pu.User != nil {
			pw, _ := pu.User.Password()
			auth = &proxy.Auth{User: pu.User.Username(), Password: pw}
		}
		dialer, err := proxy.SOCKS5("tcp", pu.Host, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", pu.Scheme)
	}
	return t, nil
}

func decodeBody(r io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", encoding)
	}
}
