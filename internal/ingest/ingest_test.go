package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/subimport/internal/fetch"
	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/store"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seqID() func() string {
	var n atomic.Int64
	return func() string { return "id-" + strconv.FormatInt(n.Add(1), 10) }
}

func newImporter(s store.Store, opt Options) *Importer {
	if opt.NewID == nil {
		opt.NewID = seqID()
	}
	if opt.Logger == nil {
		opt.Logger = quietLogger()
	}
	return New(&fetch.Client{}, s, opt)
}

// upstream serves fixed bodies by path.
func upstream(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".html") {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func ssJSON(server string, port int, name string) string {
	return fmt.Sprintf(`{"type":"ss","name":%q,"server":%q,"port":%d,"cipher":"aes-128-gcm","password":"pw"}`, name, server, port)
}

func manifest(servers ...string) string {
	return `{"servers":[` + strings.Join(servers, ",") + `]}`
}

type failingStore struct {
	*store.Memory
	saveErr error
}

func (f *failingStore) Save(ctx context.Context, rows []model.ServerRow) error {
	return f.saveErr
}

type recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recorder) ObserveImport(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func TestImport_JSONManifest(t *testing.T) {
	ts := upstream(t, map[string]string{
		"/sub.json": manifest(
			ssJSON("a.example.com", 1, "A"),
			`{"type":"unknown-foo","server":"x"}`,
			ssJSON("a.example.com", 1, "A renamed"),
			`{"type":"vless","server":"v.example.com","port":443,"uuid":"u","network":"tcp"}`,
			`null`,
		),
	})
	st := store.NewMemory()
	im := newImporter(st, Options{})

	r, err := im.Import(context.Background(), model.Source{Name: "feed", URL: ts.URL + "/sub.json"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if r.Format != FormatJSON || r.Found != 5 {
		t.Fatalf("format/found=%q/%d", r.Format, r.Found)
	}
	if r.New != 2 || r.Existing != 1 || r.Errors != 2 {
		t.Fatalf("new/exist/err=%d/%d/%d, want 2/1/2", r.New, r.Existing, r.Errors)
	}
	if !r.Saved {
		t.Fatalf("expected saved")
	}

	rows, _ := st.Load(context.Background())
	if len(rows) != 2 {
		t.Fatalf("stored rows=%d, want=2", len(rows))
	}
	if rows[0].Host != "a.example.com:1" || rows[0].Name != "A" || rows[0].On != 0 {
		t.Fatalf("row0=%+v", rows[0])
	}
	if rows[1].Type != model.ProtocolVless || rows[1].Data.(model.VlessPayload).Network != "raw" {
		t.Fatalf("row1=%+v", rows[1])
	}
}

func TestImport_IdempotentAndPrepends(t *testing.T) {
	pages := map[string]string{
		"/base.json": manifest(ssJSON("a", 1, "A"), ssJSON("b", 2, "B")),
		"/next.json": manifest(ssJSON("x", 3, "X"), ssJSON("a", 1, "A again"), ssJSON("y", 4, "Y")),
	}
	ts := upstream(t, pages)
	st := store.NewMemory()
	im := newImporter(st, Options{})
	ctx := context.Background()

	if _, err := im.Import(ctx, model.Source{Name: "base", URL: ts.URL + "/base.json"}); err != nil {
		t.Fatalf("import base: %v", err)
	}
	r, err := im.Import(ctx, model.Source{Name: "next", URL: ts.URL + "/next.json"})
	if err != nil {
		t.Fatalf("import next: %v", err)
	}
	if r.New != 2 || r.Existing != 1 {
		t.Fatalf("new/exist=%d/%d, want 2/1", r.New, r.Existing)
	}
	rows, _ := st.Load(ctx)
	var got []string
	for _, row := range rows {
		got = append(got, row.Name)
	}
	if strings.Join(got, ",") != "X,Y,A,B" {
		t.Fatalf("order=%v, want X,Y,A,B", got)
	}

	again, err := im.Import(ctx, model.Source{Name: "next", URL: ts.URL + "/next.json"})
	if err != nil {
		t.Fatalf("import again: %v", err)
	}
	if again.New != 0 || again.Existing != 3 || again.Saved {
		t.Fatalf("second run=%+v", again)
	}
	after, _ := st.Load(ctx)
	if len(after) != len(rows) || after[0].ID != rows[0].ID {
		t.Fatalf("stored list changed on idempotent run")
	}
}

func TestImport_FetchFailure(t *testing.T) {
	ts := upstream(t, nil)
	st := store.NewMemory()
	im := newImporter(st, Options{})

	r, err := im.Import(context.Background(), model.Source{Name: "gone", URL: ts.URL + "/missing"})
	var fe *fetch.FetchError
	if !errors.As(err, &fe) || fe.AppError.Stage != "fetch_sub" {
		t.Fatalf("err=%T %v, want *fetch.FetchError", err, err)
	}
	if !r.Failed() || r.Found != 0 {
		t.Fatalf("report=%+v", r)
	}
}

func TestImport_DecodeError(t *testing.T) {
	ts := upstream(t, map[string]string{"/bad.json": "<html>not json</html>"})
	im := newImporter(store.NewMemory(), Options{})

	_, err := im.Import(context.Background(), model.Source{Name: "bad", URL: ts.URL + "/bad.json"})
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%T %v, want *DecodeError", err, err)
	}
	if de.AppError.Stage != "decode_manifest" || de.AppError.Source != "bad" || de.AppError.Snippet == "" {
		t.Fatalf("app error=%+v", de.AppError)
	}
}

func TestImport_TrailingDataIsDecodeError(t *testing.T) {
	ts := upstream(t, map[string]string{"/two.json": `{"servers":[]} {}`})
	im := newImporter(store.NewMemory(), Options{})

	_, err := im.Import(context.Background(), model.Source{Name: "two", URL: ts.URL + "/two.json"})
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%T %v, want *DecodeError", err, err)
	}
}

func TestImport_UnsupportedManifest(t *testing.T) {
	for name, body := range map[string]string{
		"no servers":  `{"proxies":[]}`,
		"not a list":  `{"servers":{"a":1}}`,
		"array root":  `[1,2,3]`,
		"scalar root": `"hello"`,
	} {
		t.Run(name, func(t *testing.T) {
			ts := upstream(t, map[string]string{"/m.json": body})
			st := store.NewMemory()
			im := newImporter(st, Options{})

			r, err := im.Import(context.Background(), model.Source{Name: "m", URL: ts.URL + "/m.json"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !r.Unsupported || r.Found != 0 || r.Saved {
				t.Fatalf("report=%+v", r)
			}
		})
	}
}

func TestImport_HTML(t *testing.T) {
	long := "trojan://0123456789abcdef0123456789abcdef@t.example.com:443?type=ws&amp;host=cdn.example.com&amp;path=%2Fwebsocket#tj"
	broken := "vless://" + strings.Repeat("z", 90) + "@:443#no-host"
	short := "vmess://eyJhZGQiOiIxLjIuMy40In0="
	page := fmt.Sprintf("<html><body><p>%s</p><code>%s</code>\n<a href=\"%s\">x</a><p>%s</p></body></html>", long, short, broken, long)
	ts := upstream(t, map[string]string{"/page.html": page})
	st := store.NewMemory()
	im := newImporter(st, Options{})

	r, err := im.Import(context.Background(), model.Source{Name: "page", URL: ts.URL + "/page.html", IsHTML: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if r.Format != FormatHTML || r.Found != 2 {
		t.Fatalf("format/found=%q/%d, want html/2", r.Format, r.Found)
	}
	if r.New != 1 || r.Errors != 1 || !r.Saved {
		t.Fatalf("report=%+v", r)
	}
	rows, _ := st.Load(context.Background())
	if len(rows) != 1 {
		t.Fatalf("rows=%d", len(rows))
	}
	tj, ok := rows[0].Data.(model.TrojanPayload)
	if !ok || tj.Host != "cdn.example.com" || tj.Path != "/websocket" || rows[0].Security != "tls" {
		t.Fatalf("row=%+v", rows[0])
	}
}

func TestImport_HTMLNoLinks(t *testing.T) {
	ts := upstream(t, map[string]string{"/empty.html": "<html>nothing here</html>"})
	im := newImporter(store.NewMemory(), Options{})

	r, err := im.Import(context.Background(), model.Source{Name: "empty", URL: ts.URL + "/empty.html", IsHTML: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if r.Found != 0 || r.New != 0 || r.Saved {
		t.Fatalf("report=%+v", r)
	}
}

func TestImport_PersistFailureKeepsCounts(t *testing.T) {
	ts := upstream(t, map[string]string{"/sub.json": manifest(ssJSON("a", 1, "A"), ssJSON("b", 2, "B"))})
	saveErr := errors.New("disk full")
	im := newImporter(&failingStore{Memory: store.NewMemory(), saveErr: saveErr}, Options{})

	r, err := im.Import(context.Background(), model.Source{Name: "feed", URL: ts.URL + "/sub.json"})
	var pe *PersistError
	if !errors.As(err, &pe) {
		t.Fatalf("err=%T %v, want *PersistError", err, err)
	}
	if !errors.Is(err, saveErr) || pe.AppError.Stage != "persist" {
		t.Fatalf("persist error=%+v", pe.AppError)
	}
	if r.New != 2 || r.Saved {
		t.Fatalf("report=%+v", r)
	}
}

func TestImportAll_IsolatesFailuresAndKeepsOrder(t *testing.T) {
	ts := upstream(t, map[string]string{
		"/a.json": manifest(ssJSON("a", 1, "A")),
		"/c.json": manifest(ssJSON("c", 3, "C")),
	})
	rec := &recorder{}
	im := newImporter(store.NewMemory(), Options{Concurrency: 3, Observer: rec})

	reports := im.ImportAll(context.Background(), []model.Source{
		{Name: "a", URL: ts.URL + "/a.json"},
		{Name: "b", URL: ts.URL + "/b.json"},
		{Name: "c", URL: ts.URL + "/c.json"},
	})
	if len(reports) != 3 {
		t.Fatalf("reports=%d", len(reports))
	}
	for i, name := range []string{"a", "b", "c"} {
		if reports[i].Source != name {
			t.Fatalf("reports[%d].Source=%q, want %q", i, reports[i].Source, name)
		}
	}
	if reports[0].Failed() || !reports[1].Failed() || reports[2].Failed() {
		t.Fatalf("failed flags: %v %v %v", reports[0].Failed(), reports[1].Failed(), reports[2].Failed())
	}
	if reports[0].New != 1 || reports[2].New != 1 {
		t.Fatalf("new counts: %d %d", reports[0].New, reports[2].New)
	}
	if len(rec.reports) != 3 {
		t.Fatalf("observer saw %d reports", len(rec.reports))
	}
}

func TestImportAll_ConcurrentSourcesDoNotDoubleCount(t *testing.T) {
	var servers []string
	for i := 1; i <= 20; i++ {
		servers = append(servers, ssJSON("h", i, "n"+strconv.Itoa(i)))
	}
	body := manifest(servers...)
	pages := map[string]string{}
	var sources []model.Source
	for i := 0; i < 8; i++ {
		p := "/mirror" + strconv.Itoa(i) + ".json"
		pages[p] = body
		sources = append(sources, model.Source{Name: "m" + strconv.Itoa(i), URL: "PLACEHOLDER" + p})
	}
	ts := upstream(t, pages)
	for i := range sources {
		sources[i].URL = strings.Replace(sources[i].URL, "PLACEHOLDER", ts.URL, 1)
	}

	st := store.NewMemory()
	im := newImporter(st, Options{Concurrency: 8})
	reports := im.ImportAll(context.Background(), sources)

	total := 0
	for _, r := range reports {
		if r.Err != nil {
			t.Fatalf("%s: %v", r.Source, r.Err)
		}
		total += r.New
	}
	if total != 20 {
		t.Fatalf("total new=%d, want 20", total)
	}
	rows, _ := st.Load(context.Background())
	if len(rows) != 20 {
		t.Fatalf("stored=%d, want 20", len(rows))
	}
}

func TestImport_SingleflightCollapsesSameSource(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, manifest(ssJSON("a", 1, "A")))
	}))
	defer ts.Close()

	im := newImporter(store.NewMemory(), Options{})
	src := model.Source{Name: "same", URL: ts.URL}

	var wg sync.WaitGroup
	results := make([]Report, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = im.Import(context.Background(), src)
		}()
	}
	// Give every goroutine time to join the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("upstream hits=%d, want 1", hits.Load())
	}
	for i, r := range results {
		if r.New != 1 {
			t.Fatalf("results[%d].New=%d, want 1", i, r.New)
		}
	}
}

func TestImport_CanceledWhileWaitingForLimiter(t *testing.T) {
	ts := upstream(t, map[string]string{"/a.json": manifest(ssJSON("a", 1, "A"))})
	// Burst 0 never grants a token.
	im := newImporter(store.NewMemory(), Options{Limiter: rate.NewLimiter(0, 0)})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r, err := im.Import(ctx, model.Source{Name: "a", URL: ts.URL + "/a.json"})
	if err == nil || r.Found != 0 {
		t.Fatalf("report=%+v err=%v", r, err)
	}
}
