// Package ingest runs subscription imports: fetch, detect format, extract
// candidates, merge against the stored list and persist.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/subimport/internal/fetch"
	"github.com/John-Robertt/subimport/internal/logx"
	"github.com/John-Robertt/subimport/internal/merge"
	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/normalize"
	"github.com/John-Robertt/subimport/internal/store"
	"github.com/John-Robertt/subimport/internal/sub"
	"github.com/John-Robertt/subimport/internal/sub/html"
	"github.com/John-Robertt/subimport/internal/sub/uri"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatJSON Format = "json"
)

// Fetcher is satisfied by *fetch.Client.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Observer receives every finished report.
type Observer interface {
	ObserveImport(r Report)
}

// Report is the per-source outcome. New, Existing and Errors are valid even
// when Err is a *PersistError.
type Report struct {
	Source      string        `json:"source"`
	URL         string        `json:"url"`
	Format      Format        `json:"format,omitempty"`
	Found       int           `json:"found"`
	New         int           `json:"new"`
	Existing    int           `json:"existing"`
	Errors      int           `json:"errors"`
	Unsupported bool          `json:"unsupported,omitempty"`
	Saved       bool          `json:"saved"`
	Duration    time.Duration `json:"-"`
	Err         error         `json:"-"`
}

// Failed reports whether the source produced a source-level error.
func (r Report) Failed() bool { return r.Err != nil }

type Options struct {
	// NewID defaults to uuid.NewString.
	NewID normalize.IDFunc
	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
	// Limiter paces fetch starts across all sources; nil means unpaced.
	Limiter *rate.Limiter
	// Concurrency bounds ImportAll fan-out; <= 0 means 4.
	Concurrency int
	// Workers bounds per-source parallel normalization.
	Workers  int
	Observer Observer
}

type Importer struct {
	fetcher Fetcher
	store   store.Store
	engine  *merge.Engine
	log     logrus.FieldLogger
	limiter *rate.Limiter
	fanout  int
	obs     Observer

	// writeMu serializes load, merge and save so concurrent imports never
	// merge against a stale baseline.
	writeMu sync.Mutex
	flight  singleflight.Group
}

func New(f Fetcher, s store.Store, opt Options) *Importer {
	newID := opt.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	log := opt.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	fanout := opt.Concurrency
	if fanout <= 0 {
		fanout = 4
	}
	return &Importer{
		fetcher: f,
		store:   s,
		engine:  &merge.Engine{Normalizer: normalize.New(newID), Workers: opt.Workers},
		log:     log,
		limiter: opt.Limiter,
		fanout:  fanout,
		obs:     opt.Observer,
	}
}

// Import runs one source. Concurrent calls for the same source share one run.
// The returned error equals Report.Err.
func (im *Importer) Import(ctx context.Context, src model.Source) (Report, error) {
	v, _, _ := im.flight.Do(src.Name+"\x00"+src.URL, func() (any, error) {
		start := time.Now()
		r := im.run(ctx, src)
		r.Duration = time.Since(start)
		if im.obs != nil {
			im.obs.ObserveImport(r)
		}
		return r, nil
	})
	r := v.(Report)
	return r, r.Err
}

// ImportAll runs every source with bounded concurrency. A failing source
// never affects its siblings; reports keep the input order.
func (im *Importer) ImportAll(ctx context.Context, sources []model.Source) []Report {
	reports := make([]Report, len(sources))
	var g errgroup.Group
	g.SetLimit(im.fanout)
	for i, src := range sources {
		g.Go(func() error {
			reports[i], _ = im.Import(ctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (im *Importer) run(ctx context.Context, src model.Source) Report {
	r := Report{Source: src.Name, URL: src.URL, Format: FormatJSON}
	if src.IsHTML {
		r.Format = FormatHTML
	}
	log := im.log.WithFields(logrus.Fields{"source": src.Name, "url": src.URL})

	if im.limiter != nil {
		if err := im.limiter.Wait(ctx); err != nil {
			r.Err = err
			log.WithError(err).Warn("import canceled before fetch")
			return r
		}
	}

	resp, err := im.fetcher.Fetch(ctx, fetch.Request{URL: src.URL, UseProxy: src.UseProxy, HTML: src.IsHTML})
	if err != nil {
		r.Err = err
		log.WithError(err).Error("failed to fetch subscription")
		return r
	}

	var (
		descriptors []model.Descriptor
		parseErrs   []error
	)
	if src.IsHTML {
		uris := html.Extract(resp.Body)
		r.Found = len(uris)
		log.WithFields(logrus.Fields{"format": r.Format, "found": r.Found}).Info("subscription fetched")
		if len(uris) == 0 {
			return r
		}
		descriptors, parseErrs = uri.ParseLines(src.URL, html.Join(uris))
		for _, perr := range parseErrs {
			logx.Throttled(log).WithError(perr).Warn("skip unparsable share link")
		}
	} else {
		servers, ok, err := decodeManifest(resp.Body)
		if err != nil {
			r.Err = newDecodeError(src, sub.TruncateSnippet(resp.Body, 200), err)
			log.WithError(err).Error("failed to decode subscription manifest")
			return r
		}
		if !ok {
			r.Unsupported = true
			log.Info("subscription manifest has no servers list, skipped")
			return r
		}
		r.Found = len(servers)
		log.WithFields(logrus.Fields{"format": r.Format, "found": r.Found}).Info("subscription fetched")
		descriptors = servers
	}

	im.commit(ctx, src, &r, descriptors, len(parseErrs), log)
	return r
}

// commit merges descriptors into the stored list under the writer lock.
func (im *Importer) commit(ctx context.Context, src model.Source, r *Report, descriptors []model.Descriptor, preErrors int, log logrus.FieldLogger) {
	im.writeMu.Lock()
	defer im.writeMu.Unlock()

	baseline, err := im.store.Load(ctx)
	if err != nil {
		r.Err = newPersistError(src, "STORE_LOAD_FAILED", "读取已保存的服务器列表失败", err)
		log.WithError(err).Error("failed to load server list")
		return
	}

	res, err := im.engine.Merge(ctx, baseline, descriptors)
	if err != nil {
		r.Err = err
		log.WithError(err).Warn("merge canceled")
		return
	}
	r.New, r.Existing, r.Errors = res.NewNum, res.ExistNum, res.ErrNum+preErrors
	for _, f := range res.Failures {
		logx.Throttled(log).WithFields(logrus.Fields{"index": f.Index, "type": f.Type}).WithError(f.Err).Warn("skip candidate")
	}
	log.WithFields(logrus.Fields{"new": r.New, "exist": r.Existing, "error": r.Errors}).Info("subscription updated")

	if res.NewNum == 0 {
		return
	}
	if err := im.store.Save(ctx, res.List); err != nil {
		r.Err = newPersistError(src, "PERSIST_FAILED", "保存服务器列表失败", err)
		log.WithError(err).Error("failed to save updated server list")
		return
	}
	r.Saved = true
}

// decodeManifest parses a JSON manifest. ok is false when the document is
// valid JSON without a "servers" array. Array elements that are not objects
// become empty descriptors so they count as errors downstream.
func decodeManifest(body string) (servers []model.Descriptor, ok bool, err error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, false, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false, errors.New("unexpected data after top-level value")
	}

	obj, isObj := doc.(map[string]any)
	if !isObj {
		return nil, false, nil
	}
	list, isList := obj["servers"].([]any)
	if !isList {
		return nil, false, nil
	}
	servers = make([]model.Descriptor, 0, len(list))
	for _, item := range list {
		d, _ := item.(map[string]any)
		if d == nil {
			d = model.Descriptor{}
		}
		servers = append(servers, d)
	}
	return servers, true, nil
}
