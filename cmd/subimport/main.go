package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/subimport/internal/config"
	"github.com/John-Robertt/subimport/internal/fetch"
	"github.com/John-Robertt/subimport/internal/httpapi"
	"github.com/John-Robertt/subimport/internal/ingest"
	"github.com/John-Robertt/subimport/internal/logx"
	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/store/backend"
)

func main() {
	configPath := flag.String("config", "", "YAML 配置文件路径（为空则仅使用默认值与环境变量）")
	listen := flag.String("listen", "", "HTTP 监听地址（覆盖配置文件）")
	once := flag.Bool("once", false, "导入所有订阅后退出，不启动 HTTP 服务")
	only := flag.String("source", "", "配合 -once：只导入指定名称的订阅")
	healthcheck := flag.Bool("healthcheck", false, "请求本机 /healthz 并以退出码报告结果")
	readHeaderTimeout := flag.Duration("read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout（请求头读取超时）")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	if *healthcheck {
		u, err := deriveHealthzURL(cfg.Listen)
		if err == nil {
			err = runHealthcheck(u, 3*time.Second)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	log := logx.Setup(cfg.Log.Level, cfg.Log.Format)

	st, err := backend.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("close store")
		}
	}()

	im := ingest.New(newFetcher(cfg), st, ingest.Options{
		Logger:      log,
		Limiter:     newLimiter(cfg.Fetch.Rate),
		Concurrency: cfg.Concurrency,
		Observer:    httpapi.ImportObserver{},
	})
	sources := func() []model.Source { return cfg.Subscriptions }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		selected, err := selectSources(cfg, *only)
		if err == nil {
			err = importOnce(ctx, im, selected, log)
		}
		if err != nil {
			log.WithError(err).Error("import failed")
			stop()
			_ = st.Close()
			os.Exit(1)
		}
		return
	}

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: httpapi.NewHandler(httpapi.Options{
			Importer: im,
			Servers:  st,
			Sources:  sources,
			Logger:   log,
		}),
		ReadHeaderTimeout: *readHeaderTimeout,
	}

	if err := serve(ctx, srv, &ingest.Scheduler{
		Importer:   im,
		Sources:    sources,
		Interval:   cfg.Schedule.Interval,
		RunAtStart: true,
		Logger:     log,
	}, *shutdownTimeout, log); err != nil {
		log.WithError(err).Error("server exited")
		stop()
		_ = st.Close()
		os.Exit(1)
	}
}

func newFetcher(cfg *config.Config) *fetch.Client {
	return &fetch.Client{Options: fetch.Options{
		Timeout:   cfg.Fetch.Timeout,
		MaxBytes:  cfg.Fetch.MaxBytes,
		ProxyURL:  cfg.Fetch.Proxy,
		UserAgent: cfg.Fetch.UserAgent,
	}}
}

// newLimiter returns nil (unpaced) for a non-positive rate.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// selectSources returns every configured subscription, or only the named one.
func selectSources(cfg *config.Config, name string) ([]model.Source, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return cfg.Subscriptions, nil
	}
	src, ok := cfg.Subscription(name)
	if !ok {
		return nil, fmt.Errorf("subscription %q is not configured", name)
	}
	return []model.Source{src}, nil
}

// importOnce imports every source and fails only when all of them failed.
func importOnce(ctx context.Context, im httpapi.Importer, sources []model.Source, log logrus.FieldLogger) error {
	if len(sources) == 0 {
		return errors.New("no subscriptions configured")
	}
	reports := im.ImportAll(ctx, sources)
	failed := 0
	for _, r := range reports {
		if r.Failed() {
			failed++
		}
	}
	log.WithFields(logrus.Fields{"sources": len(reports), "failed": failed}).Info("import finished")
	if failed == len(reports) {
		return fmt.Errorf("all %d subscriptions failed", failed)
	}
	return nil
}

// serve runs srv and the scheduler until ctx is done, then shuts both down.
func serve(ctx context.Context, srv *http.Server, sched *ingest.Scheduler, shutdownTimeout time.Duration, log logrus.FieldLogger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
			_ = srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// deriveHealthzURL turns a listen address into a loopback /healthz URL.
func deriveHealthzURL(listen string) (string, error) {
	s := strings.TrimSpace(listen)
	if s == "" {
		return "", errors.New("empty listen address")
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", err
		}
		u.Path = "/healthz"
		u.RawQuery = ""
		return u.String(), nil
	}
	if !strings.Contains(s, ":") {
		s = ":" + s
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz", nil
}

func runHealthcheck(u string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck %s: unexpected status %d", u, resp.StatusCode)
	}
	return nil
}
