package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/subimport/internal/model"
)

// Scheduler re-imports every source on a fixed interval.
type Scheduler struct {
	Importer *Importer
	// Sources is called before each run so config reloads take effect.
	Sources  func() []model.Source
	Interval time.Duration
	// RunAtStart triggers a run immediately instead of after one interval.
	RunAtStart bool
	Logger     logrus.FieldLogger
}

// Run blocks until ctx is done. A non-positive interval returns at once.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return nil
	}
	log := s.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("interval", s.Interval.String())
	log.Info("subscription scheduler started")

	if s.RunAtStart {
		s.tick(ctx, log)
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("subscription scheduler stopped")
			return ctx.Err()
		case <-t.C:
			s.tick(ctx, log)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, log logrus.FieldLogger) {
	sources := s.Sources()
	if len(sources) == 0 {
		return
	}
	reports := s.Importer.ImportAll(ctx, sources)
	var newTotal, failed int
	for _, r := range reports {
		newTotal += r.New
		if r.Failed() {
			failed++
		}
	}
	log.WithFields(logrus.Fields{"sources": len(reports), "new": newTotal, "failed": failed}).Info("scheduled import finished")
}
