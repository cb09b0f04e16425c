package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/subimport/internal/ingest"
	"github.com/John-Robertt/subimport/internal/model"
)

// Importer is satisfied by *ingest.Importer.
type Importer interface {
	Import(ctx context.Context, src model.Source) (ingest.Report, error)
	ImportAll(ctx context.Context, sources []model.Source) []ingest.Report
}

// ServerLister is satisfied by every store.Store.
type ServerLister interface {
	Load(ctx context.Context) ([]model.ServerRow, error)
}

type Options struct {
	Importer Importer
	Servers  ServerLister
	// Sources returns the configured subscriptions.
	Sources func() []model.Source

	// ImportTimeout bounds one POST /api/import request (all sources).
	ImportTimeout time.Duration

	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.ImportTimeout <= 0 {
		o.ImportTimeout = 5 * time.Minute
	}
	if o.Sources == nil {
		o.Sources = func() []model.Source { return nil }
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}
