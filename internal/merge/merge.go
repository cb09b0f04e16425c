// Package merge reconciles a batch of candidate descriptors against the
// persisted server list.
package merge

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/normalize"
)

// Failure records one candidate that produced no row.
type Failure struct {
	Index int
	Type  string
	Err   error
}

type Result struct {
	// List is the accepted batch rows followed by the baseline rows.
	List     []model.ServerRow
	ErrNum   int
	ExistNum int
	NewNum   int
	Failures []Failure
}

type Engine struct {
	Normalizer *normalize.Normalizer
	// Workers bounds parallel normalization; <= 0 means GOMAXPROCS.
	Workers int
}

type candidate struct {
	row model.ServerRow
	err error
}

// Merge normalizes every descriptor, then walks the results in input order:
// a hash already in the baseline or already accepted in this batch counts as
// existing, anything else is new. The baseline slice is not modified. The
// only error is ctx cancellation.
func (e *Engine) Merge(ctx context.Context, baseline []model.ServerRow, descriptors []model.Descriptor) (Result, error) {
	cands := make([]candidate, len(descriptors))

	g, gctx := errgroup.WithContext(ctx)
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for i, d := range descriptors {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row, err := e.Normalizer.Normalize(d)
			cands[i] = candidate{row: row, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	known := make(map[string]struct{}, len(baseline)+len(descriptors))
	for _, row := range baseline {
		known[row.Hash] = struct{}{}
	}

	var res Result
	accepted := make([]model.ServerRow, 0, len(descriptors))
	for i, c := range cands {
		if c.err != nil {
			res.ErrNum++
			res.Failures = append(res.Failures, Failure{Index: i, Type: typeTag(descriptors[i]), Err: c.err})
			continue
		}
		if _, dup := known[c.row.Hash]; dup {
			res.ExistNum++
			continue
		}
		known[c.row.Hash] = struct{}{}
		accepted = append(accepted, c.row)
		res.NewNum++
	}

	res.List = make([]model.ServerRow, 0, len(accepted)+len(baseline))
	res.List = append(res.List, accepted...)
	res.List = append(res.List, baseline...)
	return res, nil
}

func typeTag(d model.Descriptor) string {
	s, _ := d["type"].(string)
	return s
}
