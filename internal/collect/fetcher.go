package collect

import (
	"context"
	"errors"

	"oipulse/internal/model"
	"oipulse/internal/poll"
)

// Fetcher adapts the Collector to the poll.Scheduler contract so the
// daemon's minute scheduler drives the exact cycle the REST process
// endpoint runs.
type Fetcher struct {
	col *Collector
}

func (c *Collector) PollFetcher() *Fetcher {
	return &Fetcher{col: c}
}

func (f *Fetcher) History(ctx context.Context) ([]model.Point, error) {
	return f.col.History()
}

func (f *Fetcher) Fetch(ctx context.Context) (*model.Point, error) {
	p, _, err := f.col.Process(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil, poll.ErrSkip
	}
	return p, err
}
