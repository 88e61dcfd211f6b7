// Package collect runs one fetch-compute-persist cycle: pull the option
// chain (plus an optional futures quote), calculate the indicator set,
// and append the snapshot. The REST process endpoint and the minute
// scheduler both drive the same Collector, and the store's minute-bucket
// dedup keeps them idempotent against each other.
package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"oipulse/internal/indicator"
	"oipulse/internal/metrics"
	"oipulse/internal/model"
	"oipulse/internal/notification"
	"oipulse/internal/session"
	"oipulse/internal/store/sqlite"
	"oipulse/pkg/optionchain"
)

// Sentinel errors classify cycle failures for the API layer and the
// scheduler.
var (
	// ErrNoSession marks a cycle that was skipped because no access token
	// is installed. Callers treat it as "nothing to do", not a failure.
	ErrNoSession = errors.New("collect: no session configured")
	// ErrBadPayload marks an upstream body that decoded but failed
	// structural checks.
	ErrBadPayload = errors.New("collect: malformed upstream payload")
	// ErrStorage marks a snapshot write failure.
	ErrStorage = errors.New("collect: snapshot store failure")
)

// Config identifies what to fetch each cycle.
type Config struct {
	InstrumentKey string  // index key, e.g. NSE_INDEX|Nifty 50
	FutureKey     string  // nearest-expiry futures key; empty disables the quote
	LotSize       float64 // futures contract multiplier
}

// Collector owns one cycle's worth of work.
type Collector struct {
	client *optionchain.Client
	store  *sqlite.Store
	sess   *session.Manager
	prom   *metrics.Metrics

	instrumentKey string
	futureKey     string
	lotSize       float64

	// Now supplies wall time; tests replace it to pin minute buckets.
	Now func() time.Time

	// OnPoint runs after every successful cycle, cached or fresh.
	OnPoint func(p *model.Point, cached bool)
	// Notify receives storage alerts. Nil drops them.
	Notify *notification.Dispatcher
}

func New(client *optionchain.Client, store *sqlite.Store, sess *session.Manager, prom *metrics.Metrics, cfg Config) *Collector {
	return &Collector{
		client:        client,
		store:         store,
		sess:          sess,
		prom:          prom,
		instrumentKey: cfg.InstrumentKey,
		futureKey:     cfg.FutureKey,
		lotSize:       cfg.LotSize,
		Now:           time.Now,
	}
}

// Process runs one cycle and returns the snapshot for the current
// minute. When the store already holds a row for this minute bucket the
// row is returned without an upstream call and cached is true.
func (c *Collector) Process(ctx context.Context) (p *model.Point, cached bool, err error) {
	now := c.Now().UTC()

	latest, err := c.store.Latest()
	if err != nil {
		return nil, false, fmt.Errorf("%w: load latest: %v", ErrStorage, err)
	}
	if latest != nil && minuteBucket(latest.Timestamp) == now.Format("2006-01-02T15:04") {
		c.prom.PollCycles.WithLabelValues("cached").Inc()
		if c.OnPoint != nil {
			c.OnPoint(latest, true)
		}
		return latest, true, nil
	}

	if !c.sess.Authorized() {
		c.prom.PollCycles.WithLabelValues("skip").Inc()
		return nil, false, ErrNoSession
	}

	cleared, err := c.sess.SourceCheck()
	if err != nil {
		return nil, false, fmt.Errorf("%w: source check: %v", ErrStorage, err)
	}
	if cleared {
		c.prom.SourceClears.Inc()
		log.Printf("[collect] data source changed, stored snapshots cleared")
	}

	start := time.Now()
	chain, err := c.client.FetchChain(ctx, c.instrumentKey, c.sess.Expiry(), "")
	c.prom.FetchDur.Observe(time.Since(start).Seconds())
	if err != nil {
		c.prom.PollCycles.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("fetch chain: %w", err)
	}

	point, err := indicator.FromChain(chain)
	if err != nil {
		c.prom.PollCycles.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	if c.futureKey != "" {
		quote, qerr := c.client.FetchQuote(ctx, c.futureKey, "")
		if qerr != nil {
			c.prom.QuoteFailures.Inc()
			log.Printf("[collect] futures quote failed, keeping zeros: %v", qerr)
		} else {
			indicator.ApplyFuture(&point, quote, c.lotSize)
		}
	}

	if raw, merr := json.Marshal(chain); merr == nil {
		point.RawJSON = string(raw)
	}

	existed, err := c.store.Append(&point, now)
	if err != nil {
		c.prom.StoreErrors.Inc()
		c.prom.PollCycles.WithLabelValues("error").Inc()
		c.Notify.Notify(notification.StorageAlert(err))
		return nil, false, fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	if existed {
		c.prom.PollCycles.WithLabelValues("cached").Inc()
	} else {
		c.prom.SnapshotsTotal.Inc()
		c.prom.PollCycles.WithLabelValues("ok").Inc()
	}
	if c.OnPoint != nil {
		c.OnPoint(&point, existed)
	}
	return &point, existed, nil
}

// History returns the current IST trading day's snapshots, ascending.
func (c *Collector) History() ([]model.Point, error) {
	return c.store.History()
}

func minuteBucket(ts string) string {
	if len(ts) < 16 {
		return ts
	}
	return ts[:16]
}
