package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"itchgrab/lib/retryutil"
	"itchgrab/lib/scrapers/itchio"
	"itchgrab/services/salecache"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/discovery")

type Config struct {
	// consecutive raw 404s that mark the frontier of the sale ID space
	FrontierMisses int              `json:"frontier_misses"`
	Retry          retryutil.Policy `json:"retry"`
	// polite pause between page fetches, 0 disables
	Delay time.Duration `json:"delay"`
}

func DefaultConfig() Config {
	return Config{
		FrontierMisses: 10,
		Retry:          retryutil.DefaultPolicy(),
	}
}

type Termination string

const (
	TerminationFrontierReached Termination = "frontier_reached"
	TerminationAborted         Termination = "aborted"
)

type RunReport struct {
	Scanned     int
	Discovered  int
	Missed      int
	LastID      int64
	Termination Termination
}

// Engine walks the sequential sale ID space, classifies each page and
// records free promotions into the cache store. Progress survives in the
// store's checkpoint, so a killed run resumes where it stopped.
type Engine struct {
	client *itchio.Client
	store  *salecache.Store
	cfg    Config
}

func NewEngine(client *itchio.Client, store *salecache.Store, cfg Config) *Engine {
	if cfg.FrontierMisses <= 0 {
		cfg.FrontierMisses = DefaultConfig().FrontierMisses
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retryutil.DefaultPolicy()
	}
	return &Engine{client: client, store: store, cfg: cfg}
}

// Run scans from the checkpoint to the frontier. Rate limiting backs off
// and retries in place; hitting the retry cap or a cancelled context ends
// the run with TerminationAborted and the checkpoint already saved.
func (e *Engine) Run(ctx context.Context) (RunReport, error) {
	ctx, span := tracer.Start(ctx, "engine:Run")
	defer span.End()

	cp, resumed, err := e.store.LoadCheckpoint()
	if err != nil {
		return RunReport{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if resumed {
		slog.Info("resuming sale scan",
			"last_id", cp.LastIDScanned, "misses", cp.ConsecutiveMisses)
	}

	report := RunReport{LastID: cp.LastIDScanned}
	misses := cp.ConsecutiveMisses
	// position of the last page that actually existed; a crash mid-window
	// leaves the checkpoint inside the miss run, so subtract it back out
	lastHit := cp.LastIDScanned - int64(cp.ConsecutiveMisses)

	for cursor := cp.LastIDScanned + 1; ; cursor++ {
		if err := e.pause(ctx); err != nil {
			report.Termination = TerminationAborted
			return report, nil
		}

		page, err := e.fetchSale(ctx, cursor)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sale fetch gave up")
			slog.Error("sale fetch gave up, aborting scan", "id", cursor, "err", err)
			report.Termination = TerminationAborted
			return report, nil
		}

		report.Scanned++
		report.LastID = cursor

		if page.Kind == itchio.SaleNotFound {
			misses++
			report.Missed++
		} else {
			// any page that once existed proves the frontier is further out
			misses = 0
			lastHit = cursor
			discovered, err := e.recordSalePage(ctx, page)
			if err != nil {
				return report, err
			}
			report.Discovered += discovered
		}

		err = e.store.SaveCheckpoint(salecache.Checkpoint{
			LastIDScanned:     cursor,
			ConsecutiveMisses: misses,
		})
		if err != nil {
			return report, fmt.Errorf("save checkpoint: %w", err)
		}

		if misses >= e.cfg.FrontierMisses {
			// the trailing misses are unpublished IDs, not dead ones; rewind
			// the checkpoint to the last real page so the next run rescans
			// the window and picks up sales published there in the meantime
			err := e.store.SaveCheckpoint(salecache.Checkpoint{
				LastIDScanned: lastHit,
			})
			if err != nil {
				return report, fmt.Errorf("save checkpoint: %w", err)
			}
			report.LastID = lastHit
			report.Termination = TerminationFrontierReached
			span.SetAttributes(attribute.Int64("frontier", lastHit))
			return report, nil
		}
	}
}

// RefreshSales re-scrapes the given sale IDs without moving the checkpoint.
func (e *Engine) RefreshSales(ctx context.Context, ids []int64) (RunReport, error) {
	ctx, span := tracer.Start(ctx, "engine:RefreshSales")
	defer span.End()

	var report RunReport
	for _, id := range ids {
		if err := e.pause(ctx); err != nil {
			report.Termination = TerminationAborted
			return report, nil
		}
		page, err := e.fetchSale(ctx, id)
		if err != nil {
			slog.Error("sale refresh gave up", "id", id, "err", err)
			report.Termination = TerminationAborted
			return report, nil
		}
		report.Scanned++
		report.LastID = id
		discovered, err := e.recordSalePage(ctx, page)
		if err != nil {
			return report, err
		}
		report.Discovered += discovered
	}
	return report, nil
}

func (e *Engine) pause(ctx context.Context) error {
	if e.cfg.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.cfg.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) fetchSale(ctx context.Context, id int64) (itchio.SalePage, error) {
	var page itchio.SalePage
	err := retryutil.Do(ctx, e.cfg.Retry, func() error {
		var err error
		page, err = e.client.FetchSale(ctx, id)
		if err != nil {
			return err
		}
		if page.Kind == itchio.SaleRateLimited {
			return itchio.ErrRateLimited
		}
		return nil
	})
	return page, err
}

// recordSalePage turns an existing sale page into cache entries. Only free
// and upcoming 100%-off sales produce entries; everything else just counts
// as evidence that the ID space continues.
func (e *Engine) recordSalePage(ctx context.Context, page itchio.SalePage) (int, error) {
	if page.Kind != itchio.SaleFree && page.Kind != itchio.SaleUpcoming {
		return 0, nil
	}

	discovered := 0
	for _, game := range page.Games {
		if game.HasPrice && game.Price > 0 {
			continue
		}

		status := salecache.StatusClaimRequired
		if page.Kind == itchio.SaleFree {
			// the sale is live, so the game page tells us whether there is
			// anything to claim at all
			claimable, err := e.probeClaimable(ctx, game.URL)
			if err != nil {
				slog.Warn("claimability probe failed, assuming claimable",
					"url", game.URL, "err", err)
			} else if !claimable {
				status = salecache.StatusAlreadyOwnedByEveryone
			}
		}

		end := page.Sale.End
		start := page.Sale.Start
		entry := salecache.PromotionEntry{
			ID:        game.ID,
			Title:     game.Title,
			URL:       game.URL,
			Author:    game.Author,
			Status:    status,
			ExpiresAt: &end,
			SaleID:    page.Sale.ID,
			SaleStart: &start,
		}
		if err := e.store.Upsert(entry); err != nil {
			return discovered, fmt.Errorf("record game %d: %w", game.ID, err)
		}
		discovered++
	}
	return discovered, nil
}

func (e *Engine) probeClaimable(ctx context.Context, gameUrl string) (bool, error) {
	var claimable bool
	err := retryutil.Do(ctx, e.cfg.Retry, func() error {
		var err error
		claimable, err = e.client.GameClaimable(ctx, gameUrl)
		if err != nil && !errors.Is(err, itchio.ErrRateLimited) {
			return retryutil.Permanent(err)
		}
		return err
	})
	return claimable, err
}
