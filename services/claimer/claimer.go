package claimer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"itchgrab/lib/retryutil"
	"itchgrab/lib/scrapers/itchio"
	"itchgrab/services/salecache"
	"itchgrab/services/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/claimer")

type SkipReason struct {
	EntryID int64
	URL     string
	Reason  string
}

type Report struct {
	Attempted    int
	Claimed      int
	AlreadyOwned int
	Skipped      []SkipReason
}

// ComputeClaimable filters cached entries down to the ones worth claiming
// right now: claim_required status, sale live (not expired, not upcoming)
// and not already in the owned set. Ascending ID order, so the same cache
// always yields the same claim sequence.
func ComputeClaimable(
	entries []salecache.PromotionEntry,
	owned map[string]struct{},
	now time.Time,
) []salecache.PromotionEntry {
	var out []salecache.PromotionEntry
	for _, entry := range entries {
		if entry.Status != salecache.StatusClaimRequired {
			continue
		}
		if entry.Expired(now) || entry.Upcoming(now) {
			continue
		}
		if _, ok := owned[entry.URL]; ok {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Engine claims every claimable cached promotion into the session's
// account. History is optional; pass nil to skip the durable record.
type Engine struct {
	session *session.Manager
	store   *salecache.Store
	history *History
	retry   retryutil.Policy
}

func NewEngine(sess *session.Manager, store *salecache.Store, history *History, retry retryutil.Policy) *Engine {
	if retry.MaxAttempts == 0 {
		retry = retryutil.DefaultPolicy()
	}
	return &Engine{session: sess, store: store, history: history, retry: retry}
}

// ClaimAll walks the claimable set once. A permanent rejection skips that
// entry and moves on; an expired session aborts the whole run, because
// every further attempt would fail the same way.
func (e *Engine) ClaimAll(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "engine:ClaimAll")
	defer span.End()

	entries, err := e.store.All()
	if err != nil {
		return Report{}, err
	}
	targets := ComputeClaimable(entries, e.session.OwnedSet(), time.Now())
	span.SetAttributes(attribute.Int("targets", len(targets)))

	var report Report
	attempted := map[string]struct{}{}
	for _, entry := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// two cache entries can point at the same page; one claim settles both
		if _, done := attempted[entry.URL]; done {
			continue
		}
		attempted[entry.URL] = struct{}{}
		report.Attempted++

		outcome, err := e.claimOne(ctx, entry.URL)
		if errors.Is(err, itchio.ErrSessionExpired) {
			e.record(ctx, entry, "aborted", "session expired")
			return report, err
		}

		var claimErr *itchio.ClaimError
		switch {
		case errors.As(err, &claimErr):
			slog.Warn("claim rejected", "url", entry.URL, "reason", claimErr.Reason)
			report.Skipped = append(report.Skipped, SkipReason{
				EntryID: entry.ID, URL: entry.URL, Reason: claimErr.Reason,
			})
			e.record(ctx, entry, "rejected", claimErr.Reason)

		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim gave up")
			slog.Warn("claim gave up after retries", "url", entry.URL, "err", err)
			report.Skipped = append(report.Skipped, SkipReason{
				EntryID: entry.ID, URL: entry.URL, Reason: err.Error(),
			})
			e.record(ctx, entry, "error", err.Error())

		case outcome == itchio.OutcomeClaimed:
			slog.Info("claimed", "title", entry.Title, "url", entry.URL)
			report.Claimed++
			e.session.MarkOwned(entry.URL)
			e.record(ctx, entry, outcome.String(), "")

		case outcome == itchio.OutcomeAlreadyOwned:
			report.AlreadyOwned++
			e.session.MarkOwned(entry.URL)
			e.record(ctx, entry, outcome.String(), "")

		default:
			// nothing to claim on the page after all; remember that so the
			// next run does not retry it
			entry.Status = salecache.StatusAlreadyOwnedByEveryone
			if err := e.store.Upsert(entry); err != nil {
				slog.Warn("failed to downgrade entry", "id", entry.ID, "err", err)
			}
			report.Skipped = append(report.Skipped, SkipReason{
				EntryID: entry.ID, URL: entry.URL, Reason: "not claimable",
			})
			e.record(ctx, entry, outcome.String(), "")
		}
	}
	return report, nil
}

func (e *Engine) claimOne(ctx context.Context, gameUrl string) (itchio.ClaimOutcome, error) {
	var outcome itchio.ClaimOutcome
	err := retryutil.Do(ctx, e.retry, func() error {
		var err error
		outcome, err = e.session.Client().ClaimGame(ctx, gameUrl)
		if err == nil || errors.Is(err, itchio.ErrRateLimited) {
			return err
		}
		var claimErr *itchio.ClaimError
		if errors.As(err, &claimErr) || errors.Is(err, itchio.ErrSessionExpired) {
			return retryutil.Permanent(err)
		}
		return err
	})
	return outcome, err
}

func (e *Engine) record(ctx context.Context, entry salecache.PromotionEntry, outcome, detail string) {
	if e.history == nil {
		return
	}
	err := e.history.Record(ctx, Attempt{
		EntryID: entry.ID,
		URL:     entry.URL,
		Outcome: outcome,
		Detail:  detail,
	})
	if err != nil {
		slog.Warn("failed to record claim attempt", "id", entry.ID, "err", err)
	}
}
