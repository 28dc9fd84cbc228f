package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"itchgrab/services/salecache"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// snapshotEnvelope is the wire format generate-web emits: the frontier the
// remote instance has reached plus its entries.
type snapshotEnvelope struct {
	Frontier int64                      `json:"frontier"`
	Entries  []salecache.PromotionEntry `json:"entries"`
}

type ImportReport struct {
	Imported int
	Skipped  int
	Pruned   int
	Frontier int64
}

// ImportSnapshot merges a remote instance's exported cache into the local
// store. Malformed records are skipped one by one instead of failing the
// whole import, expired entries are pruned afterwards, and the remote
// frontier raises the local checkpoint so the next scan skips ground the
// remote already covered.
func (e *Engine) ImportSnapshot(ctx context.Context, snapshotUrl string) (ImportReport, error) {
	ctx, span := tracer.Start(ctx, "engine:ImportSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("url", snapshotUrl))

	res, err := e.client.Http.R().
		SetContext(ctx).
		Get(snapshotUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch snapshot")
		return ImportReport{}, err
	}
	if res.StatusCode() != http.StatusOK {
		return ImportReport{}, fmt.Errorf(
			"snapshot %s: status %d", snapshotUrl, res.StatusCode())
	}

	envelope, err := decodeSnapshot(res.Body())
	if err != nil {
		return ImportReport{}, fmt.Errorf("snapshot %s: %w", snapshotUrl, err)
	}

	report := ImportReport{Frontier: envelope.Frontier}
	for _, entry := range envelope.Entries {
		if entry.ID <= 0 || entry.URL == "" || !entry.Status.Valid() {
			slog.Warn("skipping malformed snapshot record",
				"id", entry.ID, "url", entry.URL, "status", entry.Status)
			report.Skipped++
			continue
		}
		if err := e.store.Upsert(entry); err != nil {
			slog.Warn("skipping snapshot record", "id", entry.ID, "err", err)
			report.Skipped++
			continue
		}
		report.Imported++
	}

	pruned, err := e.store.PruneExpired(time.Now())
	if err != nil {
		return report, fmt.Errorf("prune after import: %w", err)
	}
	report.Pruned = pruned

	if envelope.Frontier > 0 {
		if err := e.store.RaiseFrontier(envelope.Frontier); err != nil {
			return report, fmt.Errorf("raise frontier: %w", err)
		}
	}

	span.SetAttributes(
		attribute.Int("imported", report.Imported),
		attribute.Int("skipped", report.Skipped),
	)
	return report, nil
}

// decodeSnapshot accepts both the enveloped format and a bare entry array,
// so exports from older instances still import.
func decodeSnapshot(body []byte) (snapshotEnvelope, error) {
	var envelope snapshotEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Entries != nil {
		return envelope, nil
	}
	var bare []salecache.PromotionEntry
	if err := json.Unmarshal(body, &bare); err != nil {
		return snapshotEnvelope{}, fmt.Errorf("unrecognized snapshot format: %w", err)
	}
	return snapshotEnvelope{Entries: bare}, nil
}
