package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"itchgrab/lib/retryutil"
	"itchgrab/lib/scrapers/itchio"
	"itchgrab/lib/telemetry"
	"itchgrab/services/salecache"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		FrontierMisses: 3,
		Retry: retryutil.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxDelay:    time.Millisecond * 10,
		},
	}
}

// storefront fakes just enough of the sale and game pages to drive the
// engine. Tests register sale handlers per ID; everything else is a raw 404.
type storefront struct {
	mux    *http.ServeMux
	server *httptest.Server

	mu         sync.Mutex
	requested  []int64
	rateLimits map[int64]int
}

func newStorefront(t *testing.T) *storefront {
	sf := &storefront{
		mux:        http.NewServeMux(),
		rateLimits: map[int64]int{},
	}
	sf.server = httptest.NewServer(sf.mux)
	t.Cleanup(sf.server.Close)
	return sf
}

func (sf *storefront) record(id int64) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.requested = append(sf.requested, id)
	if sf.rateLimits[id] > 0 {
		sf.rateLimits[id]--
		return true
	}
	return false
}

func (sf *storefront) saleHandler(id int64, body func() string) {
	sf.mux.HandleFunc(fmt.Sprintf("GET /s/%d", id), func(w http.ResponseWriter, r *http.Request) {
		if sf.record(id) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, body())
	})
}

func (sf *storefront) freeSale(t *testing.T, saleId, gameId int64, claimable bool) {
	gamePath := fmt.Sprintf("/game/%d", gameId)
	button := "Download Now"
	if claimable {
		button = "Download or claim"
	}
	sf.mux.HandleFunc("GET "+gamePath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w,
			`<html><body><div class="buy_row"><a class="button buy_btn">%s</a></div></body></html>`,
			button)
	})

	sf.saleHandler(saleId, func() string {
		start := time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05") + "Z"
		end := time.Now().UTC().Add(time.Hour * 24).Format("2006-01-02T15:04:05") + "Z"
		return fmt.Sprintf(`<html><body>
<p><strong>100%%</strong> off</p>
<div class="game_cell" data-game_id="%d">
<a class="title game_link" href="%s%s">Game %d</a>
<div class="game_author"><a href="#">dev</a></div>
<div class="price_value">$0.00</div>
</div>
<script>new I.SalePage([], {"id":%d,"start_date":"%s","end_date":"%s"});</script>
</body></html>`, gameId, sf.server.URL, gamePath, gameId, saleId, start, end)
	})
}

func (sf *storefront) engine(t *testing.T, cfg Config) (*Engine, *salecache.Store) {
	telemetry.SetupForTesting(t, "services/discovery")
	client, err := itchio.NewClient(context.Background(), itchio.ClientOptions{
		BaseUrl: sf.server.URL,
	})
	require.NoError(t, err)
	store, err := salecache.Open(t.TempDir())
	require.NoError(t, err)
	return NewEngine(client, store, cfg), store
}

func TestRunDiscoversAndStopsAtFrontier(t *testing.T) {
	sf := newStorefront(t)
	sf.freeSale(t, 1, 77, true)
	engine, store := sf.engine(t, fastConfig())

	report, err := engine.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, TerminationFrontierReached, report.Termination)
	require.Equal(t, 4, report.Scanned)
	require.Equal(t, 1, report.Discovered)
	require.Equal(t, 3, report.Missed)
	require.Equal(t, int64(1), report.LastID)

	entry, found, err := store.Get(77)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, salecache.StatusClaimRequired, entry.Status)
	require.Equal(t, "Game 77", entry.Title)
	require.Equal(t, int64(1), entry.SaleID)
	require.NotNil(t, entry.ExpiresAt)

	// the checkpoint rests on the last real sale, not on the miss window
	cp, found, err := store.LoadCheckpoint()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), cp.LastIDScanned)
	require.Equal(t, 0, cp.ConsecutiveMisses)
}

func TestRunScansPastMissesInsideTolerance(t *testing.T) {
	sf := newStorefront(t)
	// 1 through 3 are raw 404s, 4 is a live free sale
	sf.freeSale(t, 4, 4, true)

	cfg := fastConfig()
	cfg.FrontierMisses = 4
	engine, store := sf.engine(t, cfg)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, TerminationFrontierReached, report.Termination)
	require.Equal(t, 1, report.Discovered)

	entries, err := store.All()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(4), entries[0].ID)
	require.Equal(t, salecache.StatusClaimRequired, entries[0].Status)

	cp, _, err := store.LoadCheckpoint()
	require.NoError(t, err)
	require.Equal(t, int64(4), cp.LastIDScanned)
	require.Equal(t, 0, cp.ConsecutiveMisses)
}

func TestLateSaleInsideMissWindowIsFound(t *testing.T) {
	sf := newStorefront(t)
	sf.freeSale(t, 4, 44, true)

	cfg := fastConfig()
	cfg.FrontierMisses = 4
	engine, store := sf.engine(t, cfg)

	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	// a sale appears later at an ID the first pass walked through as missing
	sf.freeSale(t, 6, 66, true)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TerminationFrontierReached, report.Termination)
	require.Equal(t, 1, report.Discovered)

	entry, found, err := store.Get(66)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, salecache.StatusClaimRequired, entry.Status)

	cp, _, err := store.LoadCheckpoint()
	require.NoError(t, err)
	require.Equal(t, int64(6), cp.LastIDScanned)
}

func TestRunMarksUnclaimableGames(t *testing.T) {
	sf := newStorefront(t)
	sf.freeSale(t, 1, 88, false)
	engine, store := sf.engine(t, fastConfig())

	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	entry, found, err := store.Get(88)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, salecache.StatusAlreadyOwnedByEveryone, entry.Status)
}

func TestRunRetriesRateLimits(t *testing.T) {
	sf := newStorefront(t)
	sf.freeSale(t, 1, 77, true)
	sf.rateLimits[1] = 2
	engine, store := sf.engine(t, fastConfig())

	report, err := engine.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, TerminationFrontierReached, report.Termination)
	require.Equal(t, 1, report.Discovered)

	_, found, err := store.Get(77)
	require.NoError(t, err)
	require.True(t, found)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	sf := newStorefront(t)
	sf.freeSale(t, 3, 99, true)
	engine, store := sf.engine(t, fastConfig())

	require.NoError(t, store.SaveCheckpoint(salecache.Checkpoint{LastIDScanned: 2}))

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Discovered)

	sf.mu.Lock()
	defer sf.mu.Unlock()
	for _, id := range sf.requested {
		require.GreaterOrEqual(t, id, int64(3))
	}
}

func TestRetiredSaleDoesNotCountAsMiss(t *testing.T) {
	sf := newStorefront(t)
	// /s/1 once existed: it redirects and the target 404s
	sf.mux.HandleFunc("GET /s/1", func(w http.ResponseWriter, r *http.Request) {
		sf.record(1)
		http.Redirect(w, r, "/s/1/gone-sale", http.StatusFound)
	})
	sf.mux.HandleFunc("GET /s/1/gone-sale", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	engine, store := sf.engine(t, fastConfig())

	report, err := engine.Run(context.Background())
	require.NoError(t, err)

	// the retired sale at 1 is scanned but only 2, 3, 4 count as misses
	require.Equal(t, TerminationFrontierReached, report.Termination)
	require.Equal(t, 4, report.Scanned)
	require.Equal(t, 3, report.Missed)

	// the retired page existed once, so the checkpoint may rest on it
	cp, _, err := store.LoadCheckpoint()
	require.NoError(t, err)
	require.Equal(t, int64(1), cp.LastIDScanned)
}

func TestRefreshSalesLeavesCheckpointAlone(t *testing.T) {
	sf := newStorefront(t)
	sf.freeSale(t, 10, 55, true)
	engine, store := sf.engine(t, fastConfig())

	report, err := engine.RefreshSales(context.Background(), []int64{10})
	require.NoError(t, err)
	require.Equal(t, 1, report.Discovered)

	_, found, err := store.LoadCheckpoint()
	require.NoError(t, err)
	require.False(t, found)
}

func TestImportSnapshot(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	snapshot := map[string]any{
		"frontier": 500,
		"entries": []salecache.PromotionEntry{
			{ID: 1, URL: "https://a.itch.io/one", Status: salecache.StatusClaimRequired, ExpiresAt: &future},
			{ID: 2, URL: "https://a.itch.io/two", Status: salecache.StatusFree, ExpiresAt: &past},
			{ID: 0, URL: "", Status: salecache.Status("bogus")},
		},
	}

	sf := newStorefront(t)
	sf.mux.HandleFunc("GET /api/active.json", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(snapshot))
	})
	engine, store := sf.engine(t, fastConfig())

	report, err := engine.ImportSnapshot(context.Background(), sf.server.URL+"/api/active.json")
	require.NoError(t, err)

	require.Equal(t, 2, report.Imported)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, 1, report.Pruned)
	require.Equal(t, int64(500), report.Frontier)

	entries, err := store.All()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(1), entries[0].ID)

	cp, _, err := store.LoadCheckpoint()
	require.NoError(t, err)
	require.Equal(t, int64(500), cp.LastIDScanned)
}

func TestImportSnapshotBareArray(t *testing.T) {
	future := time.Now().Add(time.Hour)
	entries := []salecache.PromotionEntry{
		{ID: 9, URL: "https://a.itch.io/nine", Status: salecache.StatusClaimRequired, ExpiresAt: &future},
	}

	sf := newStorefront(t)
	sf.mux.HandleFunc("GET /snapshot.json", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(entries))
	})
	engine, store := sf.engine(t, fastConfig())

	report, err := engine.ImportSnapshot(context.Background(), sf.server.URL+"/snapshot.json")
	require.NoError(t, err)
	require.Equal(t, 1, report.Imported)
	require.Equal(t, int64(0), report.Frontier)

	_, found, err := store.Get(9)
	require.NoError(t, err)
	require.True(t, found)
}
