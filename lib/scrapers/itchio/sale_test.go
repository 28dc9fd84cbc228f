package itchio

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func saleDataScript(id int64) string {
	return fmt.Sprintf(
		`<script>new I.SalePage([], {"id":%d,"start_date":"2026-08-01T00:00:00Z","end_date":"2026-09-01T00:00:00Z"});</script>`,
		id)
}

func gameCell(id int64, title, href, author, price string) string {
	priceHtml := ""
	if price != "" {
		priceHtml = fmt.Sprintf(`<div class="price_value">%s</div>`, price)
	}
	return fmt.Sprintf(`<div class="game_cell" data-game_id="%d">
<a class="title game_link" href="%s">%s</a>
<div class="game_author"><a href="#">%s</a></div>
%s
</div>`, id, href, title, author, priceHtml)
}

func freeSalePage(id int64, cells string) []byte {
	return []byte(fmt.Sprintf(`<html><body>
<p><strong>100%%</strong> off everything</p>
%s
%s
</body></html>`, cells, saleDataScript(id)))
}

func mustUrl(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestClassifySalePage(t *testing.T) {
	path := "/s/42"
	samePath := mustUrl(t, "https://itch.io/s/42")

	t.Run("rate limited", func(t *testing.T) {
		page := classifySalePage(42, path, samePath, http.StatusTooManyRequests, nil)
		require.Equal(t, SaleRateLimited, page.Kind)
	})

	t.Run("raw 404 is frontier evidence", func(t *testing.T) {
		page := classifySalePage(42, path, samePath, http.StatusNotFound, nil)
		require.Equal(t, SaleNotFound, page.Kind)
	})

	t.Run("redirected 404 is a retired sale", func(t *testing.T) {
		elsewhere := mustUrl(t, "https://itch.io/s/42/spooky-sale")
		page := classifySalePage(42, path, elsewhere, http.StatusNotFound, nil)
		require.Equal(t, SaleRetired, page.Kind)
	})

	t.Run("page without sale data is malformed", func(t *testing.T) {
		page := classifySalePage(42, path, samePath, http.StatusOK, []byte("<html></html>"))
		require.Equal(t, SaleMalformed, page.Kind)
	})

	t.Run("sale data for another id is malformed", func(t *testing.T) {
		page := classifySalePage(42, path, samePath, http.StatusOK, freeSalePage(43, ""))
		require.Equal(t, SaleMalformed, page.Kind)
	})

	t.Run("ended", func(t *testing.T) {
		body := []byte(fmt.Sprintf(
			`<html><body><p>This sale ended</p>%s</body></html>`, saleDataScript(42)))
		page := classifySalePage(42, path, samePath, http.StatusOK, body)
		require.Equal(t, SaleEnded, page.Kind)
	})

	t.Run("discounted but not free", func(t *testing.T) {
		body := []byte(fmt.Sprintf(
			`<html><body><p><strong>60%%</strong> off</p>%s</body></html>`, saleDataScript(42)))
		page := classifySalePage(42, path, samePath, http.StatusOK, body)
		require.Equal(t, SaleNotFree, page.Kind)
	})

	t.Run("free sale with games", func(t *testing.T) {
		cells := gameCell(7, "Spooky Manor", "https://dev.itch.io/spooky-manor", "dev", "$0.00") +
			gameCell(8, "No Price Game", "https://dev.itch.io/no-price", "dev", "")
		page := classifySalePage(42, path, samePath, http.StatusOK, freeSalePage(42, cells))

		require.Equal(t, SaleFree, page.Kind)
		require.Equal(t, int64(42), page.Sale.ID)
		require.False(t, page.Sale.Start.IsZero())
		require.True(t, page.Sale.End.After(page.Sale.Start))

		require.Len(t, page.Games, 2)
		require.Equal(t, int64(7), page.Games[0].ID)
		require.Equal(t, "Spooky Manor", page.Games[0].Title)
		require.Equal(t, "dev", page.Games[0].Author)
		require.True(t, page.Games[0].HasPrice)
		require.Equal(t, float64(0), page.Games[0].Price)
		require.False(t, page.Games[1].HasPrice)
	})

	t.Run("upcoming", func(t *testing.T) {
		body := []byte(fmt.Sprintf(`<html><body>
<p><strong>100%%</strong> off</p>
<div class="not_active_notification">Come back when the sale starts!</div>
%s
</body></html>`, saleDataScript(42)))
		page := classifySalePage(42, path, samePath, http.StatusOK, body)
		require.Equal(t, SaleUpcoming, page.Kind)
	})
}
