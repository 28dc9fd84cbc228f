package itchio

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type OwnedGame struct {
	ID    int64
	Title string
	URL   string
}

// OwnedGames enumerates every item in the logged-in account's library by
// walking the paginated purchases listing.
func (c *Client) OwnedGames(ctx context.Context) ([]OwnedGame, error) {
	ctx, span := tracer.Start(ctx, "client:OwnedGames")
	defer span.End()

	var out []OwnedGame
	for page := 1; ; page++ {
		res, err := c.Http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"format": "json",
				"page":   strconv.Itoa(page),
			}).
			Get("/my-purchases")
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to fetch purchases page")
			return nil, err
		}
		if res.StatusCode() == http.StatusTooManyRequests {
			return nil, ErrRateLimited
		}
		if final := finalUrl(res); final != nil && strings.HasSuffix(final.Path, "/login") {
			return nil, ErrSessionExpired
		}

		var body struct {
			NumItems int    `json:"num_items"`
			Content  string `json:"content"`
		}
		if err := json.Unmarshal(res.Body(), &body); err != nil {
			// an html login page instead of the json listing means the
			// session cookie no longer works
			return nil, ErrSessionExpired
		}
		if body.NumItems == 0 {
			break
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(body.Content)))
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		doc.Find("div.game_cell").Each(func(_ int, cell *goquery.Selection) {
			idStr, ok := cell.Attr("data-game_id")
			if !ok {
				return
			}
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				return
			}
			link := cell.Find("a.title.game_link").First()
			url := link.AttrOr("href", "")
			if url == "" {
				return
			}
			out = append(out, OwnedGame{
				ID:    id,
				Title: strings.TrimSpace(link.Text()),
				URL:   url,
			})
		})
	}

	span.SetAttributes(attribute.Int("owned", len(out)))
	return out, nil
}
