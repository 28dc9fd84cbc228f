package itchio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type SaleKind int

const (
	// active sale with games discounted by 100%
	SaleFree SaleKind = iota
	// 100% off but the sale has not started yet
	SaleUpcoming
	SaleEnded
	SaleNotFree
	// raw 404, no sale page ever existed here (frontier evidence)
	SaleNotFound
	// 404 behind a redirect, the sale existed once and was removed
	SaleRetired
	SaleRateLimited
	SaleMalformed
)

func (k SaleKind) String() string {
	switch k {
	case SaleFree:
		return "free"
	case SaleUpcoming:
		return "upcoming"
	case SaleEnded:
		return "ended"
	case SaleNotFree:
		return "not_free"
	case SaleNotFound:
		return "not_found"
	case SaleRetired:
		return "retired"
	case SaleRateLimited:
		return "rate_limited"
	}
	return "malformed"
}

type Sale struct {
	ID    int64
	Start time.Time
	End   time.Time
}

type Game struct {
	ID     int64
	Title  string
	URL    string
	Author string
	// Price is only meaningful when HasPrice is set; some cells carry no
	// price element at all.
	Price    float64
	HasPrice bool
}

// SalePage is the tagged result of fetching one sale ID. All tolerance for
// "the website might return anything" lives in the classify step that
// produces it.
type SalePage struct {
	Kind  SaleKind
	Sale  Sale
	Games []Game
}

func (c *Client) FetchSale(ctx context.Context, id int64) (SalePage, error) {
	ctx, span := tracer.Start(ctx, "client:FetchSale")
	defer span.End()
	span.SetAttributes(attribute.Int64("sale_id", id))

	path := fmt.Sprintf("/s/%d", id)
	res, err := c.Http.R().
		SetContext(ctx).
		Get(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch sale page")
		return SalePage{}, err
	}
	if res.StatusCode() >= 500 {
		err := fmt.Errorf("sale %d: server returned status %d", id, res.StatusCode())
		span.RecordError(err)
		return SalePage{}, err
	}

	page := classifySalePage(id, path, finalUrl(res), res.StatusCode(), res.Body())
	span.SetAttributes(attribute.String("kind", page.Kind.String()))
	return page, nil
}

var salePageDataRegex = regexp.MustCompile(`new I\.SalePage\([^,]*, (\{.*?\})\);`)

const salePageDateFormat = "2006-01-02T15:04:05Z"

// classifySalePage turns a raw storefront response into a tagged SalePage.
// It never fails; anything it cannot make sense of is SaleMalformed.
func classifySalePage(id int64, requestedPath string, final *url.URL, status int, body []byte) SalePage {
	switch {
	case status == http.StatusTooManyRequests:
		return SalePage{Kind: SaleRateLimited}
	case status == http.StatusNotFound:
		// a 404 reached through a redirect is a retired sale somewhere in
		// the middle of the ID space, not evidence of the frontier
		if final != nil && final.Path != requestedPath {
			return SalePage{Kind: SaleRetired}
		}
		return SalePage{Kind: SaleNotFound}
	case status != http.StatusOK:
		return SalePage{Kind: SaleMalformed}
	}

	sale, ok := parseSaleData(id, body)
	if !ok {
		return SalePage{Kind: SaleMalformed}
	}

	if bytes.Contains(body, []byte("This sale ended")) {
		return SalePage{Kind: SaleEnded, Sale: sale}
	}
	if !bytes.Contains(body, []byte("100%</strong> off")) {
		return SalePage{Kind: SaleNotFree, Sale: sale}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return SalePage{Kind: SaleMalformed, Sale: sale}
	}
	games := parseGameCells(doc)

	kind := SaleFree
	notActive := doc.Find("div.not_active_notification")
	if notActive.Length() > 0 && strings.Contains(notActive.Text(), "Come back") {
		kind = SaleUpcoming
	}
	return SalePage{Kind: kind, Sale: sale, Games: games}
}

func parseSaleData(id int64, body []byte) (Sale, bool) {
	groups := salePageDataRegex.FindSubmatch(body)
	if len(groups) < 2 {
		return Sale{}, false
	}

	var data struct {
		ID        int64  `json:"id"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := json.Unmarshal(groups[1], &data); err != nil {
		return Sale{}, false
	}
	if data.ID != id {
		return Sale{}, false
	}

	start, err := time.Parse(salePageDateFormat, data.StartDate)
	if err != nil {
		return Sale{}, false
	}
	end, err := time.Parse(salePageDateFormat, data.EndDate)
	if err != nil {
		return Sale{}, false
	}
	return Sale{ID: id, Start: start, End: end}, true
}

var priceRegex = regexp.MustCompile(`[-+]?(?:\d*\.\d+|\d+)`)

func parseGameCells(doc *goquery.Document) []Game {
	var games []Game
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
		game := Game{
			ID:     id,
			Title:  strings.TrimSpace(link.Text()),
			URL:    link.AttrOr("href", ""),
			Author: strings.TrimSpace(cell.Find("div.game_author a").First().Text()),
		}
		if game.URL == "" {
			return
		}

		priceText := cell.Find("div.price_value").First().Text()
		if match := priceRegex.FindString(priceText); match != "" {
			price, err := strconv.ParseFloat(match, 64)
			if err == nil {
				game.Price = price
				game.HasPrice = true
			}
		}
		games = append(games, game)
	})
	return games
}
