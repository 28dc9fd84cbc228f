package itchio

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
)

// GameClaimable reports whether a free game can be claimed into a library.
// Browser-only games expose a plain download button instead and are free
// for everyone without claiming.
func (c *Client) GameClaimable(ctx context.Context, gameUrl string) (bool, error) {
	ctx, span := tracer.Start(ctx, "client:GameClaimable")
	defer span.End()
	span.SetAttributes(attribute.String("url", gameUrl))

	res, err := c.Http.R().
		SetContext(ctx).
		Get(gameUrl)
	if err != nil {
		return false, err
	}
	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		return false, ErrRateLimited
	case res.StatusCode() != http.StatusOK:
		return false, fmt.Errorf("game page returned status %d", res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return false, err
	}

	button := doc.Find("div.buy_row a.button.buy_btn").First()
	return strings.TrimSpace(button.Text()) == "Download or claim", nil
}
