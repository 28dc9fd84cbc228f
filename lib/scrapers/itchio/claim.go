package itchio

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type ClaimOutcome int

const (
	OutcomeClaimed ClaimOutcome = iota
	// the account already owns the item; the goal is satisfied either way
	OutcomeAlreadyOwned
	// the item is downloadable without claiming, there is nothing to add
	// to the library
	OutcomeNotClaimable
)

func (o ClaimOutcome) String() string {
	switch o {
	case OutcomeClaimed:
		return "claimed"
	case OutcomeAlreadyOwned:
		return "already_owned"
	}
	return "not_claimable"
}

// ClaimGame adds a free game to the logged-in account's library. Rate
// limiting surfaces as ErrRateLimited so callers can back off and retry;
// permanent rejections come back as *ClaimError.
func (c *Client) ClaimGame(ctx context.Context, gameUrl string) (ClaimOutcome, error) {
	ctx, span := tracer.Start(ctx, "client:ClaimGame")
	defer span.End()
	span.SetAttributes(attribute.String("url", gameUrl))

	csrf := c.CSRFToken()
	if csrf == "" {
		return 0, ErrSessionExpired
	}

	res, err := c.Http.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(map[string]string{"csrf_token": csrf}).
		Post(gameUrl + "/download_url")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to request download url")
		return 0, err
	}
	if res.StatusCode() == http.StatusTooManyRequests {
		return 0, ErrRateLimited
	}

	var download struct {
		URL    string   `json:"url"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(res.Body(), &download); err != nil {
		return 0, &ClaimError{Reason: "malformed download_url response", Permanent: true}
	}
	if len(download.Errors) > 0 {
		span.SetStatus(codes.Error, download.Errors[0])
		return 0, &ClaimError{Reason: download.Errors[0], Permanent: true}
	}
	if download.URL == "" {
		return 0, &ClaimError{Reason: "download_url response carried no url", Permanent: true}
	}

	res, err = c.Http.R().
		SetContext(ctx).
		Get(download.URL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch download page")
		return 0, err
	}
	if res.StatusCode() == http.StatusTooManyRequests {
		return 0, ErrRateLimited
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return 0, err
	}
	claimForm := doc.Find("div.claim_to_download_box form").First()
	action, ok := claimForm.Attr("action")
	if !ok {
		// no claim box: either the item never needed claiming or the
		// account owns it already
		if c.ownsOnline(ctx, gameUrl) {
			return OutcomeAlreadyOwned, nil
		}
		return OutcomeNotClaimable, nil
	}

	res, err = c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"csrf_token": csrf}).
		Post(action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to post claim")
		return 0, err
	}
	if res.StatusCode() == http.StatusTooManyRequests {
		return 0, ErrRateLimited
	}

	// a redirect back to the storefront root means the claim bounced,
	// which happens both on rejection and when the item was already owned
	if final := finalUrl(res); final != nil && final.Path == "/" {
		if c.ownsOnline(ctx, gameUrl) {
			return OutcomeAlreadyOwned, nil
		}
		span.SetStatus(codes.Error, "claim bounced")
		return 0, &ClaimError{Reason: "claim rejected by the storefront", Permanent: true}
	}
	return OutcomeClaimed, nil
}

func (c *Client) ownsOnline(ctx context.Context, gameUrl string) bool {
	res, err := c.Http.R().
		SetContext(ctx).
		Get(gameUrl)
	if err != nil {
		return false
	}
	return bytes.Contains(res.Body(), []byte("ownership_reason"))
}
