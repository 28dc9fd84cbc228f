package itchio

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pquerna/otp/totp"
	"go.opentelemetry.io/otel/codes"
)

// NormalizeTOTP accepts either a 6 digit one-time code or the base32 shared
// secret it is derived from. Given a secret, the current code is computed.
func NormalizeTOTP(input string, now time.Time) (string, error) {
	input = strings.ReplaceAll(input, " ", "")
	if input == "" {
		return "", nil
	}
	if len(input) == 6 && strings.Trim(input, "0123456789") == "" {
		return input, nil
	}
	return totp.GenerateCode(strings.ToUpper(input), now)
}

func formErrors(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("div.form_errors li").First().Text())
}

// Login authenticates the client's cookie session. totpInput may be empty
// (only valid when the account has no second factor), a 6 digit code, or
// the shared secret.
func (c *Client) Login(ctx context.Context, username, password, totpInput string) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get("/login")
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch login page")
		return err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse login page")
		return err
	}

	csrf := doc.Find("input[name=csrf_token]").AttrOr("value", c.CSRFToken())
	if csrf == "" {
		span.SetStatus(codes.Error, "failed to find csrf token")
		return &AuthError{Message: "could not find csrf token on login page"}
	}

	res, err = c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username":   username,
			"password":   password,
			"csrf_token": csrf,
		}).
		Post("/login")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to make login request")
		return err
	}
	if res.StatusCode() == http.StatusTooManyRequests {
		return ErrRateLimited
	}

	doc, err = goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse login response")
		return err
	}
	if msg := formErrors(doc); msg != "" {
		span.SetStatus(codes.Error, msg)
		return &AuthError{Message: msg}
	}

	final := finalUrl(res)
	challenged := doc.Find("input[name=code]").Length() > 0
	if final != nil && strings.Contains(final.Path, "/totp/") {
		challenged = true
	}
	if challenged {
		verifyUrl := res.Request.URL
		if final != nil {
			verifyUrl = final.String()
		}
		return c.answerTOTPChallenge(ctx, verifyUrl, csrf, doc, totpInput)
	}

	if final != nil && strings.HasSuffix(final.Path, "/login") {
		span.SetStatus(codes.Error, "still on login page")
		return &AuthError{Message: "credentials rejected"}
	}
	return nil
}

func (c *Client) answerTOTPChallenge(ctx context.Context, verifyUrl, csrf string, doc *goquery.Document, totpInput string) error {
	ctx, span := tracer.Start(ctx, "client:answerTOTPChallenge")
	defer span.End()

	code, err := NormalizeTOTP(totpInput, time.Now())
	if err != nil {
		return &AuthError{Message: "could not derive one-time code: " + err.Error()}
	}
	if code == "" {
		return &AuthError{Message: "account requires a second factor code"}
	}

	csrf = doc.Find("input[name=csrf_token]").AttrOr("value", csrf)
	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"csrf_token": csrf,
			"code":       code,
		}).
		Post(verifyUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to make totp request")
		return err
	}
	if res.StatusCode() == http.StatusTooManyRequests {
		return ErrRateLimited
	}

	verified, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return err
	}
	if msg := formErrors(verified); msg != "" {
		span.SetStatus(codes.Error, msg)
		return &AuthError{Message: msg}
	}
	if final := finalUrl(res); final != nil && strings.Contains(final.Path, "/totp/") {
		span.SetStatus(codes.Error, "second factor rejected")
		return &AuthError{Message: "second factor rejected"}
	}
	return nil
}
