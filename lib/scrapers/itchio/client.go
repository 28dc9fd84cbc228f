package itchio

import (
	"context"
	"net/http/cookiejar"
	"net/url"
	"time"

	"itchgrab/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("scrapers/itchio")

const DefaultBaseUrl = "https://itch.io"

// csrf tokens ride in this cookie, url-encoded
const csrfCookie = "itchio_token"

type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client
}

type ClientOptions struct {
	BaseUrl string
	// sent on every request so the storefront can tell who we are.
	// this is a mandatory part of the contract with the remote service.
	UserAgent string
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.BaseUrl == "" {
		opts.BaseUrl = DefaultBaseUrl
	}
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "itchgrab"
	}
	client.SetHeader("user-agent", userAgent)
	client.SetHeader("accept-language", "en-GB,en;q=0.9")
	// game pages live on per-author subdomains
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "scrapers/itchio/http")

	c := &Client{
		BaseUrl: baseUrl,
		Http:    client,
	}
	return c, nil
}

// CSRFToken returns the decoded csrf token from the session cookie, or ""
// when no session has been established yet.
func (c *Client) CSRFToken() string {
	jar := c.Http.GetClient().Jar
	if jar == nil {
		return ""
	}
	for _, cookie := range jar.Cookies(c.BaseUrl) {
		if cookie.Name != csrfCookie {
			continue
		}
		token, err := url.QueryUnescape(cookie.Value)
		if err != nil {
			return cookie.Value
		}
		return token
	}
	return ""
}

func finalUrl(res *resty.Response) *url.URL {
	if res.RawResponse == nil || res.RawResponse.Request == nil {
		return nil
	}
	return res.RawResponse.Request.URL
}
