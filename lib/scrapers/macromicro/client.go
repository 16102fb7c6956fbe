package macromicro

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"mmois-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	referer   string
	userAgent string
}

type ClientOptions struct {
	// BaseUrl is the site root, e.g. https://en.macromicro.me
	BaseUrl string
	// RefererUrl is the chart page the credentials were harvested
	// from.
	RefererUrl string
	// UserAgent must be the exact string the harvesting browser ran
	// with, the server fingerprints header/session mismatches.
	UserAgent string
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	// a plain http.Transport gets stopped at the Cloudflare JS
	// challenge before ever reaching the data endpoint
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(time.Second * 30)

	// 2 requests max per second
	// max burst >= 2 just means that no requests will be dropped
	rateLimiter := rate.NewLimiter(2, 2)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(client, "scrapers/macromicro/http")

	return &Client{
		BaseUrl:   baseUrl,
		Http:      client,
		referer:   opts.RefererUrl,
		userAgent: opts.UserAgent,
	}, nil
}

// FetchChartData issues a single GET against the chart data endpoint
// using harvested credentials. One attempt, no retry; a failed fetch
// means the credentials are stale and the whole run should restart.
func (c *Client) FetchChartData(ctx context.Context, creds Credentials, chartID string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "FetchChartData")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"Accept":          "*/*",
			"Accept-Encoding": "gzip",
			"Accept-Language": "en-US,en;q=0.9",
			"Authorization":   fmt.Sprintf("Bearer %s", creds.Token),
			"Cookie":          creds.CookieHeader(),
			"Referer":         c.referer,
			"User-Agent":      c.userAgent,
		}).
		Get(fmt.Sprintf("/charts/data/%s", chartID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return nil, fmt.Errorf(
			"%w: status %s: %s",
			ErrFetchFailed, res.Status(), truncate(res.String(), 512),
		)
	}

	body := res.Body()
	if !gjson.ValidBytes(body) {
		span.SetStatus(codes.Error, "malformed json")
		return nil, fmt.Errorf(
			"%w: response is not valid json: %s",
			ErrFetchFailed, truncate(string(body), 512),
		)
	}
	return body, nil
}
