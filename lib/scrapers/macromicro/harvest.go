package macromicro

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel/codes"
)

type HarvestOptions struct {
	PageURL   string
	UserAgent string
	// NavTimeout bounds page navigation, TokenTimeout bounds the wait
	// for the session token to appear once the page has loaded.
	NavTimeout   time.Duration
	TokenTimeout time.Duration
	Headful      bool
}

// navigator.webdriver is the first thing bot detection scripts look at.
const stealthScript = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`

// the expression both tests for and yields App.stk so the bounded poll
// resolves directly to the token value
const tokenExpr = `window.App && typeof window.App.stk === 'string' && window.App.stk.length > 0 && window.App.stk`

// HarvestCredentials drives a headless browser session to the chart
// page and waits for the client-side application state to expose the
// session token. Either a complete credential bundle comes back or an
// error wrapping ErrHarvestFailed, never a partial one. The browser is
// released on every path.
func HarvestCredentials(ctx context.Context, opts HarvestOptions) (Credentials, error) {
	ctx, span := tracer.Start(ctx, "HarvestCredentials")
	defer span.End()

	if opts.NavTimeout <= 0 {
		opts.NavTimeout = time.Minute
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = time.Second * 25
	}

	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(opts.UserAgent),
		chromedp.Flag("headless", !opts.Headful),
		// keeps blink from exposing the automation before the init
		// script gets a chance to run
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	harvestError := func(stage string, err error) (Credentials, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		return Credentials{}, fmt.Errorf("%w: %s: %v", ErrHarvestFailed, stage, err)
	}

	navCtx, cancelNav := context.WithTimeout(browserCtx, opts.NavTimeout)
	defer cancelNav()
	err := chromedp.Run(navCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.Navigate(opts.PageURL),
	)
	if err != nil {
		return harvestError(fmt.Sprintf("navigate %s", opts.PageURL), err)
	}

	token, err := waitForToken(browserCtx, opts.TokenTimeout)
	if err != nil {
		return harvestError("wait for session token", err)
	}

	var rawCookies []*network.Cookie
	err = chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		rawCookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return harvestError("read cookie jar", err)
	}

	creds := Credentials{
		Token:   token,
		Cookies: cookiesFromBrowser(rawCookies),
	}

	if creds.Token == "" || len(creds.Cookies) == 0 {
		return harvestError(
			"validate bundle",
			fmt.Errorf("empty token or cookie jar after wait"),
		)
	}
	return creds, nil
}

// waitForToken blocks until App.stk materializes, bounded by timeout.
// When the poll times out it falls back to scanning the rendered HTML,
// the token is also present in the page's inline bootstrap script.
func waitForToken(browserCtx context.Context, timeout time.Duration) (string, error) {
	var token string
	pollCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()
	err := chromedp.Run(pollCtx, chromedp.Poll(
		tokenExpr, &token,
		chromedp.WithPollingTimeout(timeout),
	))
	if err == nil {
		return token, nil
	}

	// the fallback dump gets its own bound so a wedged renderer cannot
	// stall the harvest indefinitely
	dumpCtx, cancelDump := context.WithTimeout(browserCtx, time.Second*10)
	defer cancelDump()
	var html string
	htmlErr := chromedp.Run(dumpCtx, chromedp.OuterHTML("html", &html))
	if htmlErr != nil {
		return "", err
	}
	token = extractTokenFromHTML(html)
	if token == "" {
		return "", err
	}
	return token, nil
}

func cookiesFromBrowser(raw []*network.Cookie) []Cookie {
	var cookies []Cookie
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return cookies
}

var stkRegex = regexp.MustCompile(`App\.stk\s*=\s*['"]([^'"]+)['"]`)

func extractTokenFromHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	var token string
	doc.Find("script").EachWithBreak(func(_ int, script *goquery.Selection) bool {
		groups := stkRegex.FindStringSubmatch(script.Text())
		if len(groups) < 2 {
			return true
		}
		token = groups[1]
		return false
	})
	return token
}
