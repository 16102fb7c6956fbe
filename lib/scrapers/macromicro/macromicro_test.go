package macromicro

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mmois-backend/lib/telemetry"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

const testUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36"

func TestCookieHeader(t *testing.T) {
	creds := Credentials{
		Token: "abc",
		Cookies: []Cookie{
			{Name: "cf_clearance", Value: "xyz", Domain: ".macromicro.me", Path: "/"},
			{Name: "PHPSESSID", Value: "123", Domain: "en.macromicro.me", Path: "/"},
		},
	}
	require.Equal(t, "cf_clearance=xyz; PHPSESSID=123", creds.CookieHeader())

	require.Equal(t, "", Credentials{}.CookieHeader())
}

func TestCookiesFromBrowser(t *testing.T) {
	raw := []*network.Cookie{
		{Name: "cf_clearance", Value: "xyz", Domain: ".macromicro.me", Path: "/"},
		{Name: "PHPSESSID", Value: "123", Domain: "en.macromicro.me", Path: "/"},
	}

	cookies := cookiesFromBrowser(raw)
	require.Equal(t, []Cookie{
		{Name: "cf_clearance", Value: "xyz", Domain: ".macromicro.me", Path: "/"},
		{Name: "PHPSESSID", Value: "123", Domain: "en.macromicro.me", Path: "/"},
	}, cookies)

	require.Empty(t, cookiesFromBrowser(nil))
}

func TestExtractTokenFromHTML(t *testing.T) {
	cases := []struct {
		name   string
		html   string
		expect string
	}{
		{
			name: "single quoted",
			html: `<html><head><script>
				var App = App || {};
				App.stk = 'abcdef123456';
			</script></head><body></body></html>`,
			expect: "abcdef123456",
		},
		{
			name:   "double quoted",
			html:   `<html><script>App.stk = "tok";</script></html>`,
			expect: "tok",
		},
		{
			name:   "second script tag",
			html:   `<html><script>var x = 1;</script><script>App.stk='deep';</script></html>`,
			expect: "deep",
		},
		{
			name:   "absent",
			html:   `<html><script>var App = {};</script></html>`,
			expect: "",
		},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expect, extractTokenFromHTML(test.html))
		})
	}
}

func testCredentials() Credentials {
	return Credentials{
		Token: "harvested-token",
		Cookies: []Cookie{
			{Name: "cf_clearance", Value: "ok", Domain: ".macromicro.me", Path: "/"},
		},
	}
}

func TestFetchChartData(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:macromicro")
	defer cleanup()

	payload := `{"data":{"c:115044":{"series":[[["2024-01-01",4.5]]]}}}`

	var gotPath string
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		BaseUrl:    server.URL,
		RefererUrl: "https://en.macromicro.me/charts/115044",
		UserAgent:  testUserAgent,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	body, err := client.FetchChartData(ctx, testCredentials(), "115044")
	require.NoError(t, err)
	require.JSONEq(t, payload, string(body))

	require.Equal(t, "/charts/data/115044", gotPath)
	require.Equal(t, "Bearer harvested-token", gotHeaders.Get("Authorization"))
	require.Equal(t, "cf_clearance=ok", gotHeaders.Get("Cookie"))
	require.Equal(t, testUserAgent, gotHeaders.Get("User-Agent"))
	require.Equal(t, "https://en.macromicro.me/charts/115044", gotHeaders.Get("Referer"))
}

func TestFetchChartDataStatusError(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:macromicro")
	defer cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("blocked by upstream"))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		BaseUrl:   server.URL,
		UserAgent: testUserAgent,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, err = client.FetchChartData(ctx, testCredentials(), "115044")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrFetchFailed))
	// diagnostics carry the response body excerpt
	require.Contains(t, err.Error(), "blocked by upstream")
}

func TestFetchChartDataMalformedJson(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:macromicro")
	defer cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>challenge page</html>"))
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		BaseUrl:   server.URL,
		UserAgent: testUserAgent,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	_, err = client.FetchChartData(ctx, testCredentials(), "115044")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrFetchFailed))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab...", truncate("abcdef", 2))
}
