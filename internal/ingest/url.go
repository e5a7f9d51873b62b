package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/net/html"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/utils"
)

// Static fetches read at most this many bytes.
const maxPageBytes = 5 << 20

// Renderer loads a page in a browser and returns its visible text.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

type URLFetcher struct {
	log      *logger.Logger
	client   *http.Client
	renderer Renderer
}

// NewURLFetcher builds a fetcher. A nil renderer disables the browser fallback.
func NewURLFetcher(log *logger.Logger, client *http.Client, renderer Renderer) *URLFetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &URLFetcher{log: log.With("component", "URLFetcher"), client: client, renderer: renderer}
}

// ValidateURL accepts absolute http(s) URLs only.
func ValidateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apierr.Invalid("invalid url %q", raw)
	}
	return u.String(), nil
}

// Fetch returns the page text as one segment. Scrape failures degrade to a
// placeholder segment; only a malformed URL is an error.
func (f *URLFetcher) Fetch(ctx context.Context, rawURL string) (Segment, error) {
	pageURL, err := ValidateURL(rawURL)
	if err != nil {
		return Segment{}, err
	}
	meta := map[string]any{"source": SourceURL, "url": pageURL}

	text, err := f.fetchStatic(ctx, pageURL)
	if err != nil {
		f.log.Warn("Static fetch failed", "url", pageURL, "error", err)
	}
	if text == "" && f.renderer != nil {
		f.log.Debug("Falling back to browser render", "url", pageURL)
		rendered, rerr := f.renderer.Render(ctx, pageURL)
		if rerr != nil {
			f.log.Warn("Browser render failed", "url", pageURL, "error", rerr)
		}
		text = utils.CollapseSpace(rendered)
	}
	if text == "" {
		meta["scrapeFailed"] = true
		return Segment{Text: "Failed to scrape content from " + pageURL, Metadata: meta}, nil
	}
	return Segment{Text: text, Metadata: meta}, nil
}

func (f *URLFetcher) fetchStatic(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; EchoBot/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxPageBytes)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", err
		}
		return utils.CollapseSpace(utils.ToValidUTF8(string(raw))), nil
	}
	return HTMLText(body)
}

// skippedElements never contribute visible text.
var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"svg": true, "iframe": true, "nav": true, "footer": true,
}

// HTMLText extracts the visible text of an HTML document, keeping the title.
func HTMLText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var (
		b       strings.Builder
		title   string
		inTitle bool
		skip    int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				text := utils.CollapseSpace(b.String())
				if title = utils.CollapseSpace(title); title != "" && !strings.HasPrefix(text, title) {
					text = strings.TrimSpace(title + "\n" + text)
				}
				return text, nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "title" {
				inTitle = true
			} else if skippedElements[tag] {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "title" {
				inTitle = false
			} else if skippedElements[tag] && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.TextToken:
			if inTitle {
				title += string(z.Text())
				continue
			}
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

// ChromeRenderer renders JavaScript-heavy pages with a headless Chrome.
type ChromeRenderer struct {
	Timeout time.Duration
}

func (r ChromeRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	runCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	var text string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", pageURL, err)
	}
	return text, nil
}
