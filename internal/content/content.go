// Package content fetches a page over HTTP and extracts readable text,
// used by offline scan mode and as a fallback when the bridge cannot
// extract content in-page.
package content

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/moezakura/ai-tab-sorter/internal/types"
)

var skipPrefixes = []string{"about:", "moz-extension:", "chrome-extension:", "file:", "chrome:", "resource:", "data:"}

// Fetchable reports whether the URL is something worth fetching at all.
func Fetchable(url string) bool {
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(url, prefix) {
			return false
		}
	}
	return true
}

// FetchReadable fetches a URL and extracts readable page content.
// Returns an error for non-HTTP URLs or if extraction fails.
func FetchReadable(ctx context.Context, url string) (types.PageContent, error) {
	if !Fetchable(url) {
		return types.PageContent{}, fmt.Errorf("skipping non-HTTP URL: %s", url)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return types.PageContent{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	resp, err := client.Do(req)
	if err != nil {
		return types.PageContent{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return types.PageContent{}, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, nil)
	if err != nil {
		return types.PageContent{}, fmt.Errorf("extract readable content from %s: %w", url, err)
	}

	return types.PageContent{
		URL:         url,
		Title:       article.Title,
		Description: article.Excerpt,
		Content:     article.TextContent,
	}, nil
}
