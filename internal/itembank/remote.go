package itembank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/pbaille/chccat/internal/domain"
)

// maxRemoteSize bounds a fetched bank or form (16MB)
const maxRemoteSize = 16 << 20

// IsURL checks if a source looks like an http(s) URL
func IsURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Open loads an item bank from a file path or an http(s) URL.
func Open(ctx context.Context, src string) (*Bank, error) {
	if !IsURL(src) {
		return Load(src)
	}
	body, err := fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch item bank: %w", err)
	}
	return Decode(bytes.NewReader(body))
}

// OpenForm loads a form from a file path or an http(s) URL.
func OpenForm(ctx context.Context, src string) (*Form, error) {
	if !IsURL(src) {
		return LoadForm(src)
	}
	body, err := fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch form: %w", err)
	}
	var f Form
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode form: %w", err)
	}
	return &f, nil
}

func fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	// Fetch with timeout
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "chccat/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxRemoteSize {
		return nil, fmt.Errorf("body larger than %d bytes", maxRemoteSize)
	}
	return body, nil
}

// StemText returns the readable text of an item's stimulus, taken from the
// "stem_html" or "stem" field of its content. It is what reviewers see next
// to a flagged item. Long stems are cut at limit runes.
func StemText(it domain.Item, limit int) string {
	var c struct {
		StemHTML string `json:"stem_html"`
		Stem     string `json:"stem"`
	}
	if len(it.Content) == 0 || json.Unmarshal(it.Content, &c) != nil {
		return ""
	}
	text := strings.Join(strings.Fields(c.Stem), " ")
	if c.StemHTML != "" {
		text = extractText(c.StemHTML)
	}
	if r := []rune(text); limit > 0 && len(r) > limit {
		text = strings.TrimSpace(string(r[:limit])) + "..."
	}
	return text
}

// extractText parses HTML and returns its visible text
func extractText(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return ""
	}

	// Tags to skip (non-content)
	skipTags := map[string]bool{
		"script": true, "style": true, "noscript": true, "template": true,
	}

	var sb strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			// stimulus images only contribute their alt text
			for _, a := range n.Attr {
				if a.Key == "alt" && a.Val != "" {
					sb.WriteString("[" + a.Val + "] ")
				}
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(doc)

	return strings.Join(strings.Fields(sb.String()), " ")
}
