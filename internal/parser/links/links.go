// Package links is a reference parser: it records each page as an item and
// follows its anchors.
package links

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Config controls what the parser emits.
type Config struct {
	// FollowNofollow also follows anchors marked rel="nofollow".
	FollowNofollow bool
	// SkipItems disables the per-page item.
	SkipItems bool
}

// Parser implements crawler.Parser with goquery.
type Parser struct {
	cfg Config
}

// New returns a Parser.
func New(cfg Config) *Parser {
	return &Parser{cfg: cfg}
}

// Parse yields one item describing the page followed by a request for every
// distinct absolute http(s) link. Follow-ups inherit the parent's priority.
func (p *Parser) Parse(ctx context.Context, resp *crawler.Response) iter.Seq2[crawler.Output, error] {
	return func(yield func(crawler.Output, error) bool) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			yield(crawler.Output{}, fmt.Errorf("parse html from %s: %w", resp.URL, err))
			return
		}
		base, err := url.Parse(resp.URL)
		if err != nil {
			yield(crawler.Output{}, fmt.Errorf("parse response url %q: %w", resp.URL, err))
			return
		}
		if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
			if ref, err := base.Parse(strings.TrimSpace(href)); err == nil {
				base = ref
			}
		}

		if !p.cfg.SkipItems {
			item := crawler.NewItem()
			item.Data["url"] = resp.URL
			item.Data["title"] = strings.TrimSpace(doc.Find("title").First().Text())
			item.Data["status"] = resp.StatusCode
			item.Metadata["rendered"] = resp.Rendered
			item.Metadata["bytes"] = len(resp.Body)
			if !yield(crawler.ItemOutput(item), nil) {
				return
			}
		}

		priority := 0
		if resp.Request != nil {
			priority = resp.Request.Priority
		}
		seen := make(map[string]struct{})
		for _, sel := range doc.Find("a[href]").EachIter() {
			if ctx.Err() != nil {
				return
			}
			if !p.cfg.FollowNofollow && hasRel(sel, "nofollow") {
				continue
			}
			href, _ := sel.Attr("href")
			link, ok := resolve(base, href)
			if !ok {
				continue
			}
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			if !yield(crawler.RequestOutput(crawler.NewRequest(link, priority)), nil) {
				return
			}
		}
	}
}

// resolve makes href absolute against base and strips the fragment. Only
// http and https links are kept.
func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	if ref.Host == "" {
		return "", false
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}

func hasRel(sel *goquery.Selection, value string) bool {
	rel, ok := sel.Attr("rel")
	if !ok {
		return false
	}
	for _, part := range strings.Fields(strings.ToLower(rel)) {
		if part == value {
			return true
		}
	}
	return false
}
