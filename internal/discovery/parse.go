package discovery

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonathan/pharma-watch/internal/fetch"
	"github.com/jonathan/pharma-watch/internal/types"
)

// Selectors for the catalog markup.
const (
	productSelector     = "div.klb-product"
	nameSelector        = "div.product-text h4 a"
	skuSelector         = "a.ajax_add_to_cart"
	skuAttr             = "data-product_sku"
	imageSelector       = "div.product-02-img img"
	descriptionSelector = "#tab-description p"
)

// imageAttrs are checked in order; lazy-loading themes keep the real URL in data attributes.
var imageAttrs = []string{"data-src", "data-lazy-src", "src"}

// PageURL returns the listing URL for page n. Page 1 is the base URL itself.
func PageURL(base string, n int) string {
	if n <= 1 {
		return base
	}
	return fmt.Sprintf("%s/page/%d/", strings.TrimRight(base, "/"), n)
}

// ParseListings extracts the products of a listing page. Entries without a
// name link or a numeric SKU are skipped; duplicate SKUs keep the first entry.
// Relative URLs are resolved against pageURL.
func ParseListings(html []byte, pageURL string) ([]types.Product, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, &ParseError{Message: "failed to parse page URL", Cause: err}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, &ParseError{Message: "failed to parse HTML", Cause: err}
	}

	seen := make(map[int64]bool)
	products := make([]types.Product, 0)

	doc.Find(productSelector).Each(func(_ int, s *goquery.Selection) {
		nameTag := s.Find(nameSelector).First()
		skuTag := s.Find(skuSelector).First()
		if nameTag.Length() == 0 || skuTag.Length() == 0 {
			return
		}

		sku, err := strconv.ParseInt(strings.TrimSpace(skuTag.AttrOr(skuAttr, "")), 10, 64)
		if err != nil || sku <= 0 || seen[sku] {
			return
		}
		seen[sku] = true

		p := types.Product{
			SKU:  sku,
			Name: fetch.CleanWhitespace(nameTag.Text()),
			URL:  resolve(base, nameTag.AttrOr("href", "")),
		}
		if img := s.Find(imageSelector).First(); img.Length() > 0 {
			for _, attr := range imageAttrs {
				if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" {
					p.ImageURL = resolve(base, v)
					break
				}
			}
		}
		products = append(products, p)
	})

	return products, nil
}

// ParseDescription returns the non-empty paragraphs of a product page's
// description tab joined by newlines, or "" when the tab is missing.
func ParseDescription(html []byte) (string, error) {
	text, err := fetch.ExtractText(string(html), descriptionSelector)
	if err != nil {
		return "", &ParseError{Message: "failed to parse product page", Cause: err}
	}
	return text, nil
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
