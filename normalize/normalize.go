// Package normalize converts raw source items into canonical product
// records: parsed decimal prices, ISO currency codes, sanitized titles,
// absolute affiliate-tagged URLs.
//
// Normalization is strict about money: a price that cannot be parsed
// unambiguously rejects the item rather than guessing, so garbled markup
// never reaches the price history.
package normalize

import (
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/hazyhaar/pricewatch/source"
)

// Record is one canonical product observation, ready for reconciliation.
type Record struct {
	Source   string
	NativeID string

	Title        string
	URL          string
	Image        string
	Category     string
	Availability string

	Price    decimal.Decimal
	Currency string // ISO 4217

	Rating      *float64 // absent when the source shows none
	ReviewCount *int

	FetchedAt time.Time
}

// Error is a normalization failure for one item field.
type Error struct {
	Source string
	Field  string
	Value  string
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize: %s: field %s=%q: %s", e.Source, e.Field, e.Value, e.Msg)
}

// Rules are the per-source normalization settings.
type Rules struct {
	// Mapping translates raw item keys to canonical field names. Empty means
	// raw keys are already canonical.
	Mapping map[string]string
	// DefaultCurrency applies when the price string carries no currency
	// marker of its own.
	DefaultCurrency string
}

// Config configures a Normalizer.
type Config struct {
	// AffiliateTag is appended to product URLs on matching domains.
	AffiliateTag string
	// AffiliateDomains are substring matches against the URL host.
	AffiliateDomains []string

	Logger *slog.Logger
}

// Normalizer converts payloads into records.
type Normalizer struct {
	cfg      Config
	sanitize *bluemonday.Policy
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Normalizer{cfg: cfg, sanitize: bluemonday.StrictPolicy()}
}

// Normalize converts every item in p. Items that fail normalization are
// skipped with a warning; an error is returned only when nothing survives,
// so one honeypot row cannot sink a whole result page.
func (n *Normalizer) Normalize(rules Rules, p *source.Payload) ([]Record, error) {
	var (
		records []Record
		lastErr error
	)
	for _, item := range p.Items {
		rec, err := n.normalizeItem(rules, p, item)
		if err != nil {
			lastErr = err
			n.cfg.Logger.Warn("normalize: item rejected",
				"source", p.Source, "error", err)
			continue
		}
		records = append(records, *rec)
	}
	if len(records) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &Error{Source: p.Source, Field: "items", Msg: "payload is empty"}
	}
	return records, nil
}

func (n *Normalizer) normalizeItem(rules Rules, p *source.Payload, item source.Item) (*Record, error) {
	fields := remap(rules.Mapping, item)

	rec := &Record{
		Source:    p.Source,
		FetchedAt: p.FetchedAt,
	}

	rec.NativeID = fields["native_id"]
	if rec.NativeID == "" {
		rec.NativeID = source.NativeIDFromURL(fields["url"])
	}
	if rec.NativeID == "" {
		return nil, &Error{Source: p.Source, Field: "native_id", Msg: "missing product identifier"}
	}

	rec.Title = n.cleanText(fields["title"])
	if rec.Title == "" {
		return nil, &Error{Source: p.Source, Field: "title", Msg: "missing title"}
	}

	price, cur, err := ParsePrice(fields["price"], rules.DefaultCurrency)
	if err != nil {
		return nil, err
	}
	if c := strings.ToUpper(strings.TrimSpace(fields["currency"])); c != "" {
		cur = c
	}
	if _, err := currency.ParseISO(cur); err != nil {
		return nil, &Error{Source: p.Source, Field: "currency", Value: cur, Msg: "not an ISO 4217 code"}
	}
	rec.Price, rec.Currency = price, cur

	rec.URL = AffiliateURL(fields["url"], n.cfg.AffiliateTag, n.cfg.AffiliateDomains)
	rec.Image = fields["image"]
	rec.Category = n.cleanText(fields["category"])
	rec.Availability = n.cleanText(fields["availability"])

	if raw := fields["rating"]; raw != "" {
		v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
		if err == nil && v >= 0 && v <= 5 {
			rec.Rating = &v
		}
	}
	if raw := fields["review_count"]; raw != "" {
		v, err := strconv.Atoi(strings.NewReplacer(",", "", ".", "", " ", "").Replace(raw))
		if err == nil && v >= 0 {
			rec.ReviewCount = &v
		}
	}
	return rec, nil
}

// remap applies the per-source field mapping. Unmapped keys pass through
// unchanged so identity mappings need no configuration.
func remap(mapping map[string]string, item source.Item) map[string]string {
	out := make(map[string]string, len(item))
	for k, v := range item {
		if canon, ok := mapping[k]; ok {
			k = canon
		}
		out[k] = v
	}
	// Structured APIs name the identifier after their own scheme.
	if out["native_id"] == "" && out["asin"] != "" {
		out["native_id"] = out["asin"]
	}
	return out
}

// cleanText strips markup and collapses whitespace. Sanitization escapes
// entities, so unescape afterwards to keep titles human-readable.
func (n *Normalizer) cleanText(s string) string {
	s = html.UnescapeString(n.sanitize.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}
