package source

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hazyhaar/pricewatch/proxypool"
	"github.com/hazyhaar/pricewatch/session"
)

// APIConfig configures an APIClient.
type APIConfig struct {
	Source     string
	Endpoint   string // full operation URL, e.g. https://webservices.amazon.com/paapi5/searchitems
	AccessKey  string
	SecretKey  string
	PartnerTag string
	Region     string // signing region. Default: us-east-1.
	// MaxItems caps items per call (the product API rejects more). Default: 10.
	MaxItems int
	// Timeout bounds one HTTP round-trip. Default: 30s.
	Timeout time.Duration

	Logger *slog.Logger
}

func (c *APIConfig) defaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.MaxItems <= 0 || c.MaxItems > 10 {
		c.MaxItems = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SessionInvalidator is the slice of the session store the clients need.
type SessionInvalidator interface {
	Invalidate(ctx context.Context, source string) error
}

// ProxyReporter is the slice of the proxy pool the clients need.
type ProxyReporter interface {
	Report(e *proxypool.Endpoint, outcome proxypool.Outcome)
}

// APIClient fetches from an official structured product API with signed
// requests. Failures are translated into the fetch error taxonomy.
type APIClient struct {
	cfg      APIConfig
	pool     ProxyReporter
	sessions SessionInvalidator
	now      func() time.Time
}

// NewAPIClient creates an APIClient. pool and sessions may be nil in tests.
func NewAPIClient(cfg APIConfig, pool ProxyReporter, sessions SessionInvalidator) *APIClient {
	cfg.defaults()
	return &APIClient{cfg: cfg, pool: pool, sessions: sessions, now: time.Now}
}

// Source implements Client.
func (c *APIClient) Source() string { return c.cfg.Source }

// apiResponse is the subset of the product API response the pipeline reads.
type apiResponse struct {
	Errors []struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	} `json:"Errors"`
	SearchResult struct {
		Items []apiItem `json:"Items"`
	} `json:"SearchResult"`
	ItemsResult struct {
		Items []apiItem `json:"Items"`
	} `json:"ItemsResult"`
}

type apiItem struct {
	ASIN          string `json:"ASIN"`
	DetailPageURL string `json:"DetailPageURL"`
	ItemInfo      struct {
		Title struct {
			DisplayValue string `json:"DisplayValue"`
		} `json:"Title"`
		Classifications struct {
			Binding struct {
				DisplayValue string `json:"DisplayValue"`
			} `json:"Binding"`
		} `json:"Classifications"`
	} `json:"ItemInfo"`
	Images struct {
		Primary struct {
			Large struct {
				URL string `json:"URL"`
			} `json:"Large"`
		} `json:"Primary"`
	} `json:"Images"`
	Offers struct {
		Listings []struct {
			Price struct {
				Amount   float64 `json:"Amount"`
				Currency string  `json:"Currency"`
			} `json:"Price"`
			Availability struct {
				Message string `json:"Message"`
			} `json:"Availability"`
		} `json:"Listings"`
	} `json:"Offers"`
	CustomerReviews struct {
		StarRating struct {
			Value float64 `json:"Value"`
		} `json:"StarRating"`
		Count int `json:"Count"`
	} `json:"CustomerReviews"`
}

// Fetch implements Client.
func (c *APIClient) Fetch(ctx context.Context, task *Task, proxy *proxypool.Endpoint, sess *session.Session) (*Payload, error) {
	body, err := c.requestBody(task)
	if err != nil {
		return nil, err
	}

	proxyAddr := ""
	if proxy != nil {
		proxyAddr = proxy.Addr
	}
	transport, err := proxypool.Transport(proxyAddr)
	if err != nil {
		return nil, NewError(KindTransient, c.cfg.Source, task.Op, "build transport", err)
	}
	client := &http.Client{Transport: transport, Timeout: c.cfg.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindTransient, c.cfg.Source, task.Op, "new request", err)
	}
	c.sign(req, body)
	if sess != nil && sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		c.reportProxy(proxy, proxypool.Failure)
		return nil, NewError(KindTransient, c.cfg.Source, task.Op, "http post", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.reportProxy(proxy, proxypool.Failure)
		return nil, NewError(KindTransient, c.cfg.Source, task.Op, "read body", err)
	}

	if ferr := c.classifyHTTP(ctx, task, resp.StatusCode); ferr != nil {
		// Proxy worked; the source rejected us.
		c.reportProxy(proxy, proxypool.Success)
		return nil, ferr
	}

	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.reportProxy(proxy, proxypool.Success)
		return nil, NewError(KindParseFailure, c.cfg.Source, task.Op, "decode response", err)
	}
	if ferr := c.classifyAPIErrors(ctx, task, decoded); ferr != nil {
		c.reportProxy(proxy, proxypool.Success)
		return nil, ferr
	}

	items := decoded.SearchResult.Items
	if task.Op == OpDetail {
		items = decoded.ItemsResult.Items
	}
	if len(items) == 0 {
		c.reportProxy(proxy, proxypool.Success)
		return nil, NewError(KindNotFound, c.cfg.Source, task.Op, "no items in response", nil)
	}

	c.reportProxy(proxy, proxypool.Success)
	return &Payload{
		Source:    c.cfg.Source,
		Op:        task.Op,
		FetchedAt: c.now(),
		Proxy:     proxyAddr,
		Items:     flattenAPIItems(items),
	}, nil
}

func (c *APIClient) requestBody(task *Task) ([]byte, error) {
	payload := map[string]any{
		"PartnerTag":  c.cfg.PartnerTag,
		"PartnerType": "Associates",
		"Resources": []string{
			"ItemInfo.Title", "Offers.Listings.Price", "Offers.Listings.Availability",
			"Images.Primary.Large", "CustomerReviews.StarRating", "CustomerReviews.Count",
		},
	}
	switch task.Op {
	case OpSearch:
		payload["Keywords"] = task.Query
		payload["ItemCount"] = c.cfg.MaxItems
	case OpDetail:
		payload["ItemIds"] = []string{task.NativeID}
	case OpDeals:
		payload["Keywords"] = task.Query
		payload["ItemCount"] = c.cfg.MaxItems
		payload["MinSavingPercent"] = 10
	default:
		return nil, NewError(KindParseFailure, c.cfg.Source, task.Op, "unsupported operation", nil)
	}
	return json.Marshal(payload)
}

func (c *APIClient) classifyHTTP(ctx context.Context, task *Task, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return NewError(KindRateLimited, c.cfg.Source, task.Op, "http 429", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.invalidateSession(ctx)
		return NewError(KindAuthExpired, c.cfg.Source, task.Op, fmt.Sprintf("http %d", status), nil)
	case status == http.StatusNotFound:
		return NewError(KindNotFound, c.cfg.Source, task.Op, "http 404", nil)
	case status >= 500:
		return NewError(KindTransient, c.cfg.Source, task.Op, fmt.Sprintf("http %d", status), nil)
	default:
		return NewError(KindParseFailure, c.cfg.Source, task.Op, fmt.Sprintf("unexpected http %d", status), nil)
	}
}

func (c *APIClient) classifyAPIErrors(ctx context.Context, task *Task, resp apiResponse) error {
	for _, e := range resp.Errors {
		switch e.Code {
		case "TooManyRequests", "RequestThrottled":
			return NewError(KindRateLimited, c.cfg.Source, task.Op, e.Message, nil)
		case "InvalidSignature", "UnrecognizedClient", "AccessDeniedAwsUsers", "IncompleteSignature":
			c.invalidateSession(ctx)
			return NewError(KindAuthExpired, c.cfg.Source, task.Op, e.Message, nil)
		case "ItemNotAccessible", "NoResults", "InvalidParameterValue":
			return NewError(KindNotFound, c.cfg.Source, task.Op, e.Message, nil)
		default:
			return NewError(KindTransient, c.cfg.Source, task.Op, e.Code+": "+e.Message, nil)
		}
	}
	return nil
}

func (c *APIClient) invalidateSession(ctx context.Context) {
	if c.sessions == nil {
		return
	}
	if err := c.sessions.Invalidate(ctx, c.cfg.Source); err != nil {
		c.cfg.Logger.Warn("source: invalidate session", "source", c.cfg.Source, "error", err)
	}
}

func (c *APIClient) reportProxy(e *proxypool.Endpoint, outcome proxypool.Outcome) {
	if c.pool != nil && e != nil {
		c.pool.Report(e, outcome)
	}
}

func flattenAPIItems(items []apiItem) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		raw := Item{
			"asin":  it.ASIN,
			"url":   it.DetailPageURL,
			"title": it.ItemInfo.Title.DisplayValue,
			"image": it.Images.Primary.Large.URL,
		}
		if it.ItemInfo.Classifications.Binding.DisplayValue != "" {
			raw["category"] = it.ItemInfo.Classifications.Binding.DisplayValue
		}
		if len(it.Offers.Listings) > 0 {
			l := it.Offers.Listings[0]
			raw["price"] = strconv.FormatFloat(l.Price.Amount, 'f', -1, 64)
			raw["currency"] = l.Price.Currency
			raw["availability"] = l.Availability.Message
		}
		if it.CustomerReviews.StarRating.Value > 0 {
			raw["rating"] = strconv.FormatFloat(it.CustomerReviews.StarRating.Value, 'f', -1, 64)
		}
		if it.CustomerReviews.Count > 0 {
			raw["review_count"] = strconv.Itoa(it.CustomerReviews.Count)
		}
		out = append(out, raw)
	}
	return out
}

// sign applies an AWS Signature Version 4 authorization header, the scheme
// the product advertising API requires.
func (c *APIClient) sign(req *http.Request, body []byte) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return
	}
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	service := "ProductAdvertisingAPI"

	payloadHash := sha256.Sum256(body)
	canonicalHeaders := "host:" + u.Host + "\nx-amz-date:" + amzDate + "\n"
	signedHeaders := "host;x-amz-date"
	canonicalRequest := "POST\n" + u.Path + "\n\n" + canonicalHeaders + "\n" +
		signedHeaders + "\n" + hex.EncodeToString(payloadHash[:])

	scope := dateStamp + "/" + c.cfg.Region + "/" + service + "/aws4_request"
	crHash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(crHash[:])

	kDate := hmacSHA256([]byte("AWS4"+c.cfg.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.cfg.Region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.cfg.AccessKey, scope, signedHeaders, signature))
}

func hmacSHA256(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}
