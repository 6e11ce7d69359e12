// Package elog talks the native wire protocol of the PSI ELOG server
// and builds the retrieval pipeline on top of it: filtered search,
// parallel entry reads, thread reconstruction, and reranking.
package elog

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	opserr "github.com/psi-gfa/opsagent/core/errors"
)

const (
	// headerDelimiter separates attribute headers from the body in the
	// cmd=download response. Exactly forty equals signs.
	headerDelimiter = "========================================"

	readCacheMaxCost = 64 << 20
)

// Entry is one logbook entry as returned by a download read.
type Entry struct {
	ID          int
	Title       string
	Author      string
	Category    string
	System      string
	Domain      string
	Effect      string
	RawDate     string
	Timestamp   time.Time
	Body        string
	Attributes  map[string]string
	Attachments []string
	URL         string
}

// Parent returns the entry id this entry replies to, or 0.
func (e *Entry) Parent() int {
	id, _ := strconv.Atoi(strings.TrimSpace(e.Attributes["In reply to"]))
	return id
}

// Children returns the ids of direct replies to this entry.
func (e *Entry) Children() []int {
	raw := strings.TrimSpace(e.Attributes["Reply to"])
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		if id, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// ClientConfig configures the wire client.
type ClientConfig struct {
	// URL is the full logbook URL including the logbook name, with a
	// trailing slash (e.g. https://elog-gfa.psi.ch/SwissFEL+commissioning+data/).
	URL string

	// Username and PasswordHash authenticate via the unm/upwd cookies.
	// PasswordHash is the stripped SHA-crypt form (see CookieHash).
	Username     string
	PasswordHash string

	ReadTimeout time.Duration
	CacheTTL    time.Duration
}

// Client performs raw logbook requests. Entry reads go through an
// in-process cache keyed by id, since thread walks and repeated agent
// turns hit the same entries often.
type Client struct {
	baseURL string
	cfg     ClientConfig
	http    *http.Client
	cache   *ristretto.Cache
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("elog url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	base := cfg.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 25 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     readCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create entry cache: %w", err)
	}

	return &Client{
		baseURL: base,
		cfg:     cfg,
		cache:   cache,
		logger:  logger,
		http: &http.Client{
			Timeout: cfg.ReadTimeout,
			// The server answers searches and reads with 302s that
			// carry meaning; following them loses the Location header.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// BaseURL returns the logbook base URL with trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Search issues a filtered full-text search and returns matching entry
// ids, newest first. Filters use the server's attribute names (Category,
// System, Domain, Author, subtext); empty values are removed before the
// request because the server redirects on them.
func (c *Client) Search(ctx context.Context, filters map[string]string, limit int) ([]int, error) {
	if limit < 1 {
		limit = 1
	}

	params := url.Values{}
	params.Set("mode", "full")
	params.Set("reverse", "1")
	params.Set("npp", strconv.Itoa(limit))
	for k, v := range filters {
		if v == "" {
			continue
		}
		params.Set(k, v)
	}

	body, err := c.get(ctx, c.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	return scrapeEntryIDs(body), nil
}

// Read downloads and parses one entry. Results are cached for the
// configured TTL.
func (c *Client) Read(ctx context.Context, id int) (*Entry, error) {
	if cached, ok := c.cache.Get(id); ok {
		if entry, ok := cached.(*Entry); ok {
			return entry, nil
		}
	}

	body, err := c.get(ctx, fmt.Sprintf("%s%d?cmd=download", c.baseURL, id))
	if err != nil {
		return nil, err
	}

	entry, err := c.parseDownload(id, body)
	if err != nil {
		return nil, err
	}

	c.cache.SetWithTTL(id, entry, int64(len(body)), c.cfg.CacheTTL)
	return entry, nil
}

// get performs one authenticated GET with response validation. Only 5xx
// responses are retried, once, after a fixed pause.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	policy := opserr.RetryPolicyFor(opserr.KindUpstreamHTTP)

	for attempt := 0; ; attempt++ {
		body, err := c.getOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}

		var ke *opserr.KindError
		retryable := stderrors.As(err, &ke) && ke.StatusCode >= 500
		if !retryable || attempt >= policy.MaxAttempts {
			return nil, err
		}

		c.logger.Warn("logbook server error, retrying once", "url", rawURL, "error", err)
		timer := time.NewTimer(policy.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, opserr.New(opserr.KindCancellation, "logbook request canceled", ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) getOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, opserr.New(opserr.KindUpstreamHTTP, "build request", err)
	}
	if cookie := c.authCookie(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, opserr.New(opserr.KindCancellation, "logbook request canceled", ctx.Err())
		}
		return nil, opserr.New(opserr.KindUpstreamHTTP, "logbook unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, opserr.New(opserr.KindUpstreamHTTP, "read logbook response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, opserr.New(opserr.KindUpstreamHTTP,
			fmt.Sprintf("logbook server error %d", resp.StatusCode), nil).
			WithStatusCode(resp.StatusCode)
	}

	if err := validateResponse(resp, data); err != nil {
		return nil, err
	}

	return data, nil
}

func (c *Client) authCookie() string {
	var parts []string
	if c.cfg.Username != "" {
		parts = append(parts, "unm="+c.cfg.Username)
	}
	if c.cfg.PasswordHash != "" {
		parts = append(parts, "upwd="+c.cfg.PasswordHash)
	}
	return strings.Join(parts, ";")
}

var errorMsgRe = regexp.MustCompile(`(?s)<td[^>]*class="errormsg"[^>]*>(.*?)</td>`)
var tagRe = regexp.MustCompile(`<[^>]*>`)

// validateResponse applies the server's implicit error conventions:
// errors arrive as HTML pages, redirects, or login forms rather than
// status codes.
func validateResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		if m := errorMsgRe.FindSubmatch(body); m != nil {
			msg := strings.TrimSpace(tagRe.ReplaceAllString(string(m[1]), ""))
			if msg != "" {
				return opserr.New(opserr.KindUpstreamHTTP, "logbook rejected request: "+msg, nil).
					WithStatusCode(resp.StatusCode)
			}
		}
		return opserr.New(opserr.KindUpstreamHTTP,
			fmt.Sprintf("logbook rejected request with status %d", resp.StatusCode), nil).
			WithStatusCode(resp.StatusCode)
	}

	if location := resp.Header.Get("Location"); location != "" {
		if strings.Contains(location, "has moved") {
			return opserr.New(opserr.KindUpstreamHTTP, "logbook server has moved to another location", nil)
		}
		if strings.Contains(location, "fail") {
			return opserr.New(opserr.KindUpstreamHTTP, "logbook authentication failed", nil)
		}
	}

	// A login form in a 200 body means the cookies were not accepted.
	if strings.Contains(string(body), `type=password`) || strings.Contains(string(body), `type="password"`) {
		return opserr.New(opserr.KindUpstreamHTTP, "logbook authentication required", nil)
	}

	return nil
}

var listCellRe = regexp.MustCompile(`(?s)<td[^>]*class="list[12]"[^>]*>.*?<a[^>]+href="([^"]+)"`)

// scrapeEntryIDs pulls entry ids from a search result page. Each result
// row's first list cell links to the entry; the id is the last path
// segment of that link.
func scrapeEntryIDs(body []byte) []int {
	var ids []int
	seen := make(map[int]bool)

	for _, row := range strings.Split(string(body), "<tr") {
		m := listCellRe.FindStringSubmatch(row)
		if m == nil {
			continue
		}
		href := strings.TrimSuffix(m[1], "/")
		segment := href[strings.LastIndex(href, "/")+1:]
		id, err := strconv.Atoi(segment)
		if err != nil || id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	return ids
}

// parseDownload splits a cmd=download response into attribute headers
// and body. Headers are "Key: value" lines up to the delimiter; the
// Attachment header is a comma-separated list of server-relative names.
func (c *Client) parseDownload(id int, body []byte) (*Entry, error) {
	lines := strings.Split(string(body), "\n")

	delimiterIdx := -1
	for i, line := range lines {
		if strings.TrimRight(line, "\r") == headerDelimiter {
			delimiterIdx = i
			break
		}
	}
	if delimiterIdx < 0 {
		return nil, opserr.New(opserr.KindUpstreamHTTP,
			fmt.Sprintf("entry %d download has no header delimiter", id), nil)
	}

	entry := &Entry{
		ID:         id,
		Attributes: make(map[string]string),
		URL:        fmt.Sprintf("%s%d", c.baseURL, id),
	}

	for _, line := range lines[:delimiterIdx] {
		line = strings.TrimRight(line, "\r")
		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		if key == "Attachment" {
			if value != "" {
				for _, name := range strings.Split(value, ",") {
					entry.Attachments = append(entry.Attachments, c.baseURL+name)
				}
			}
			continue
		}
		entry.Attributes[key] = value
	}

	entry.Body = strings.Join(lines[delimiterIdx+1:], "\n")
	entry.Title = entry.Attributes["Subject"]
	entry.Author = entry.Attributes["Author"]
	entry.Category = entry.Attributes["Category"]
	entry.System = entry.Attributes["System"]
	entry.Domain = entry.Attributes["Domain"]
	entry.Effect = entry.Attributes["Effect"]
	entry.RawDate = entry.Attributes["Date"]
	entry.Timestamp = parseTimestamp(entry.RawDate)

	return entry, nil
}

// parseTimestamp parses the server's "Wed, 17 Sep 2025 10:45:22 +0200"
// format. The day name is stripped before parsing; entries without a
// zone offset fall back to a zoneless parse. Unparsable dates return
// the zero time.
func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}

	if _, rest, found := strings.Cut(raw, ", "); found {
		raw = rest
	}

	if ts, err := time.Parse("2 Jan 2006 15:04:05 -0700", raw); err == nil {
		return ts
	}
	if idx := strings.LastIndex(raw, " "); idx > 0 {
		if ts, err := time.Parse("2 Jan 2006 15:04:05", raw[:idx]); err == nil {
			return ts
		}
	}
	if ts, err := time.Parse("2 Jan 2006 15:04:05", raw); err == nil {
		return ts
	}
	return time.Time{}
}
