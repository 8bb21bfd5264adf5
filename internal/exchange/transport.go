package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mm-control-plane/internal/metrics"
)

const (
	defaultMinGap    = 120 * time.Millisecond
	defaultTimeout   = 12 * time.Second
	maxRetries       = 2
	maxBackoff       = 30 * time.Second
	catalogTTL       = 15 * time.Minute
	symbolMetaTTL    = 10 * time.Minute
)

// wafMarkers are fragments of Cloudflare/WAF block pages. A response body
// containing one of these is an IP allowlist problem, not a venue error.
var wafMarkers = []string{"Just a moment", "cf-browser-verification", "Attention Required"}

// Request is one venue REST call before signing.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	Headers map[string]string
}

// Transport serializes all requests for one venue through a FIFO worker,
// enforces a minimum gap between dispatches, retries transient failures
// with jittered exponential backoff and guards JSON parsing.
type Transport struct {
	venue   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	calls   chan *pendingCall
	done    chan struct{}
	log     zerolog.Logger
}

type pendingCall struct {
	ctx  context.Context
	req  *Request
	resp chan callResult
}

type callResult struct {
	body []byte
	err  error
}

// NewTransport starts the per-venue dispatch worker. minGap <= 0 uses the
// 120ms default.
func NewTransport(venue, baseURL string, minGap time.Duration, log zerolog.Logger) *Transport {
	if minGap <= 0 {
		minGap = defaultMinGap
	}
	t := &Transport{
		venue:   venue,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Every(minGap), 1),
		calls:   make(chan *pendingCall, 256),
		done:    make(chan struct{}),
		log:     log.With().Str("venue", venue).Logger(),
	}
	go t.worker()
	return t
}

// Close stops the dispatch worker. In-flight calls finish first.
func (t *Transport) Close() {
	close(t.done)
}

// Do submits a request to the venue queue and waits for its result.
// Submission order is the observed execution order.
func (t *Transport) Do(ctx context.Context, req *Request) ([]byte, error) {
	pc := &pendingCall{ctx: ctx, req: req, resp: make(chan callResult, 1)}
	select {
	case t.calls <- pc:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-pc.resp:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DoJSON submits a request and unmarshals the response body into out.
func (t *Transport) DoJSON(ctx context.Context, req *Request, out interface{}) error {
	body, err := t.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Venue: t.venue, Code: CodeVenueUnavail, Message: fmt.Sprintf("unexpected response shape: %v", err)}
	}
	return nil
}

func (t *Transport) worker() {
	for {
		select {
		case <-t.done:
			return
		case pc := <-t.calls:
			if err := t.limiter.Wait(pc.ctx); err != nil {
				pc.resp <- callResult{err: err}
				continue
			}
			body, err := t.execute(pc.ctx, pc.req)
			pc.resp <- callResult{body: body, err: err}
		}
	}
}

// execute runs one request with up to maxRetries retries on 429/5xx.
func (t *Transport) execute(ctx context.Context, req *Request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1000*(1<<uint(attempt))) * time.Millisecond
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			// +/-20% jitter keeps venue retries from aligning across bots.
			jitter := 0.8 + 0.4*rand.Float64()
			backoff = time.Duration(float64(backoff) * jitter)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := t.roundTrip(ctx, req)
		if err == nil {
			metrics.ExchangeRequests.WithLabelValues(t.venue, "ok").Inc()
			return body, nil
		}
		lastErr = err

		var ge *Error
		if !asError(err, &ge) || !ge.Retriable {
			return nil, err
		}
		metrics.ExchangeRequests.WithLabelValues(t.venue, "retried").Inc()
		t.log.Warn().Int("attempt", attempt+1).Int("status", ge.Status).Msg("retrying venue request")
	}
	return nil, lastErr
}

func (t *Transport) roundTrip(ctx context.Context, req *Request) ([]byte, error) {
	u := t.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bodyReader)
	if err != nil {
		return nil, &Error{Venue: t.venue, Code: CodeVenueUnavail, Message: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Venue: t.venue, Code: CodeVenueUnavail, Message: err.Error(), Retriable: true}
	}
	defer resp.Body.Close()
	metrics.ExchangeRequestSeconds.WithLabelValues(t.venue).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Venue: t.venue, Code: CodeVenueUnavail, Message: err.Error(), Retriable: true}
	}

	return t.mapResponse(resp.StatusCode, body)
}

// mapResponse converts HTTP outcomes into the gateway error taxonomy.
func (t *Transport) mapResponse(status int, body []byte) ([]byte, error) {
	if isWAFPage(body) {
		metrics.ExchangeRequests.WithLabelValues(t.venue, "auth").Inc()
		return nil, &Error{Venue: t.venue, Code: CodeWAFBlock, Status: status, Message: "request blocked before reaching the venue API"}
	}

	switch {
	case status == http.StatusNotFound:
		return nil, &Error{Venue: t.venue, Code: CodeBadBasePath, Status: status, Message: "endpoint not found"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		metrics.ExchangeRequests.WithLabelValues(t.venue, "auth").Inc()
		return nil, &Error{Venue: t.venue, Code: CodeAuthOrWAF, Status: status, Message: truncate(body, 160)}
	case status == http.StatusTooManyRequests:
		metrics.ExchangeRequests.WithLabelValues(t.venue, "rate_limited").Inc()
		return nil, &Error{Venue: t.venue, Code: CodeVenueUnavail, Status: status, Message: "rate limited", Retriable: true}
	case status >= 500:
		return nil, &Error{Venue: t.venue, Code: CodeVenueUnavail, Status: status, Message: truncate(body, 160), Retriable: true}
	case status >= 400:
		return nil, &Error{Venue: t.venue, Code: CodeVenueUnavail, Status: status, Message: truncate(body, 160)}
	}

	if !looksLikeJSON(body) {
		return nil, &Error{Venue: t.venue, Code: CodeWAFBlock, Status: status, Message: "non-JSON response body"}
	}
	return body, nil
}

func isWAFPage(body []byte) bool {
	s := string(body)
	for _, marker := range wafMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[' || trimmed[0] == '"' || trimmed[0] == '-' ||
		(trimmed[0] >= '0' && trimmed[0] <= '9') || bytes.HasPrefix(trimmed, []byte("true")) ||
		bytes.HasPrefix(trimmed, []byte("false")) || bytes.HasPrefix(trimmed, []byte("null")))
}

func truncate(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n]
	}
	return s
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

// ---- signing helpers shared by the venue adapters ----

// SignHMACSHA256Hex returns hex(HMAC-SHA256(secret, payload)).
func SignHMACSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHMACSHA256Base64 returns base64(HMAC-SHA256(secret, payload)).
func SignHMACSHA256Base64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignHMACSHA512Hex returns hex(HMAC-SHA512(secret, payload)).
func SignHMACSHA512Hex(secret, payload string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalQuery encodes query params in sorted key order, the pre-hash
// form most venues sign.
func CanonicalQuery(q url.Values) string {
	return q.Encode() // url.Values.Encode sorts by key
}

// knownIDPrefixes are the client-order-id prefixes the platform issues;
// the shortener keeps them readable through hashing.
var knownIDPrefixes = []string{"mmbot", "volbot", "psbot", "bot"}

// BoundClientOrderID returns an id that fits the venue max length. Ids over
// the limit are replaced by prefix + sha256(raw) truncated; the prefix is
// preserved when it comes from the platform allow-list.
func BoundClientOrderID(raw string, maxLen int) string {
	if maxLen <= 0 || len(raw) <= maxLen {
		return raw
	}
	prefix := ""
	for _, p := range knownIDPrefixes {
		if strings.HasPrefix(raw, p) {
			prefix = p
			break
		}
	}
	sum := sha256.Sum256([]byte(raw))
	hashed := prefix + hex.EncodeToString(sum[:])
	if len(hashed) > maxLen {
		hashed = hashed[:maxLen]
	}
	return hashed
}

// NowMs is the millisecond timestamp venues expect in signatures.
func NowMs() string {
	return fmt.Sprintf("%d", time.Now().UnixMilli())
}
