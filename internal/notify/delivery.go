package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	errorBodyLimit = 1024
	userAgent      = "host-sentinel"
)

type timingConfig struct {
	timeout           time.Duration
	rateInterval      time.Duration
	rateBurst         int
	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMaxElapsed time.Duration
}

var defaultTiming = timingConfig{
	timeout:           10 * time.Second,
	rateInterval:      time.Second,
	rateBurst:         1,
	backoffInitial:    time.Second,
	backoffMax:        10 * time.Second,
	backoffMaxElapsed: 30 * time.Second,
}

// DeliveryError describes a failed POST to a notification endpoint.
type DeliveryError struct {
	Target     string
	StatusCode int
	// RetryAfter is the wait requested by the endpoint, zero when absent.
	RetryAfter time.Duration
	Temporary  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed with status %d: %v", e.Target, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// deliverer posts JSON payloads to one endpoint, pacing per host and
// retrying temporary failures with exponential backoff.
type deliverer struct {
	logger zerolog.Logger
	target string
	url    string
	client *retryablehttp.Client
	timing timingConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newDeliverer(logger zerolog.Logger, target, url string, timing timingConfig) *deliverer {
	client := retryablehttp.NewClient()
	// Retries are driven by backoff so Retry-After and the elapsed budget
	// apply uniformly.
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timing.timeout}

	return &deliverer{
		logger:   logger.With().Str("target", target).Logger(),
		target:   target,
		url:      url,
		client:   client,
		timing:   timing,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Deliver waits for the host's rate limit once, then posts each payload in
// order. The first payload that cannot be delivered stops the sequence.
func (d *deliverer) Deliver(ctx context.Context, host string, payloads ...[]byte) error {
	if err := d.limiter(host).Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit: %w", d.target, err)
	}
	for _, payload := range payloads {
		if err := d.deliverOne(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (d *deliverer) limiter(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	limiter, ok := d.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(d.timing.rateInterval), d.timing.rateBurst)
		d.limiters[host] = limiter
	}
	return limiter
}

func (d *deliverer) deliverOne(ctx context.Context, payload []byte) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.timing.backoffInitial
	exp.MaxInterval = d.timing.backoffMax
	exp.MaxElapsedTime = d.timing.backoffMaxElapsed
	policy := &retryAfterBackOff{BackOff: exp}

	attempt := 0
	operation := func() error {
		attempt++
		err := d.send(ctx, payload)
		if err == nil {
			return nil
		}
		var deliveryErr *DeliveryError
		if errors.As(err, &deliveryErr) && deliveryErr.Temporary {
			policy.pending = deliveryErr.RetryAfter
			return err
		}
		return backoff.Permanent(err)
	}
	onRetry := func(err error, wait time.Duration) {
		d.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("notification delivery retry")
	}

	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), onRetry)
}

// send makes a single POST attempt.
func (d *deliverer) send(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.timing.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Target: d.target, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{Target: d.target, Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	failure := &DeliveryError{
		Target:     d.target,
		StatusCode: resp.StatusCode,
		Err:        errors.New(resp.Status),
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		failure.Err = fmt.Errorf("%s (%s)", resp.Status, text)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		failure.Temporary = true
		failure.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode >= http.StatusInternalServerError:
		failure.Temporary = true
	}
	return failure
}

// retryAfterBackOff uses a server-requested wait in place of the next
// exponential interval.
type retryAfterBackOff struct {
	backoff.BackOff
	pending time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.pending > 0 {
		wait := b.pending
		b.pending = 0
		return wait
	}
	return b.BackOff.NextBackOff()
}

func (b *retryAfterBackOff) Reset() {
	b.pending = 0
	b.BackOff.Reset()
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Invalid or past
// values yield zero.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil && when.After(now) {
		return when.Sub(now)
	}
	return 0
}
