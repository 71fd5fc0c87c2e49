// Package collyfetcher implements harvest.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
	"github.com/JakeFAU/polite-harvester/internal/identity"
	"github.com/JakeFAU/polite-harvester/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int
	// Transport overrides the pooled default transport, mostly for tests.
	Transport http.RoundTripper
}

// ProfileSource hands out the identity used for the next request.
type ProfileSource interface {
	Next() identity.Profile
}

// RobotsPolicy answers whether a path may be requested.
type RobotsPolicy interface {
	Allowed(ctx context.Context, target *harvest.Target, path string) (bool, error)
}

// Fetcher performs one paced, classified GET per call.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	pacer         harvest.Pacer
	gate          harvest.BackoffGate
	profiles      ProfileSource
	robots        RobotsPolicy
	clock         harvest.Clock
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. robots may be nil to skip robots.txt checks.
func New(
	cfg Config,
	pacer harvest.Pacer,
	gate harvest.BackoffGate,
	profiles ProfileSource,
	robots RobotsPolicy,
	clock harvest.Clock,
	logger *zap.Logger,
) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		pacer:         pacer,
		gate:          gate,
		profiles:      profiles,
		robots:        robots,
		clock:         clock,
		logger:        logger,
	}
}

// Fetch requests path on target. The returned error is only set when no
// attempt could be made; every HTTP outcome is carried by the FetchResult.
func (f *Fetcher) Fetch(ctx context.Context, target *harvest.Target, path string) (harvest.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return harvest.FetchResult{}, fmt.Errorf("fetch %s: %w", target.Name, err)
	}
	rawURL, err := target.Resolve(path)
	if err != nil {
		return harvest.FetchResult{}, err
	}

	if !f.gate.MayAttempt(target) {
		res := f.blocked(target)
		res.URL = rawURL
		return res, nil
	}

	if f.robots != nil {
		allowed, err := f.robots.Allowed(ctx, target, path)
		if err != nil {
			return harvest.FetchResult{}, fmt.Errorf("robots check: %w", err)
		}
		if !allowed {
			res := harvest.Forbidden()
			res.Err = harvest.ErrRobotsDisallowed
			res.ShortCircuit = true
			res.URL = rawURL
			return res, nil
		}
	}

	if err := f.pacer.Acquire(ctx, target); err != nil {
		return harvest.FetchResult{}, fmt.Errorf("acquire slot: %w", err)
	}

	start := f.clock.Now()
	result, visitErr := f.visit(ctx, target, rawURL)
	if visitErr != nil && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return harvest.FetchResult{}, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
	}
	if visitErr != nil {
		result = classifyError(visitErr)
	}
	result.URL = rawURL
	result.Duration = f.clock.Now().Sub(start)

	snap := f.gate.RecordOutcome(target, result)
	metrics.ObserveFetch(target.Name, string(result.Outcome), result.Duration)

	fields := []zap.Field{
		zap.String("target", target.Name),
		zap.String("url", rawURL),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", result.Duration),
	}
	if result.Outcome == harvest.OutcomeSuccess {
		f.logger.Debug("fetch completed", fields...)
	} else {
		fields = append(fields, zap.String("mode", string(snap.EffectiveMode())), zap.Error(result.Err))
		f.logger.Warn("fetch not successful", fields...)
	}
	return result, nil
}

func (f *Fetcher) blocked(target *harvest.Target) harvest.FetchResult {
	snap := target.State.Snapshot()
	var res harvest.FetchResult
	if snap.EffectiveMode() == harvest.ModeSuspended {
		res = harvest.RateLimited(0)
		res.Err = harvest.ErrTargetSuspended
	} else {
		remaining := snap.CooldownUntil.Sub(f.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		res = harvest.RateLimited(remaining)
		res.Err = harvest.ErrBackoffActive
	}
	res.ShortCircuit = true
	return res
}

func (f *Fetcher) visit(ctx context.Context, target *harvest.Target, rawURL string) (harvest.FetchResult, error) {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = true

	var profile identity.Profile
	if f.profiles != nil {
		profile = f.profiles.Next()
		collector.UserAgent = profile.UserAgent
	}
	referer := ""
	if target.Referer && target.BaseURL != nil {
		referer = target.BaseURL.String()
	}

	var (
		result   harvest.FetchResult
		received bool
	)
	f.configureCollectorHooks(collector, profile, referer, &result, &received)

	if err := collector.Visit(rawURL); err != nil {
		return harvest.FetchResult{}, err
	}
	if !received {
		return harvest.FetchResult{}, errors.New("no response received")
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	profile identity.Profile,
	referer string,
	result *harvest.FetchResult,
	received *bool,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if profile.UserAgent != "" {
			profile.Apply(*r.Headers)
		}
		if referer != "" {
			r.Headers.Set("Referer", referer)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*received = true
		*result = f.classifyResponse(r.StatusCode, r.Headers, r.Body)
	})

	// Transport errors are surfaced through Visit; nothing to record here.
	hooks.OnError(func(*colly.Response, error) {})
}

func (f *Fetcher) classifyResponse(status int, headers *http.Header, body []byte) harvest.FetchResult {
	var res harvest.FetchResult
	switch {
	case status >= 200 && status < 300:
		res = harvest.Success(append([]byte(nil), body...), status)
	case status == http.StatusTooManyRequests:
		var hint time.Duration
		if headers != nil {
			hint = parseRetryAfter(headers.Get("Retry-After"), f.clock.Now())
		}
		res = harvest.RateLimited(hint)
	case status == http.StatusForbidden:
		res = harvest.Forbidden()
	default:
		res = harvest.TransientError(fmt.Errorf("unexpected status %d", status))
	}
	res.StatusCode = status
	return res
}

func classifyError(err error) harvest.FetchResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return harvest.Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.Timeout(err)
	}
	return harvest.TransientError(err)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
