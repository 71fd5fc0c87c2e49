// Package robots checks page paths against a Target's robots.txt.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

const (
	defaultTTL     = 12 * time.Hour
	maxRobotsBytes = 512 << 10
	// failureTTL bounds how long an unreachable or 5xx robots.txt is cached.
	failureTTL = 5 * time.Minute
)

type entry struct {
	group   *robotstxt.Group
	expires time.Time
}

// Gate fetches robots.txt once per Target (refreshed after TTL) and answers
// whether a path may be requested. The fetch itself is paced like any other
// request to the Target.
type Gate struct {
	client    *http.Client
	pacer     harvest.Pacer
	clock     harvest.Clock
	userAgent string
	ttl       time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]entry
}

// New creates a Gate. userAgent is both sent and used to select the robots group.
func New(
	client *http.Client,
	pacer harvest.Pacer,
	clock harvest.Clock,
	userAgent string,
	ttl time.Duration,
	logger *zap.Logger,
) *Gate {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		client:    client,
		pacer:     pacer,
		clock:     clock,
		userAgent: userAgent,
		ttl:       ttl,
		logger:    logger,
		cache:     make(map[string]entry),
	}
}

// Allowed reports whether path may be fetched from target.
func (g *Gate) Allowed(ctx context.Context, target *harvest.Target, path string) (bool, error) {
	group, err := g.groupFor(ctx, target)
	if err != nil {
		return false, err
	}
	return group.Test(path), nil
}

func (g *Gate) groupFor(ctx context.Context, target *harvest.Target) (*robotstxt.Group, error) {
	now := g.clock.Now()
	g.mu.Lock()
	cached, ok := g.cache[target.Name]
	g.mu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.group, nil
	}

	ttl := g.ttl
	data, status, err := g.fetch(ctx, target)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch robots.txt: %w", ctx.Err())
		}
		g.logger.Warn("robots.txt unavailable, allowing all paths",
			zap.String("target", target.Name),
			zap.Error(err),
		)
		data = &robotstxt.RobotsData{}
		ttl = min(ttl, failureTTL)
	case status >= http.StatusInternalServerError:
		g.logger.Warn("robots.txt answered with a server error, disallowing all paths",
			zap.String("target", target.Name),
			zap.Int("status", status),
			zap.Duration("retry_in", min(ttl, failureTTL)),
		)
		ttl = min(ttl, failureTTL)
	}
	group := data.FindGroup(g.userAgent)

	g.mu.Lock()
	g.cache[target.Name] = entry{group: group, expires: now.Add(ttl)}
	g.mu.Unlock()
	return group, nil
}

func (g *Gate) fetch(ctx context.Context, target *harvest.Target) (*robotstxt.RobotsData, int, error) {
	robotsURL, err := target.Resolve("/robots.txt")
	if err != nil {
		return nil, 0, err
	}
	if err := g.pacer.Acquire(ctx, target); err != nil {
		return nil, 0, fmt.Errorf("pace robots request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build robots request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("get robots.txt: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("parse robots.txt: %w", err)
	}
	g.logger.Debug("robots.txt loaded",
		zap.String("target", target.Name),
		zap.Int("status", resp.StatusCode),
	)
	return data, resp.StatusCode, nil
}
