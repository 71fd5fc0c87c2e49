package harvest

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PagePlaceholder is replaced with the page number in Target.ListPath.
const PagePlaceholder = "{page}"

// Target is one external source harvested under its own pacing and backoff
// state. Targets are shared by pointer and must not be copied.
type Target struct {
	Name              string
	BaseURL           *url.URL
	ListPath          string
	RequestsPerMinute float64
	MinDelay          time.Duration
	MaxDelay          time.Duration
	RetryCount        int
	PageCap           int
	Schedule          string
	Referer           bool
	Parser            Parser

	State RateState
}

// PagePath renders the list path for the given page number.
func (t *Target) PagePath(page int) string {
	return strings.ReplaceAll(t.ListPath, PagePlaceholder, strconv.Itoa(page))
}

// Resolve turns a path relative to the base URL into an absolute URL.
func (t *Target) Resolve(path string) (string, error) {
	if t.BaseURL == nil {
		return "", fmt.Errorf("target %q has no base url", t.Name)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	return t.BaseURL.ResolveReference(ref).String(), nil
}

// Validate enforces the invariants the governor and the loop rely on.
func (t *Target) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("target name is required")
	}
	if t.BaseURL == nil || t.BaseURL.Scheme == "" || t.BaseURL.Host == "" {
		return fmt.Errorf("target %q: base url must be absolute", t.Name)
	}
	if t.MinDelay < 0 {
		return fmt.Errorf("target %q: min delay must be >= 0", t.Name)
	}
	if t.MaxDelay < t.MinDelay {
		return fmt.Errorf("target %q: max delay must be >= min delay", t.Name)
	}
	if t.RequestsPerMinute < 0 {
		return fmt.Errorf("target %q: requests per minute must be >= 0", t.Name)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("target %q: retry count must be >= 0", t.Name)
	}
	if t.PageCap <= 0 {
		return fmt.Errorf("target %q: page cap must be > 0", t.Name)
	}
	if t.Parser == nil {
		return fmt.Errorf("target %q: parser is required", t.Name)
	}
	return nil
}
