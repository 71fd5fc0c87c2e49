// Package parser turns fetched list pages into harvest records.
package parser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// Supported formats.
const (
	FormatHTML = "html"
	FormatJSON = "json"
)

// Config selects and configures a parser. HTML fields are CSS selectors;
// JSON fields are dot-separated paths into each item.
type Config struct {
	Format string `mapstructure:"format"`

	// HTML
	ItemSelector  string `mapstructure:"item_selector"`
	IDAttr        string `mapstructure:"id_attr"`
	TitleSelector string `mapstructure:"title_selector"`
	LinkSelector  string `mapstructure:"link_selector"`

	// JSON
	ItemsPath   string `mapstructure:"items_path"`
	IDField     string `mapstructure:"id_field"`
	URLField    string `mapstructure:"url_field"`
	TitleField  string `mapstructure:"title_field"`
	URLTemplate string `mapstructure:"url_template"`

	// Fields maps an output field name to a selector (HTML) or path (JSON).
	Fields map[string]string `mapstructure:"fields"`
}

// New builds the parser described by cfg.
func New(cfg Config) (harvest.Parser, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatHTML:
		return NewHTML(cfg)
	case FormatJSON:
		return NewJSON(cfg)
	default:
		return nil, fmt.Errorf("unsupported parser format %q", cfg.Format)
	}
}

// resolveLink makes href absolute against the page URL.
func resolveLink(pageURL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", href, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil || pageURL == "" {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
