package harvest

import (
	"encoding/json"
	"time"
)

// Field names the downstream processing service reads at the top level of
// a record. Parsers emit them as ordinary Fields.
const (
	FieldDescription = "description"
	FieldFullText    = "full_text"
	FieldCity        = "city"
	FieldPriceText   = "price_text"
)

// HarvestedRecord is one raw unit of scraped data handed to the Publisher.
type HarvestedRecord struct {
	ExternalID string            `json:"external_id"`
	SourceURL  string            `json:"source_url"`
	Source     string            `json:"source"`
	Page       int               `json:"page"`
	Title      string            `json:"title"`
	Fields     map[string]string `json:"fields,omitempty"`
	Raw        json.RawMessage   `json:"raw,omitempty"`
	ScrapedAt  time.Time         `json:"scraped_at"`
}

// Page is a fetched list page handed to a Parser.
type Page struct {
	Target    string
	Number    int
	URL       string
	Body      []byte
	FetchedAt time.Time
}

// ParseResult collects the records of one page. Failures hold per-item
// errors; Items counts every candidate item seen, malformed ones included.
type ParseResult struct {
	Records  []HarvestedRecord
	Failures []error
	Items    int
}
