// Package httppublisher delivers harvested records to the downstream processing
// service as JSON POST requests.
package httppublisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

const maxErrorBody = 512

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("downstream returned status %d", e.Code)
	}
	return fmt.Sprintf("downstream returned status %d: %s", e.Code, e.Body)
}

// Config controls the HTTP publisher.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Publisher posts records to a single endpoint.
type Publisher struct {
	url    string
	client *http.Client
}

// New creates a Publisher. A nil client gets a traced default client.
func New(cfg Config, client *http.Client) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("http publisher: url is required")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Publisher{url: cfg.URL, client: client}, nil
}

type ackBody struct {
	ID string `json:"id"`
}

// payload is the ingestion contract of the processing service: the
// well-known fields sit at the top level and the rest stay under fields.
type payload struct {
	ExternalID  string            `json:"external_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	FullText    string            `json:"full_text,omitempty"`
	City        string            `json:"city,omitempty"`
	PriceText   string            `json:"price_text,omitempty"`
	SourceURL   string            `json:"source_url,omitempty"`
	Source      string            `json:"source"`
	Page        int               `json:"page"`
	ScrapedAt   time.Time         `json:"scraped_at"`
	Fields      map[string]string `json:"fields,omitempty"`
}

func newPayload(record harvest.HarvestedRecord) payload {
	p := payload{
		ExternalID: record.ExternalID,
		Title:      record.Title,
		SourceURL:  record.SourceURL,
		Source:     record.Source,
		Page:       record.Page,
		ScrapedAt:  record.ScrapedAt,
	}
	for name, value := range record.Fields {
		switch name {
		case harvest.FieldDescription:
			p.Description = value
		case harvest.FieldFullText:
			p.FullText = value
		case harvest.FieldCity:
			p.City = value
		case harvest.FieldPriceText:
			p.PriceText = value
		default:
			if p.Fields == nil {
				p.Fields = make(map[string]string)
			}
			p.Fields[name] = value
		}
	}
	return p
}

// Publish sends one record. The returned ID is the one acknowledged by the
// service, or the record's external ID when the service does not return one.
func (p *Publisher) Publish(ctx context.Context, record harvest.HarvestedRecord) (string, error) {
	body, err := json.Marshal(newPayload(record))
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post record %s: %w", record.ExternalID, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(respBody))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return "", &StatusError{Code: resp.StatusCode, Body: snippet}
	}

	if readErr != nil {
		return "", fmt.Errorf("read response for %s: %w", record.ExternalID, readErr)
	}

	var ack ackBody
	if len(respBody) > 0 && json.Unmarshal(respBody, &ack) == nil && ack.ID != "" {
		return ack.ID, nil
	}
	return record.ExternalID, nil
}
