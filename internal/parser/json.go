package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// IDPlaceholder is replaced with the item ID in Config.URLTemplate.
const IDPlaceholder = "{id}"

// JSON extracts records from an array of objects inside a JSON document.
type JSON struct {
	cfg Config
}

// NewJSON validates cfg and returns a JSON parser.
func NewJSON(cfg Config) (*JSON, error) {
	if cfg.IDField == "" {
		return nil, errors.New("json parser: id_field is required")
	}
	return &JSON{cfg: cfg}, nil
}

// Parse implements harvest.Parser.
func (p *JSON) Parse(page harvest.Page) (harvest.ParseResult, error) {
	raw, err := lookupRaw(json.RawMessage(page.Body), splitPath(p.cfg.ItemsPath))
	if err != nil {
		return harvest.ParseResult{}, fmt.Errorf("parse json page %d: %w", page.Number, err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return harvest.ParseResult{}, fmt.Errorf("parse json page %d: items are not an array: %w", page.Number, err)
	}

	result := harvest.ParseResult{Items: len(items)}
	for i, item := range items {
		record, err := p.extract(page, item)
		if err != nil {
			result.Failures = append(result.Failures, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

func (p *JSON) extract(page harvest.Page, item json.RawMessage) (harvest.HarvestedRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return harvest.HarvestedRecord{}, fmt.Errorf("decode item: %w", err)
	}
	if obj == nil {
		return harvest.HarvestedRecord{}, errors.New("item is null")
	}

	record := harvest.HarvestedRecord{
		ExternalID: stringAt(obj, p.cfg.IDField),
		SourceURL:  page.URL,
		Source:     page.Target,
		Page:       page.Number,
		Title:      stringAt(obj, p.cfg.TitleField),
		Raw:        append(json.RawMessage(nil), item...),
		ScrapedAt:  page.FetchedAt,
	}

	switch {
	case p.cfg.URLField != "" && stringAt(obj, p.cfg.URLField) != "":
		abs, err := resolveLink(page.URL, stringAt(obj, p.cfg.URLField))
		if err != nil {
			return harvest.HarvestedRecord{}, err
		}
		record.SourceURL = abs
	case p.cfg.URLTemplate != "" && record.ExternalID != "":
		link := strings.ReplaceAll(p.cfg.URLTemplate, IDPlaceholder, record.ExternalID)
		abs, err := resolveLink(page.URL, link)
		if err != nil {
			return harvest.HarvestedRecord{}, err
		}
		record.SourceURL = abs
	}

	if len(p.cfg.Fields) > 0 {
		record.Fields = make(map[string]string, len(p.cfg.Fields))
		for name, path := range p.cfg.Fields {
			if v := stringAt(obj, path); v != "" {
				record.Fields[name] = v
			}
		}
	}
	return record, nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func lookupRaw(raw json.RawMessage, path []string) (json.RawMessage, error) {
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("expected object at %q: %w", key, err)
		}
		next, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("path %q not found", key)
		}
		raw = next
	}
	return raw, nil
}

// stringAt resolves a dotted path and renders scalars as strings.
func stringAt(obj map[string]any, path string) string {
	if path == "" {
		return ""
	}
	var cur any = obj
	for _, key := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	switch v := cur.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
