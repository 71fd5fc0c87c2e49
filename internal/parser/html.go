package parser

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

// HTML extracts one record per element matching the item selector.
type HTML struct {
	cfg Config
}

// NewHTML validates cfg and returns an HTML parser.
func NewHTML(cfg Config) (*HTML, error) {
	if cfg.ItemSelector == "" {
		return nil, errors.New("html parser: item_selector is required")
	}
	return &HTML{cfg: cfg}, nil
}

// Parse implements harvest.Parser.
func (p *HTML) Parse(page harvest.Page) (harvest.ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return harvest.ParseResult{}, fmt.Errorf("parse html page %d: %w", page.Number, err)
	}

	var result harvest.ParseResult
	doc.Find(p.cfg.ItemSelector).Each(func(i int, item *goquery.Selection) {
		result.Items++
		record, err := p.extract(page, item)
		if err != nil {
			result.Failures = append(result.Failures, fmt.Errorf("item %d: %w", i, err))
			return
		}
		result.Records = append(result.Records, record)
	})
	return result, nil
}

func (p *HTML) extract(page harvest.Page, item *goquery.Selection) (harvest.HarvestedRecord, error) {
	record := harvest.HarvestedRecord{
		SourceURL: page.URL,
		Source:    page.Target,
		Page:      page.Number,
		ScrapedAt: page.FetchedAt,
	}
	if p.cfg.IDAttr != "" {
		record.ExternalID = collapseSpace(item.AttrOr(p.cfg.IDAttr, ""))
	}
	if p.cfg.TitleSelector != "" {
		record.Title = collapseSpace(item.Find(p.cfg.TitleSelector).First().Text())
	}
	if p.cfg.LinkSelector != "" {
		link := item.Find(p.cfg.LinkSelector).First()
		if link.Length() == 0 && item.Is(p.cfg.LinkSelector) {
			link = item
		}
		if href, ok := link.Attr("href"); ok && href != "" {
			abs, err := resolveLink(page.URL, href)
			if err != nil {
				return harvest.HarvestedRecord{}, err
			}
			record.SourceURL = abs
		}
	}
	if len(p.cfg.Fields) > 0 {
		record.Fields = make(map[string]string, len(p.cfg.Fields))
		for name, selector := range p.cfg.Fields {
			if v := collapseSpace(item.Find(selector).First().Text()); v != "" {
				record.Fields[name] = v
			}
		}
	}
	return record, nil
}
