// Package events defines the domain events emitted by crawl runs and the bus
// they are published on.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Type names a domain event.
type Type string

// Domain events emitted over one crawl's lifecycle.
const (
	TypeCrawlStarted     Type = "CRAWL_STARTED"
	TypeCrawlCompleted   Type = "CRAWL_COMPLETED"
	TypeCrawlFailed      Type = "CRAWL_FAILED"
	TypePageFetched      Type = "PAGE_FETCHED"
	TypePageFailed       Type = "PAGE_FAILED"
	TypeExtractionDone   Type = "EXTRACTION_DONE"
	TypeExtractionFailed Type = "EXTRACTION_FAILED"
	TypeCircuitOpened    Type = "CIRCUIT_OPENED"
)

// Event is a write-once record handed to the bus and never retained by the
// emitter afterward.
type Event struct {
	Type      Type           `json:"type"`
	CrawlID   string         `json:"crawl_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Validate performs coarse validation before an event enters the bus.
func (e Event) Validate() error {
	if e.CrawlID == "" {
		return errors.New("crawl id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeCrawlStarted, TypeCrawlCompleted, TypeCrawlFailed,
		TypePageFetched, TypePageFailed,
		TypeExtractionDone, TypeExtractionFailed,
		TypeCircuitOpened:
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}
