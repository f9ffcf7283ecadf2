// Package search projects reservation lifecycle events into Elasticsearch.
//
// The projection exists for the analytics consumers downstream of the
// lifecycle topic: sell-through dashboards, per-event funnels (created →
// confirmed vs. expired), abuse investigation by user. Postgres stays the
// source of truth; the index is a read-optimised copy that can be rebuilt by
// replaying the topic.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"flash-reservation/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
)

const lifecycleIndex = "reservation-lifecycle"

// Client wraps the Elasticsearch client with domain-level operations.
type Client struct {
	es *elasticsearch.Client
}

// New creates an Elasticsearch client pointed at the given URL.
func New(url string) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{url},
	}
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	return &Client{es: es}, nil
}

// IndexEvent upserts a lifecycle event document. Using the event ID as the
// document ID makes this idempotent — re-indexing the same event on a worker
// retry will not create duplicates.
func (c *Client) IndexEvent(ctx context.Context, ev *models.LifecycleEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	res, err := c.es.Index(
		lifecycleIndex,
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(ev.EventID),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("search: index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search: index error [%s]: %s", res.Status(), body)
	}
	return nil
}
