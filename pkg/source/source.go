// Package source defines the content source capability: fetching the raw
// item content a workflow instance processes. Fetch failures are fatal to
// the instance - the pipeline cannot proceed without content.
package source

import "context"

// Item is the fetched content for one item id.
type Item struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ContentSource fetches raw item content.
type ContentSource interface {
	// Fetch returns the item content, or an error when the item is
	// unreachable.
	Fetch(ctx context.Context, itemID string) (*Item, error)
}
