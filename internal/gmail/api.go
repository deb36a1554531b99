// Package gmail provides a rate-limited Gmail API client that lists and
// fetches messages and classifies upstream failures.
package gmail

import (
	"context"
	"time"
)

// MessageLister lists remote message IDs page by page.
type MessageLister interface {
	// ListAll returns a page of message IDs across the whole mailbox.
	// An empty pageToken starts from the first page.
	ListAll(ctx context.Context, pageToken string, maxResults int) (*ListResult, error)

	// ListSince returns a page of message IDs received at or after since,
	// to the second. A zero since lists the whole mailbox.
	ListSince(ctx context.Context, since time.Time, pageToken string, maxResults int) (*ListResult, error)
}

// MessageFetcher retrieves full message bodies.
type MessageFetcher interface {
	// GetMessageRaw fetches a single message with raw MIME data.
	GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error)

	// FetchMany fetches messages in small concurrent sub-batches.
	// Messages that fail to fetch are logged and left out of the result;
	// only an authentication failure aborts the call.
	FetchMany(ctx context.Context, messageIDs []string) ([]*RawMessage, error)
}

// API defines the interface for Gmail operations used by the indexers.
// This interface enables mocking for tests without hitting the real API.
type API interface {
	MessageLister
	MessageFetcher

	// Close releases any resources held by the client.
	Close() error
}

// ListResult contains a page of message IDs.
type ListResult struct {
	Messages           []MessageID
	NextPageToken      string
	ResultSizeEstimate int64
}

// IDs returns the message IDs of the page in order.
func (r *ListResult) IDs() []string {
	ids := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		ids[i] = m.ID
	}
	return ids
}

// MessageID represents a message reference from list operations.
type MessageID struct {
	ID       string
	ThreadID string
}

// RawMessage contains the raw MIME data for a message.
type RawMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Raw          []byte // Decoded from base64url
}

// ReceivedAt returns the provider receive time, or the zero time if unknown.
func (m *RawMessage) ReceivedAt() time.Time {
	if m.InternalDate <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.InternalDate).UTC()
}
