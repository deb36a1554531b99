package gmail

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const mockDefaultPageSize = 100

// ListCall records the arguments of one list request on MockAPI.
type ListCall struct {
	Since      time.Time // zero for ListAll
	PageToken  string
	MaxResults int
}

// MockAPI is a mock implementation of the Gmail API for testing.
type MockAPI struct {
	mu sync.Mutex

	// Messages indexed by ID
	Messages map[string]*RawMessage

	// Order is the listing order of message IDs. SetupMessages and
	// AddMessage append to it.
	Order []string

	// ResultSizeEstimate overrides the estimate returned by list calls
	// when positive. Otherwise the number of matching messages is used.
	ResultSizeEstimate int64

	// Error injection
	ListErrors      []error          // popped one per list call; nil entries succeed
	GetMessageError map[string]error // Per-message errors
	FetchManyError  error            // fails the whole FetchMany call

	// Call tracking for assertions
	ListAllCalls    []ListCall
	ListSinceCalls  []ListCall
	GetMessageCalls []string
	FetchManyCalls  [][]string
}

// NewMockAPI creates a new mock API with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:        make(map[string]*RawMessage),
		GetMessageError: make(map[string]error),
	}
}

// ListAll returns mock message IDs with offset-based pagination.
func (m *MockAPI) ListAll(ctx context.Context, pageToken string, maxResults int) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListAllCalls = append(m.ListAllCalls, ListCall{PageToken: pageToken, MaxResults: maxResults})

	if err := m.popListError(); err != nil {
		return nil, err
	}
	return m.page(m.Order, pageToken, maxResults)
}

// ListSince returns mock message IDs whose InternalDate is at or after
// since, truncated to the second like Gmail's after: search.
func (m *MockAPI) ListSince(ctx context.Context, since time.Time, pageToken string, maxResults int) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListSinceCalls = append(m.ListSinceCalls, ListCall{Since: since, PageToken: pageToken, MaxResults: maxResults})

	if err := m.popListError(); err != nil {
		return nil, err
	}

	var cutoff int64
	if !since.IsZero() {
		cutoff = since.Unix() * 1000
	}

	var ids []string
	for _, id := range m.Order {
		if msg, ok := m.Messages[id]; ok && msg.InternalDate >= cutoff {
			ids = append(ids, id)
		}
	}
	return m.page(ids, pageToken, maxResults)
}

// popListError returns the next queued list error. Must be called with lock held.
func (m *MockAPI) popListError() error {
	if len(m.ListErrors) == 0 {
		return nil
	}
	err := m.ListErrors[0]
	m.ListErrors = m.ListErrors[1:]
	return err
}

// page slices ids according to an "offset_N" page token. Must be called with lock held.
func (m *MockAPI) page(ids []string, pageToken string, maxResults int) (*ListResult, error) {
	offset := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "offset_%d", &offset); err != nil {
			return nil, fmt.Errorf("invalid page token: %s", pageToken)
		}
	}
	if maxResults <= 0 {
		maxResults = mockDefaultPageSize
	}

	estimate := int64(len(ids))
	if m.ResultSizeEstimate > 0 {
		estimate = m.ResultSizeEstimate
	}

	if offset >= len(ids) {
		return &ListResult{ResultSizeEstimate: estimate}, nil
	}

	end := offset + maxResults
	if end > len(ids) {
		end = len(ids)
	}

	messages := make([]MessageID, 0, end-offset)
	for _, id := range ids[offset:end] {
		threadID := "thread_" + id
		if msg, ok := m.Messages[id]; ok && msg.ThreadID != "" {
			threadID = msg.ThreadID
		}
		messages = append(messages, MessageID{ID: id, ThreadID: threadID})
	}

	var next string
	if end < len(ids) {
		next = fmt.Sprintf("offset_%d", end)
	}

	return &ListResult{
		Messages:           messages,
		NextPageToken:      next,
		ResultSizeEstimate: estimate,
	}, nil
}

// GetMessageRaw returns a mock message.
func (m *MockAPI) GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetMessageCalls = append(m.GetMessageCalls, messageID)

	if err, ok := m.GetMessageError[messageID]; ok && err != nil {
		return nil, err
	}

	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, &NotFoundError{Path: "/messages/" + messageID}
	}
	return msg, nil
}

// FetchMany mirrors the real Client: failed fetches are left out of the
// result, and an AuthError aborts the whole call.
func (m *MockAPI) FetchMany(ctx context.Context, messageIDs []string) ([]*RawMessage, error) {
	m.mu.Lock()
	m.FetchManyCalls = append(m.FetchManyCalls, append([]string(nil), messageIDs...))
	fetchErr := m.FetchManyError
	m.mu.Unlock()

	if fetchErr != nil {
		return nil, fetchErr
	}

	var results []*RawMessage
	for _, id := range messageIDs {
		msg, err := m.GetMessageRaw(ctx, id)
		if err != nil {
			if IsAuth(err) {
				return nil, err
			}
			continue
		}
		results = append(results, msg)
	}
	return results, nil
}

// Close is a no-op for the mock.
func (m *MockAPI) Close() error {
	return nil
}

// SetupMessages adds multiple pre-built RawMessage values to the mock store
// in a thread-safe manner. Nil entries in the input slice are silently skipped.
func (m *MockAPI) SetupMessages(msgs ...*RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Messages == nil {
		m.Messages = make(map[string]*RawMessage)
	}
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if _, exists := m.Messages[msg.ID]; !exists {
			m.Order = append(m.Order, msg.ID)
		}
		m.Messages[msg.ID] = msg
	}
}

// AddMessage adds a message to the mock store.
func (m *MockAPI) AddMessage(id string, raw []byte, labelIDs []string, receivedAt time.Time) {
	m.SetupMessages(&RawMessage{
		ID:           id,
		ThreadID:     "thread_" + id,
		LabelIDs:     labelIDs,
		Raw:          raw,
		SizeEstimate: int64(len(raw)),
		InternalDate: receivedAt.UnixMilli(),
	})
}

// Reset clears all state and call tracking.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages = make(map[string]*RawMessage)
	m.Order = nil
	m.ResultSizeEstimate = 0
	m.ListErrors = nil
	m.GetMessageError = make(map[string]error)
	m.FetchManyError = nil

	m.ListAllCalls = nil
	m.ListSinceCalls = nil
	m.GetMessageCalls = nil
	m.FetchManyCalls = nil
}

// ListCallCount returns the total number of list requests served.
func (m *MockAPI) ListCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ListAllCalls) + len(m.ListSinceCalls)
}

// Ensure MockAPI implements API interface.
var _ API = (*MockAPI)(nil)
