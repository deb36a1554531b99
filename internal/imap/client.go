package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/wesm/mailindex/internal/gmail"
)

// Option is a functional option for Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client implements gmail.API for IMAP servers. Message IDs are
// "mailbox|uidvalidity|uid" and every selectable mailbox is indexed. An id
// whose UIDVALIDITY no longer matches the mailbox is reported as not found.
// Messages are fetched with BODY.PEEK so indexing never marks mail as read.
type Client struct {
	config   *Config
	password string
	logger   *slog.Logger

	// dial replaces the TLS/STARTTLS/plain dialers when set.
	dial func(addr string) (net.Conn, error)

	mu               sync.Mutex
	conn             *imapclient.Client
	selectedMailbox  string
	selectedValidity uint32
	mailboxCache     []string

	listMu   sync.Mutex
	listings map[string][]gmail.MessageID // search key -> snapshot being paged
}

var _ gmail.API = (*Client)(nil)

// NewClient creates a new IMAP client. It connects lazily on first use.
func NewClient(cfg *Config, password string, opts ...Option) *Client {
	c := &Client{
		config:   cfg,
		password: password,
		logger:   slog.Default(),
		listings: make(map[string][]gmail.MessageID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// connect establishes and authenticates the IMAP connection. Caller must hold mu.
func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}

	addr := c.config.Addr()
	c.logger.Debug("connecting to IMAP server", "addr", addr, "tls", c.config.TLS, "starttls", c.config.STARTTLS)

	var (
		conn *imapclient.Client
		err  error
	)
	switch {
	case c.dial != nil:
		var nc net.Conn
		if nc, err = c.dial(addr); err == nil {
			conn = imapclient.New(nc, nil)
		}
	case c.config.TLS:
		conn, err = imapclient.DialTLS(addr, nil)
	case c.config.STARTTLS:
		conn, err = imapclient.DialStartTLS(addr, nil)
	default:
		conn, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return &gmail.ServerError{Err: fmt.Errorf("dial IMAP %s: %w", addr, err)}
	}

	if err := conn.Login(c.config.Username, c.password).Wait(); err != nil {
		_ = conn.Close()
		if isServerResponse(err) {
			return &gmail.AuthError{Body: fmt.Sprintf("IMAP login as %s: %v", c.config.Username, err)}
		}
		return &gmail.ServerError{Err: fmt.Errorf("IMAP login: %w", err)}
	}

	c.conn = conn
	c.selectedMailbox = ""
	c.logger.Debug("connected and authenticated", "username", c.config.Username)
	return nil
}

// isServerResponse reports whether err is a NO or BAD reply from the
// server, as opposed to a broken connection.
func isServerResponse(err error) bool {
	var ie *imap.Error
	return errors.As(err, &ie)
}

// withConn runs fn with the active connection, connecting if necessary.
// It holds the mutex for the duration of fn. A connection-level failure
// drops the connection so the next call reconnects, and is reported as a
// transient gmail.ServerError.
func (c *Client) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.connect(); err != nil {
		return err
	}

	err := fn(c.conn)
	if err == nil || isServerResponse(err) || ctx.Err() != nil {
		return err
	}
	_ = c.conn.Close()
	c.conn = nil
	c.selectedMailbox = ""
	return &gmail.ServerError{Err: err}
}

// selectMailbox selects a mailbox read-only if not already selected and
// records its UIDVALIDITY. Caller must hold mu.
func (c *Client) selectMailbox(mailbox string) error {
	if c.selectedMailbox == mailbox {
		return nil
	}
	data, err := c.conn.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("SELECT %q: %w", mailbox, err)
	}
	c.selectedMailbox = mailbox
	c.selectedValidity = data.UIDValidity
	return nil
}

// listMailboxesLocked returns all selectable mailboxes in name order,
// caching the result. Caller must hold mu.
func (c *Client) listMailboxesLocked() ([]string, error) {
	if c.mailboxCache != nil {
		return c.mailboxCache, nil
	}

	items, err := c.conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("LIST: %w", err)
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		if hasAttr(item.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		names = append(names, item.Mailbox)
	}
	sort.Strings(names)

	c.mailboxCache = names
	return names, nil
}

func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// compositeID builds a message identifier as "mailbox|uidvalidity|uid".
func compositeID(mailbox string, validity uint32, uid imap.UID) string {
	return mailbox + "|" + strconv.FormatUint(uint64(validity), 10) + "|" + strconv.FormatUint(uint64(uid), 10)
}

// parseCompositeID splits a composite message ID into mailbox,
// UIDVALIDITY and UID. The mailbox name may itself contain '|'.
func parseCompositeID(id string) (mailbox string, validity uint32, uid imap.UID, err error) {
	rest, uidPart, ok := cutLast(id, '|')
	if !ok {
		return "", 0, 0, fmt.Errorf("invalid IMAP message ID %q (expected mailbox|uidvalidity|uid)", id)
	}
	mailbox, validityPart, ok := cutLast(rest, '|')
	if !ok || mailbox == "" {
		return "", 0, 0, fmt.Errorf("invalid IMAP message ID %q (expected mailbox|uidvalidity|uid)", id)
	}
	v, verr := strconv.ParseUint(validityPart, 10, 32)
	if verr != nil {
		return "", 0, 0, fmt.Errorf("invalid UIDVALIDITY in message ID %q", id)
	}
	n, uerr := strconv.ParseUint(uidPart, 10, 32)
	if uerr != nil || n == 0 {
		return "", 0, 0, fmt.Errorf("invalid UID in message ID %q", id)
	}
	return mailbox, uint32(v), imap.UID(n), nil
}

func cutLast(s string, sep byte) (before, after string, found bool) {
	i := strings.LastIndexByte(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// ListAll returns a page of message IDs across every mailbox.
func (c *Client) ListAll(ctx context.Context, pageToken string, maxResults int) (*gmail.ListResult, error) {
	return c.list(ctx, "all", &imap.SearchCriteria{}, pageToken, maxResults)
}

// ListSince returns a page of message IDs received on or after since.
// IMAP SEARCH SINCE has day granularity, so a page may include mail from
// earlier on the same day; the indexer skips those as already stored.
func (c *Client) ListSince(ctx context.Context, since time.Time, pageToken string, maxResults int) (*gmail.ListResult, error) {
	if since.IsZero() {
		return c.ListAll(ctx, pageToken, maxResults)
	}
	key := "since:" + strconv.FormatInt(since.Unix(), 10)
	return c.list(ctx, key, &imap.SearchCriteria{Since: since}, pageToken, maxResults)
}

// list pages through a snapshot of the search result. IMAP has no server
// side pagination, so a first-page call (empty token) runs the search and
// later pages slice the snapshot. The token is the offset of the next page.
func (c *Client) list(ctx context.Context, key string, criteria *imap.SearchCriteria, pageToken string, maxResults int) (*gmail.ListResult, error) {
	offset, err := parsePageToken(pageToken)
	if err != nil {
		return nil, err
	}

	c.listMu.Lock()
	ids, ok := c.listings[key]
	c.listMu.Unlock()

	if pageToken == "" || !ok {
		ids, err = c.search(ctx, criteria)
		if err != nil {
			return nil, err
		}
	}

	page := pageOf(ids, offset, maxResults)

	c.listMu.Lock()
	if page.NextPageToken == "" {
		delete(c.listings, key)
	} else {
		c.listings[key] = ids
	}
	c.listMu.Unlock()

	return page, nil
}

func parsePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid IMAP page token %q", token)
	}
	return n, nil
}

// pageOf slices one page out of ids starting at offset.
func pageOf(ids []gmail.MessageID, offset, maxResults int) *gmail.ListResult {
	if maxResults <= 0 {
		maxResults = len(ids)
	}
	offset = min(offset, len(ids))
	end := min(offset+maxResults, len(ids))

	res := &gmail.ListResult{
		Messages:           ids[offset:end],
		ResultSizeEstimate: int64(len(ids)),
	}
	if end < len(ids) {
		res.NextPageToken = strconv.Itoa(end)
	}
	return res
}

// search runs UID SEARCH in every mailbox. Mailboxes that cannot be
// selected or searched are logged and skipped.
func (c *Client) search(ctx context.Context, criteria *imap.SearchCriteria) ([]gmail.MessageID, error) {
	var messages []gmail.MessageID
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		mailboxes, err := c.listMailboxesLocked()
		if err != nil {
			return err
		}

		for _, mailbox := range mailboxes {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := c.selectMailbox(mailbox); err != nil {
				if !isServerResponse(err) {
					return err
				}
				c.logger.Warn("skipping mailbox", "mailbox", mailbox, "error", err)
				continue
			}

			data, err := conn.UIDSearch(criteria, nil).Wait()
			if err != nil {
				if !isServerResponse(err) {
					return err
				}
				c.logger.Warn("UID SEARCH failed, skipping mailbox", "mailbox", mailbox, "error", err)
				continue
			}

			uids := data.AllUIDs()
			for _, uid := range uids {
				id := compositeID(mailbox, c.selectedValidity, uid)
				messages = append(messages, gmail.MessageID{ID: id, ThreadID: id})
			}
			c.logger.Debug("listed mailbox", "mailbox", mailbox, "count", len(uids))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessageRaw fetches a single IMAP message by composite ID. A message
// that could not be reached because the connection kept failing yields a
// transient gmail.ServerError; a missing or stale id yields NotFoundError.
func (c *Client) GetMessageRaw(ctx context.Context, messageID string) (*gmail.RawMessage, error) {
	msgs, lost, err := c.fetch(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if msgs[0] == nil {
		if lost != nil {
			return nil, lost
		}
		return nil, &gmail.NotFoundError{Path: messageID}
	}
	return msgs[0], nil
}

// FetchMany fetches messages grouped by mailbox. Messages that cannot be
// fetched, including those lost to a connection that failed again after a
// reconnect, are logged and left out; results keep the order of messageIDs.
// Only an authentication failure or ctx ending aborts the call.
func (c *Client) FetchMany(ctx context.Context, messageIDs []string) ([]*gmail.RawMessage, error) {
	msgs, _, err := c.fetch(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*gmail.RawMessage, 0, len(msgs))
	for i, m := range msgs {
		if m == nil {
			c.logger.Warn("message not fetched", "id", messageIDs[i])
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// mailboxBatch is the set of requested ids living in one mailbox
// generation.
type mailboxBatch struct {
	mailbox  string
	validity uint32
	items    []batchItem
}

type batchItem struct {
	idx int // position in the caller's id list
	uid imap.UID
}

var fetchSection = &imap.FetchItemBodySection{Peek: true} // whole message

var fetchOptions = &imap.FetchOptions{
	UID:          true,
	InternalDate: true,
	RFC822Size:   true,
	BodySection:  []*imap.FetchItemBodySection{fetchSection},
}

// fetch returns one entry per messageID, nil where the fetch failed. Each
// mailbox is fetched on its own; a connection failure is retried once on a
// fresh connection, and if that fails too the mailbox's ids stay nil and
// lost reports why. err is set only for authentication failures and ctx.
func (c *Client) fetch(ctx context.Context, messageIDs []string) (results []*gmail.RawMessage, lost error, err error) {
	var batches []*mailboxBatch
	byKey := make(map[string]*mailboxBatch)
	for i, id := range messageIDs {
		mailbox, validity, uid, perr := parseCompositeID(id)
		if perr != nil {
			c.logger.Warn("invalid message ID in batch", "id", id, "error", perr)
			continue
		}
		key := mailbox + "|" + strconv.FormatUint(uint64(validity), 10)
		b, ok := byKey[key]
		if !ok {
			b = &mailboxBatch{mailbox: mailbox, validity: validity}
			byKey[key] = b
			batches = append(batches, b)
		}
		b.items = append(b.items, batchItem{i, uid})
	}

	results = make([]*gmail.RawMessage, len(messageIDs))
	for _, b := range batches {
		for attempt := 1; ; attempt++ {
			ferr := c.withConn(ctx, func(conn *imapclient.Client) error {
				return c.fetchBatchLocked(conn, b, results)
			})
			if ferr == nil {
				break
			}
			if cerr := ctx.Err(); cerr != nil {
				return nil, nil, cerr
			}
			if !gmail.IsTransient(ferr) {
				return nil, nil, ferr
			}
			if attempt == 1 {
				c.logger.Warn("IMAP connection lost during fetch, reconnecting",
					"mailbox", b.mailbox, "error", ferr)
				continue
			}
			c.logger.Warn("skipping mailbox batch after reconnect failed",
				"mailbox", b.mailbox, "messages", len(b.items), "error", ferr)
			lost = ferr
			break
		}
	}
	return results, lost, nil
}

// fetchBatchLocked fetches the ids of b that are still missing from
// results. NO/BAD replies and a changed UIDVALIDITY leave them missing.
// Caller must hold mu.
func (c *Client) fetchBatchLocked(conn *imapclient.Client, b *mailboxBatch, results []*gmail.RawMessage) error {
	if err := c.selectMailbox(b.mailbox); err != nil {
		if !isServerResponse(err) {
			return err
		}
		c.logger.Warn("skipping mailbox batch", "mailbox", b.mailbox, "error", err)
		return nil
	}
	if c.selectedValidity != b.validity {
		c.logger.Warn("UIDVALIDITY changed, ids are stale", "mailbox", b.mailbox,
			"id_validity", b.validity, "mailbox_validity", c.selectedValidity, "messages", len(b.items))
		return nil
	}

	var uidSet imap.UIDSet
	uidToIdx := make(map[imap.UID]int, len(b.items))
	for _, item := range b.items {
		if results[item.idx] != nil {
			continue
		}
		uidSet.AddNum(item.uid)
		uidToIdx[item.uid] = item.idx
	}
	if len(uidToIdx) == 0 {
		return nil
	}

	msgs, err := conn.Fetch(uidSet, fetchOptions).Collect()
	if err != nil {
		if !isServerResponse(err) {
			return err
		}
		c.logger.Warn("UID FETCH failed", "mailbox", b.mailbox, "error", err)
		return nil
	}

	for _, buf := range msgs {
		idx, ok := uidToIdx[buf.UID]
		if !ok {
			continue
		}
		raw := buf.FindBodySection(fetchSection)
		if len(raw) == 0 {
			continue
		}
		id := compositeID(b.mailbox, b.validity, buf.UID)
		results[idx] = &gmail.RawMessage{
			ID:           id,
			ThreadID:     id,
			LabelIDs:     []string{b.mailbox},
			InternalDate: buf.InternalDate.UnixMilli(),
			SizeEstimate: buf.RFC822Size,
			Raw:          raw,
		}
	}
	return nil
}

// Close logs out and disconnects from the IMAP server. The client
// reconnects on next use.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selectedMailbox = ""
	c.mailboxCache = nil
	return conn.Logout().Wait()
}
