// Package mime turns raw provider messages into indexable email records
// using enmime.
package mime

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/wesm/mailindex/internal/gmail"
	"github.com/wesm/mailindex/internal/textutil"
)

// ErrEmptyMessage is returned when a message carries no MIME payload.
var ErrEmptyMessage = errors.New("message has no raw content")

// Email is the parsed form of a remote message, ready to be stored.
type Email struct {
	RemoteMessageID string
	ThreadID        string
	Subject         string
	Sender          string   // first From address, "Name <addr>" when named
	Recipients      []string // To, Cc and Bcc addresses, lowercased, deduplicated
	TextBody        string
	HTMLBody        string
	ReceivedAt      time.Time
	HasAttachments  bool
	Labels          []string
	Errors          []string // Non-fatal parsing errors
}

// Address represents an email address with optional display name.
type Address struct {
	Name  string
	Email string
}

// String formats the address for display.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// Parser converts gmail.RawMessage values into Email records.
// The zero value is ready to use.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses the MIME payload of raw. Provider metadata (ID, thread,
// labels, receive time) takes precedence over header values.
func (p *Parser) Parse(raw *gmail.RawMessage) (*Email, error) {
	if raw == nil || len(raw.Raw) == 0 {
		return nil, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Raw))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	email := &Email{
		RemoteMessageID: raw.ID,
		ThreadID:        raw.ThreadID,
		Subject:         textutil.ToUTF8(env.GetHeader("Subject")),
		TextBody:        textutil.ToUTF8(env.Text),
		HTMLBody:        textutil.ToUTF8(env.HTML),
		ReceivedAt:      raw.ReceivedAt(),
		HasAttachments:  hasAttachments(env),
	}
	if len(raw.LabelIDs) > 0 {
		email.Labels = append([]string(nil), raw.LabelIDs...)
	}

	if email.TextBody == "" && email.HTMLBody != "" {
		email.TextBody = StripHTML(email.HTMLBody)
	}

	if email.ReceivedAt.IsZero() {
		if dateStr := env.GetHeader("Date"); dateStr != "" {
			email.ReceivedAt, _ = parseDate(dateStr)
		}
	}

	if from := parseAddressList(env, "From"); len(from) > 0 {
		email.Sender = textutil.ToUTF8(from[0].String())
	}
	email.Recipients = recipients(env)

	for _, e := range env.Errors {
		email.Errors = append(email.Errors, e.Error())
	}

	return email, nil
}

// recipients flattens To, Cc and Bcc into unique lowercased addresses.
func recipients(env *enmime.Envelope) []string {
	seen := make(map[string]bool)
	var out []string
	for _, header := range []string{"To", "Cc", "Bcc"} {
		for _, addr := range parseAddressList(env, header) {
			if seen[addr.Email] {
				continue
			}
			seen[addr.Email] = true
			out = append(out, addr.Email)
		}
	}
	return out
}

// parseAddressList parses an address header using enmime's AddressList method.
func parseAddressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}

	addresses := make([]Address, 0, len(list))
	for _, addr := range list {
		if addr.Address == "" {
			continue
		}
		addresses = append(addresses, Address{
			Name:  addr.Name,
			Email: strings.ToLower(addr.Address),
		})
	}
	return addresses
}

// hasAttachments reports whether any attachment or inline part is real
// file content rather than an alternate body.
func hasAttachments(env *enmime.Envelope) bool {
	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines, env.OtherParts} {
		for _, part := range parts {
			if !isBodyPart(part) {
				return true
			}
		}
	}
	return false
}

// isBodyPart returns true if the part should be treated as body content
// rather than an attachment: text/plain and text/html parts without a
// filename and without explicit Content-Disposition: attachment.
func isBodyPart(part *enmime.Part) bool {
	// Extract base media type (strip parameters like charset)
	contentType := strings.ToLower(part.ContentType)
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	if contentType != "text/plain" && contentType != "text/html" {
		return false
	}
	if part.FileName != "" {
		return false
	}
	// Handle parameters like "attachment; filename=x"
	disposition := strings.ToLower(part.Disposition)
	if idx := strings.Index(disposition, ";"); idx >= 0 {
		disposition = strings.TrimSpace(disposition[:idx])
	}
	return disposition != "attachment"
}

// dateFormats lists common email date formats for parseDate.
var dateFormats = []string{
	time.RFC1123Z,                           // "Mon, 02 Jan 2006 15:04:05 -0700"
	time.RFC1123,                            // "Mon, 02 Jan 2006 15:04:05 MST"
	"Mon, 2 Jan 2006 15:04:05 -0700",        // Single-digit day
	"Mon, 2 Jan 2006 15:04:05 MST",          // Single-digit day with named TZ
	"2 Jan 2006 15:04:05 -0700",             // No weekday
	"02 Jan 2006 15:04:05 -0700",            // No weekday, zero-padded
	time.RFC822Z,                            // "02 Jan 06 15:04 -0700"
	time.RFC822,                             // "02 Jan 06 15:04 MST"
	time.RFC850,                             // "Monday, 02-Jan-06 15:04:05 MST"
	time.ANSIC,                              // "Mon Jan _2 15:04:05 2006"
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)", // With parenthesized TZ
	time.RFC3339,                            // ISO 8601
	"2006-01-02 15:04:05 -0700",             // SQL-like format
	"2006-01-02 15:04:05",                   // SQL-like without TZ
}

// parseDate attempts to parse a date string in various formats.
// Returns the time in UTC, or the zero time if nothing matched.
func parseDate(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")

	// Strip trailing timezone name in parentheses like "(UTC)" but keep the
	// numeric offset for parsing
	baseStr := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		baseStr = strings.TrimSpace(s[:idx])
	}

	for _, candidate := range []string{baseStr, s} {
		for _, format := range dateFormats {
			if t, err := time.Parse(format, candidate); err == nil {
				return t.UTC(), nil
			}
		}
	}

	return time.Time{}, nil
}

// Block tags that should create line breaks when stripped
var blockTagRe = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol|dl|dt|dd)[^>]*>`)

// Patterns for content-stripping tags (each needs separate pattern due to Go regex limitations)
var scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
var styleTagRe = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
var headTagRe = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// StripHTML removes HTML tags, decodes entities, and normalizes whitespace.
// Block elements become line breaks so the result embeds as readable text.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = headTagRe.ReplaceAllString(text, "")

	text = blockTagRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\u00A0", " ")

	// Collapse multiple spaces on the same line (but preserve newlines)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}

// EmbeddingText returns the text fed to the embedding model: subject,
// sender and body, truncated to maxRunes when positive.
func (e *Email) EmbeddingText(maxRunes int) string {
	var b strings.Builder
	if e.Subject != "" {
		b.WriteString("Subject: ")
		b.WriteString(e.Subject)
		b.WriteString("\n")
	}
	if e.Sender != "" {
		b.WriteString("From: ")
		b.WriteString(e.Sender)
		b.WriteString("\n")
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(e.TextBody)
	text := strings.TrimSpace(b.String())
	if maxRunes > 0 {
		text = textutil.TruncateRunes(text, maxRunes)
	}
	return text
}
