// Package email builds raw RFC 5322 messages for parser and indexer tests.
//
// Output always uses CRLF line endings, the form providers hand back in
// raw fetches.
package email

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// DefaultDate is the Date header of a message built without Date().
var DefaultDate = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type header struct{ key, value string }

type attachment struct {
	filename    string
	contentType string
	data        []byte
}

// Message accumulates headers and parts. The zero value is not usable; start
// from New.
type Message struct {
	from        string
	to          []string
	cc          []string
	subject     string
	date        time.Time
	messageID   string
	text        string
	html        string
	charset     string
	headers     []header
	attachments []attachment
}

// New returns a plain-text message with fixed sender, recipient, date and body.
func New() *Message {
	return &Message{
		from:    "sender@example.com",
		to:      []string{"recipient@example.com"},
		subject: "Test Message",
		date:    DefaultDate,
		text:    "This is a test message body.",
		charset: "utf-8",
	}
}

func (m *Message) From(addr string) *Message         { m.from = addr; return m }
func (m *Message) To(addrs ...string) *Message       { m.to = addrs; return m }
func (m *Message) Cc(addrs ...string) *Message       { m.cc = addrs; return m }
func (m *Message) Subject(s string) *Message         { m.subject = s; return m }
func (m *Message) Date(t time.Time) *Message         { m.date = t; return m }
func (m *Message) MessageID(id string) *Message      { m.messageID = id; return m }
func (m *Message) Charset(name string) *Message      { m.charset = name; return m }
func (m *Message) Text(body string) *Message         { m.text = body; return m }
func (m *Message) HTML(body string) *Message         { m.html = body; return m }
func (m *Message) HTMLOnly(body string) *Message     { m.text, m.html = "", body; return m }
func (m *Message) Attach(filename, contentType string, data []byte) *Message {
	m.attachments = append(m.attachments, attachment{filename, contentType, data})
	return m
}

// Header sets an extra header, replacing an earlier one with the same
// case-insensitive name.
func (m *Message) Header(key, value string) *Message {
	for i, h := range m.headers {
		if strings.EqualFold(h.key, key) {
			m.headers[i] = header{key, value}
			return m
		}
	}
	m.headers = append(m.headers, header{key, value})
	return m
}

// Bytes renders the message.
func (m *Message) Bytes() []byte {
	var w writer

	w.line("From: " + m.from)
	if len(m.to) > 0 {
		w.line("To: " + strings.Join(m.to, ", "))
	}
	if len(m.cc) > 0 {
		w.line("Cc: " + strings.Join(m.cc, ", "))
	}
	if m.subject != "" {
		w.line("Subject: " + m.subject)
	}
	if !m.date.IsZero() {
		w.line("Date: " + m.date.Format(time.RFC1123Z))
	}
	if m.messageID != "" {
		w.line("Message-ID: <" + m.messageID + ">")
	}
	for _, h := range m.headers {
		w.line(h.key + ": " + h.value)
	}
	w.line("MIME-Version: 1.0")

	if len(m.attachments) == 0 {
		m.writeBody(&w, "alt")
		return []byte(w.String())
	}

	w.line(`Content-Type: multipart/mixed; boundary="mixed"`)
	w.line("")
	w.line("--mixed")
	m.writeBody(&w, "alt")
	for _, a := range m.attachments {
		ct := a.contentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.line("--mixed")
		w.line(fmt.Sprintf("Content-Type: %s; name=%q", ct, a.filename))
		w.line(fmt.Sprintf("Content-Disposition: attachment; filename=%q", a.filename))
		w.line("Content-Transfer-Encoding: base64")
		w.line("")
		w.line(base64.StdEncoding.EncodeToString(a.data))
	}
	w.line("--mixed--")
	return []byte(w.String())
}

// writeBody emits the Content-Type header and the text and/or HTML parts.
func (m *Message) writeBody(w *writer, boundary string) {
	if m.text != "" && m.html != "" {
		w.line(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", boundary))
		w.line("")
		w.line("--" + boundary)
		w.part("text/plain", m.charset, m.text)
		w.line("--" + boundary)
		w.part("text/html", m.charset, m.html)
		w.line("--" + boundary + "--")
		return
	}
	if m.html != "" {
		w.part("text/html", m.charset, m.html)
		return
	}
	w.part("text/plain", m.charset, m.text)
}

type writer struct{ strings.Builder }

func (w *writer) line(s string) {
	w.WriteString(s)
	w.WriteString("\r\n")
}

func (w *writer) part(mediaType, charset, body string) {
	w.line(fmt.Sprintf("Content-Type: %s; charset=%q", mediaType, charset))
	w.line("")
	w.line(body)
}
