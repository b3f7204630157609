// Package mail defines the inbound email payload shared by the ingress
// pipeline and the mail handlers. Providers are loose with field shapes, so
// decoding tolerates string-or-array values and both body field names.
package mail

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Attachment is one inline attachment. Content travels base64-encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     string `json:"content"`
}

// Inbound is the normalized inbound email.
type Inbound struct {
	From        string
	To          string
	Subject     string
	Text        string
	HTML        string
	MessageID   string
	InReplyTo   string
	References  []string
	EmailID     string
	Headers     map[string]string
	Attachments []Attachment
}

// flexString accepts a JSON string or an array of strings (first element).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("expected string or string array")
	}
	if len(list) > 0 {
		*f = flexString(list[0])
	}
	return nil
}

// flexStrings accepts a JSON string or an array of strings.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != "" {
			*f = strings.Fields(s)
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("expected string or string array")
	}
	*f = list
	return nil
}

func (m *Inbound) UnmarshalJSON(b []byte) error {
	var raw struct {
		From        string            `json:"from"`
		To          flexString        `json:"to"`
		Subject     string            `json:"subject"`
		Text        string            `json:"text"`
		HTML        string            `json:"html"`
		MessageID   string            `json:"message_id"`
		InReplyTo   string            `json:"in_reply_to"`
		References  flexStrings       `json:"references"`
		EmailID     string            `json:"email_id"`
		ID          string            `json:"id"`
		Headers     map[string]string `json:"headers"`
		Attachments []Attachment      `json:"attachments"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	m.From = raw.From
	m.To = string(raw.To)
	m.Subject = raw.Subject
	m.Text = raw.Text
	m.HTML = raw.HTML
	m.MessageID = raw.MessageID
	m.InReplyTo = raw.InReplyTo
	m.References = raw.References
	m.EmailID = raw.EmailID
	if m.EmailID == "" {
		m.EmailID = raw.ID
	}
	m.Headers = raw.Headers
	m.Attachments = raw.Attachments
	return nil
}

var htmlTags = regexp.MustCompile(`<[^>]*>`)

// Body returns the plain-text body, falling back to a tag-stripped render of
// the HTML part when no text part exists.
func (m *Inbound) Body() string {
	if m.Text != "" {
		return m.Text
	}
	if m.HTML == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(htmlTags.ReplaceAllString(m.HTML, " ")))
}

// SenderAddress strips display-name decoration down to the bare address.
func (m *Inbound) SenderAddress() string {
	addr := m.From
	if start := strings.LastIndex(addr, "<"); start >= 0 {
		if end := strings.Index(addr[start:], ">"); end > 0 {
			addr = addr[start+1 : start+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
