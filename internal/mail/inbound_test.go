package mail

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundDecodesTextAndStringTo(t *testing.T) {
	var m Inbound
	err := json.Unmarshal([]byte(`{
		"from": "Bob <bob@example.com>",
		"to": "ops@inbound.example",
		"subject": "Re: Payment [#SBA-202412-001]",
		"text": "I am currently out of the office and will respond when I return.",
		"message_id": "<abc@mail.example>",
		"email_id": "em_123"
	}`), &m)
	require.NoError(t, err)

	assert.Equal(t, "ops@inbound.example", m.To)
	assert.Equal(t, "I am currently out of the office and will respond when I return.", m.Body())
	assert.Equal(t, "em_123", m.EmailID)
	assert.Equal(t, "bob@example.com", m.SenderAddress())
}

func TestInboundDecodesArrayToAndReferences(t *testing.T) {
	var m Inbound
	err := json.Unmarshal([]byte(`{
		"from": "carol@vendor.example",
		"to": ["ops@inbound.example", "cc@inbound.example"],
		"references": ["<a@x>", "<b@x>"],
		"in_reply_to": "<b@x>",
		"id": "em_456"
	}`), &m)
	require.NoError(t, err)

	assert.Equal(t, "ops@inbound.example", m.To)
	assert.Equal(t, []string{"<a@x>", "<b@x>"}, m.References)
	// id is the fallback when email_id is absent
	assert.Equal(t, "em_456", m.EmailID)
}

func TestInboundDecodesStringReferences(t *testing.T) {
	var m Inbound
	err := json.Unmarshal([]byte(`{"from":"a@b.c","to":"x@y.z","references":"<a@x> <b@x>"}`), &m)
	require.NoError(t, err)
	assert.Equal(t, []string{"<a@x>", "<b@x>"}, m.References)
}

func TestInboundBodyFallsBackToHTML(t *testing.T) {
	var m Inbound
	err := json.Unmarshal([]byte(`{
		"from": "a@b.c",
		"to": "x@y.z",
		"html": "<p>Approved &amp; ready to <b>proceed</b></p>"
	}`), &m)
	require.NoError(t, err)
	assert.Contains(t, m.Body(), "Approved & ready to")
	assert.Contains(t, m.Body(), "proceed")
	assert.NotContains(t, m.Body(), "<p>")
}

func TestInboundRejectsNonStringTo(t *testing.T) {
	var m Inbound
	err := json.Unmarshal([]byte(`{"to": 42}`), &m)
	assert.Error(t, err)
}
