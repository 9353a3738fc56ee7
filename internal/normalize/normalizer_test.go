package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
	"github.com/fyrsmithlabs/deadlined/internal/mail"
)

func raw(id, data string) mail.RawMessage {
	return mail.RawMessage{ID: id, Data: []byte(strings.ReplaceAll(data, "\n", "\r\n"))}
}

func TestNormalize_PlainText(t *testing.T) {
	msg, err := New().Normalize(raw("1", `From: "Acme Billing" <billing@acme.example>
Subject: =?UTF-8?Q?Caf=C3=A9_trial?= <b>notice</b>
Date: Mon, 04 Mar 2024 10:00:00 +0000
Content-Type: text/plain; charset=utf-8

Your free trial ends on 2024-03-15.

   Cancel    before this date.
`))
	require.NoError(t, err)

	assert.Equal(t, "1", msg.ID)
	assert.Equal(t, "Café trial notice", msg.Subject)
	assert.Equal(t, "Acme Billing <billing@acme.example>", msg.Sender)
	assert.Equal(t, "Your free trial ends on 2024-03-15.\nCancel before this date.", msg.BodyText)
	assert.True(t, msg.ReceivedAt.Equal(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)))
}

func TestNormalize_MultipartPrefersPlain(t *testing.T) {
	msg, err := New().Normalize(raw("2", `From: shop@example.com
Subject: Renewal
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: quoted-printable

Your plan renews on 2024-06-01 =E2=80=94 no action needed.
--b1
Content-Type: text/html; charset=utf-8

<p>HTML version</p>
--b1--
`))
	require.NoError(t, err)
	assert.Equal(t, "Your plan renews on 2024-06-01 — no action needed.", msg.BodyText)
}

func TestNormalize_HTMLFallback(t *testing.T) {
	msg, err := New().Normalize(raw("3", `From: shop@example.com
Subject: Trial
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: text/html; charset=utf-8
Content-Transfer-Encoding: base64

PGh0bWw+PGhlYWQ+PHRpdGxlPlQ8L3RpdGxlPjwvaGVhZD48Ym9keT48c2NyaXB0PnZhciB4PTE7PC9zY3JpcHQ+PHA+VHJpYWwgZW5kcyB0b21vcnJvdzwvcD48cD5DYW5jZWwgYW55dGltZTwvcD48L2JvZHk+PC9odG1sPg==
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="invoice.pdf"

JVBERi0=
--outer--
`))
	require.NoError(t, err)
	assert.Equal(t, "Trial ends tomorrow\nCancel anytime", msg.BodyText)
}

func TestNormalize_LegacyCharset(t *testing.T) {
	data := "From: a@example.com\r\nSubject: x\r\nContent-Type: text/plain; charset=iso-8859-1\r\n\r\ncaf\xe9 refund\r\n"
	msg, err := New().Normalize(mail.RawMessage{ID: "4", Data: []byte(data)})
	require.NoError(t, err)
	assert.Equal(t, "café refund", msg.BodyText)
}

func TestNormalize_DecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		reason string
	}{
		{
			name:   "unknown charset",
			data:   "Subject: x\nContent-Type: text/plain; charset=x-klingon\n\nqapla\n",
			reason: "unsupported charset",
		},
		{
			name:   "multipart without boundary",
			data:   "Subject: x\nContent-Type: multipart/mixed\n\nbody\n",
			reason: "malformed multipart",
		},
		{
			name:   "multipart with missing parts",
			data:   "Subject: x\nContent-Type: multipart/mixed; boundary=zz\n\nno parts here\n",
			reason: "malformed multipart",
		},
		{
			name:   "nothing visible",
			data:   "Subject: x\nContent-Type: text/html\n\n<script>track()</script>\n",
			reason: "empty after decode",
		},
		{
			name:   "no header block",
			data:   "",
			reason: "malformed headers",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Normalize(raw("bad", tt.data))
			var de *deadline.DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "bad", de.MessageID)
			assert.Equal(t, tt.reason, de.Reason)
		})
	}
}

func TestNormalize_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 10)
	msg, err := New(WithMaxBodyBytes(5)).Normalize(raw("5", "Subject: x\n\n"+body+"\n"))
	require.NoError(t, err)
	assert.Equal(t, "éé", msg.BodyText)
}

func TestNormalize_ReceivedAtFallbacks(t *testing.T) {
	arrival := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := raw("6", "Subject: x\n\nbody\n")
	m.ReceivedAt = arrival

	msg, err := New().Normalize(m)
	require.NoError(t, err)
	assert.True(t, msg.ReceivedAt.Equal(arrival))

	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	msg, err = New(WithClock(func() time.Time { return fixed })).Normalize(raw("7", "Subject: x\n\nbody\n"))
	require.NoError(t, err)
	assert.True(t, msg.ReceivedAt.Equal(fixed))
}

func TestNormalize_IDFallbacks(t *testing.T) {
	msg, err := New().Normalize(raw("", "Message-ID: <abc@mx.example>\nSubject: x\n\nbody\n"))
	require.NoError(t, err)
	assert.Equal(t, "abc@mx.example", msg.ID)

	msg, err = New().Normalize(raw("", "Subject: x\n\nbody\n"))
	require.NoError(t, err)
	assert.Len(t, msg.ID, 16)
}

func TestHTMLToText_TableCells(t *testing.T) {
	text, err := htmlToText(`<table><tr><td>Renewal</td><td>2024-06-01</td></tr></table>`)
	require.NoError(t, err)
	assert.Equal(t, "Renewal 2024-06-01", collapseWhitespace(text))
}
