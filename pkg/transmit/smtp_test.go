package transmit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPMailerBuildsMultipartBody(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Addr: "mail.example:25", From: "bridge@example.com"})
	body := m.build(Message{
		To:      "inbox@authority.example",
		Subject: "RG_SYS001A_20260314.xml",
		Body:    "Trasmissione riepilogo",
		Attachments: []Attachment{
			{FileName: "RG_SYS001A_20260314.xml", ContentType: "application/xml", Data: []byte("<doc/>")},
			{FileName: "RG_SYS001A_20260314.xml.p7s", ContentType: "application/pkcs7-signature", Data: []byte{0x30, 0x01}},
		},
	})

	s := string(body)
	assert.Contains(t, s, "From: bridge@example.com\r\n")
	assert.Contains(t, s, "To: inbox@authority.example\r\n")
	assert.Contains(t, s, "Content-Type: multipart/mixed")
	assert.Contains(t, s, `filename="RG_SYS001A_20260314.xml"`)
	assert.Contains(t, s, `filename="RG_SYS001A_20260314.xml.p7s"`)
	assert.Contains(t, s, "PGRvYy8+") // base64 of <doc/>
	assert.True(t, strings.HasSuffix(s, "--"+mimeBoundary+"--\r\n"))
}

func TestSMTPMailerBase64LineWrapping(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Addr: "mail.example:25", From: "bridge@example.com"})
	body := m.build(Message{
		To:          "inbox@authority.example",
		Subject:     "big",
		Attachments: []Attachment{{FileName: "big.xml", ContentType: "application/xml", Data: make([]byte, 4096)}},
	})

	inAttachment := false
	for _, line := range strings.Split(string(body), "\r\n") {
		if strings.HasPrefix(line, "Content-Disposition:") {
			inAttachment = true
			continue
		}
		if strings.HasPrefix(line, "--") {
			inAttachment = false
		}
		if inAttachment {
			require.LessOrEqual(t, len(line), 76)
		}
	}
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "mail.example", hostOf("mail.example:25"))
	assert.Equal(t, "mail.example", hostOf("mail.example"))
}
