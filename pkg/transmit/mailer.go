package transmit

import "context"

// Attachment is one file carried by an outbound message.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Message is an outbound delivery to the authority's inbox. When Raw is set
// it carries transport-exact bytes (an S/MIME envelope) and the other fields
// are informational only.
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
	Raw         []byte
}

// Mailer delivers messages. Implementations wrap whatever transport the
// deployment uses; Send returning nil means the transport accepted the
// message, not that the authority processed it.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, msg Message) error

func (f MailerFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
