package fiscal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eventotech/fiscalbridge/pkg/frames"
)

// SignatureFormat distinguishes the two envelope shapes agents produce.
type SignatureFormat string

const (
	// FormatDetached is the modern envelope: a separate PKCS#7 binary
	// signature alongside the untouched document.
	FormatDetached SignatureFormat = "detached"
	// FormatLegacy is the deprecated envelope with the signature embedded
	// in the XML itself. The authority may reject it outright, so it is
	// flagged for operator visibility wherever it surfaces.
	FormatLegacy SignatureFormat = "legacy"
)

// Envelope is a normalized signature, whichever shape the agent produced.
type Envelope struct {
	Format          SignatureFormat
	Data            []byte // detached: DER-encoded PKCS#7
	DigestAlgorithm string // detached
	SignedXML       []byte // legacy
	Deprecated      bool
}

// ErrEmptyEnvelope means the agent reported success but sent no signature
// in either shape.
var ErrEmptyEnvelope = errors.New("signature response carried no envelope")

// CardGateway is the slice of the bridge relay the signer needs. Satisfied
// by *bridge.Relay.
type CardGateway interface {
	EnsureCardReady(ctx context.Context) error
	SignXML(ctx context.Context, body []byte) (frames.SignatureResult, error)
	SignSMIME(ctx context.Context, content []byte) (frames.SignatureResult, error)
}

// Signer obtains signatures from the smart card through the bridge relay,
// enforcing hardware preconditions before any request is issued: a doomed
// request that ties up the card for its full timeout is worse than an
// immediate, distinguishable failure.
type Signer struct {
	gateway CardGateway
	logger  *slog.Logger
}

// NewSigner creates a Signer.
func NewSigner(gateway CardGateway, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{gateway: gateway, logger: logger}
}

// Sign obtains a signature over an XML document body.
func (s *Signer) Sign(ctx context.Context, body []byte) (*Envelope, error) {
	if err := s.gateway.EnsureCardReady(ctx); err != nil {
		return nil, err
	}
	res, err := s.gateway.SignXML(ctx, body)
	if err != nil {
		return nil, err
	}
	return s.normalize(res)
}

// SignMail obtains an S/MIME signature over a pre-built raw mail body, for
// deliveries that need transport-exact bytes.
func (s *Signer) SignMail(ctx context.Context, raw []byte) (*Envelope, error) {
	if err := s.gateway.EnsureCardReady(ctx); err != nil {
		return nil, err
	}
	res, err := s.gateway.SignSMIME(ctx, raw)
	if err != nil {
		return nil, err
	}
	return s.normalize(res)
}

// normalize folds the two wire shapes into one Envelope. Detached wins when
// both are present; legacy is accepted but flagged.
func (s *Signer) normalize(res frames.SignatureResult) (*Envelope, error) {
	if res.SignatureData != "" {
		data, err := base64.StdEncoding.DecodeString(res.SignatureData)
		if err != nil {
			return nil, fmt.Errorf("decode detached signature: %w", err)
		}
		digest := res.DigestAlgorithm
		if digest == "" {
			digest = "SHA256"
		}
		return &Envelope{Format: FormatDetached, Data: data, DigestAlgorithm: digest}, nil
	}
	if res.SignedXML != "" {
		s.logger.Warn("signer: agent produced legacy embedded signature; authority may reject it")
		return &Envelope{Format: FormatLegacy, SignedXML: []byte(res.SignedXML), Deprecated: true}, nil
	}
	return nil, ErrEmptyEnvelope
}
