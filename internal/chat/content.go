package chat

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxContentBytes    = 4000
	DefaultMaxAttachmentBytes = 2048
)

// Limits bounds what a single message may carry.
type Limits struct {
	MaxContentBytes    int
	MaxAttachmentBytes int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxContentBytes:    DefaultMaxContentBytes,
		MaxAttachmentBytes: DefaultMaxAttachmentBytes,
	}
}

// ValidateContent checks a message body and optional attachment reference.
// A message needs either visible text or an attachment.
func (l Limits) ValidateContent(content, attachmentRef string) error {
	if l.MaxContentBytes <= 0 {
		l.MaxContentBytes = DefaultMaxContentBytes
	}
	if l.MaxAttachmentBytes <= 0 {
		l.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}

	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}
	if len(content) > l.MaxContentBytes {
		return fmt.Errorf("%w: content is %d bytes, limit %d", ErrInvalidContent, len(content), l.MaxContentBytes)
	}
	if strings.ContainsRune(content, 0) {
		return fmt.Errorf("%w: content contains NUL", ErrInvalidContent)
	}

	if attachmentRef == "" {
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("%w: empty message", ErrInvalidContent)
		}
		return nil
	}

	if len(attachmentRef) > l.MaxAttachmentBytes {
		return fmt.Errorf("%w: attachment ref is %d bytes, limit %d", ErrInvalidContent, len(attachmentRef), l.MaxAttachmentBytes)
	}
	u, err := url.Parse(attachmentRef)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: attachment ref must be an absolute URL", ErrInvalidContent)
	}
	return nil
}
