// Package mail loads raw messages from S3 and decodes them into NormalizedMail.
package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// ErrBucketNotConfigured is returned when no raw mail bucket is set.
var ErrBucketNotConfigured = errors.New("raw mail bucket is not configured")

// ErrEmptyKey is returned for an empty object key.
var ErrEmptyKey = errors.New("s3_key is required")

// Attachment describes a non-inline part.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	S3URI       string `json:"s3_uri,omitempty"`
}

// NormalizedMail is the provider-independent view of one message.
type NormalizedMail struct {
	FromAddr    string       `json:"from_addr,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Subject     string       `json:"subject,omitempty"`
	ReceivedAt  *time.Time   `json:"received_at"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// SenderAddress returns the bare address of the From header, lower-cased.
func (m NormalizedMail) SenderAddress() string {
	if m.FromAddr == "" {
		return ""
	}
	addr, err := gomail.ParseAddress(m.FromAddr)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(m.FromAddr))
	}
	return strings.ToLower(addr.Address)
}

// ObjectGetter is the subset of the S3 API the loader needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader fetches and parses raw messages stored in one bucket.
type Loader struct {
	client ObjectGetter
	bucket string
	logger *slog.Logger
}

// NewLoader creates a Loader for bucket.
func NewLoader(logger *slog.Logger, client ObjectGetter, bucket string) *Loader {
	return &Loader{client: client, bucket: bucket, logger: logger}
}

// Load reads the object at key and parses it.
func (l *Loader) Load(ctx context.Context, key string) (NormalizedMail, error) {
	if l.bucket == "" {
		return NormalizedMail{}, ErrBucketNotConfigured
	}
	if strings.TrimSpace(key) == "" {
		return NormalizedMail{}, ErrEmptyKey
	}

	l.logger.Debug("Fetching raw mail", "bucket", l.bucket, "key", key)
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return NormalizedMail{}, fmt.Errorf("failed to get s3://%s/%s: %w", l.bucket, key, err)
	}
	defer out.Body.Close()

	m, err := Parse(out.Body)
	if err != nil {
		return NormalizedMail{}, fmt.Errorf("failed to parse s3://%s/%s: %w", l.bucket, key, err)
	}
	l.logger.Info("Parsed raw mail", "key", key, "subject", m.Subject, "attachments", len(m.Attachments))
	return m, nil
}

// Parse decodes an RFC 5322 message. The first text/plain and text/html inline
// parts become Text and HTML; other parts are listed as attachments. Unknown
// charsets are tolerated and leave the raw text in place.
func Parse(r io.Reader) (NormalizedMail, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil && mr == nil {
		return NormalizedMail{}, err
	}
	defer mr.Close()

	m := NormalizedMail{Attachments: []Attachment{}}
	m.FromAddr = headerText(mr.Header, "From")
	m.ReplyTo = headerText(mr.Header, "Reply-To")
	if subject, err := mr.Header.Subject(); err == nil || subject != "" {
		m.Subject = subject
	}
	if mr.Header.Get("Date") != "" {
		if date, err := mr.Header.Date(); err == nil {
			m.ReceivedAt = &date
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && part == nil {
			return NormalizedMail{}, fmt.Errorf("failed to read mail part: %w", err)
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return NormalizedMail{}, fmt.Errorf("failed to read %s part: %w", contentType, err)
			}
			switch {
			case contentType == "text/html" && m.HTML == "":
				m.HTML = string(body)
			case (contentType == "text/plain" || contentType == "") && m.Text == "":
				m.Text = string(body)
			}
		case *gomail.AttachmentHeader:
			name, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			m.Attachments = append(m.Attachments, Attachment{Name: name, ContentType: contentType})
		}
	}
	return m, nil
}

func headerText(h gomail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil && v == "" {
		return h.Get(key)
	}
	return v
}
