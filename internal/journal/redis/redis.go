// Package redis provides a [journal.Writer] that appends entries to a Redis
// stream, for deployments where a separate consumer ships them onward.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/carevox/internal/journal"
)

const (
	// DefaultStream is the stream key entries are appended to.
	DefaultStream = "carevox:journal"

	// DefaultMaxLen approximately caps the stream length.
	DefaultMaxLen = 100_000
)

// Option configures a [Writer].
type Option func(*Writer)

// WithStream overrides the stream key.
func WithStream(key string) Option {
	return func(w *Writer) { w.stream = key }
}

// WithMaxLen sets the approximate stream cap. Zero disables trimming.
func WithMaxLen(n int64) Option {
	return func(w *Writer) { w.maxLen = n }
}

var _ journal.Writer = (*Writer)(nil)

// Writer appends journal entries with XADD. It is safe for concurrent use.
type Writer struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New wraps an existing client. Close closes the client.
func New(client *redis.Client, opts ...Option) *Writer {
	w := &Writer{
		client: client,
		stream: DefaultStream,
		maxLen: DefaultMaxLen,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Dial connects to addr, which is either host:port or a redis:// or
// rediss:// URL, and verifies the connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*Writer, error) {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis journal: parse url: %w", err)
		}
		client = redis.NewClient(o)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	w := New(client, opts...)
	if err := w.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return w, nil
}

// Write implements [journal.Writer].
func (w *Writer) Write(ctx context.Context, e journal.Entry) error {
	args := &redis.XAddArgs{
		Stream: w.stream,
		Values: fields(e),
	}
	if w.maxLen > 0 {
		args.MaxLen = w.maxLen
		args.Approx = true
	}
	if err := w.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis journal: xadd: %w", err)
	}
	return nil
}

// Ping implements [journal.Writer].
func (w *Writer) Ping(ctx context.Context) error {
	if err := w.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis journal: ping: %w", err)
	}
	return nil
}

// Close implements [journal.Writer].
func (w *Writer) Close() error {
	return w.client.Close()
}

func fields(e journal.Entry) map[string]any {
	return map[string]any{
		"session_id":         e.SessionID,
		"seq":                strconv.Itoa(e.Seq),
		"agent":              e.Agent,
		"raw_text":           e.RawText,
		"corrected_text":     e.CorrectedText,
		"confidence":         strconv.FormatFloat(e.Confidence, 'f', -1, 64),
		"language_detected":  e.LanguageDetected,
		"needs_human_review": strconv.FormatBool(e.NeedsHumanReview),
		"user_text":          e.UserText,
		"reply":              e.Reply,
		"outcome":            e.Outcome,
		"started_at":         e.StartedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":        strconv.FormatInt(e.Duration.Milliseconds(), 10),
	}
}
