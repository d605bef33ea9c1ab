package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
)

// Authorizer answers whether a user may join a room's live session.
type Authorizer interface {
	IsRoomMember(ctx context.Context, roomID, userID string) (bool, error)
}

// AuthorizerFunc is an adapter to allow the use of ordinary functions as authorizers.
type AuthorizerFunc func(ctx context.Context, roomID, userID string) (bool, error)

// IsRoomMember implements Authorizer.
func (f AuthorizerFunc) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	return f(ctx, roomID, userID)
}

// AllowAll admits every authenticated user. Development only.
type AllowAll struct{}

// IsRoomMember implements Authorizer.
func (AllowAll) IsRoomMember(context.Context, string, string) (bool, error) { return true, nil }

// RowQuerier is the subset of *pgxpool.Pool used by PostgresMembership.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresMembership checks room access against the tables owned by the HTTP
// API: a user may join when they administer the room or are linked to it
// through the room/user join table.
type PostgresMembership struct {
	db         RowQuerier
	query      string
	maxRetries int
	retryDelay time.Duration
}

// MembershipOption configures PostgresMembership behavior.
type MembershipOption func(*membershipSettings) error

type membershipSettings struct {
	schema     string
	rooms      string
	links      string
	maxRetries int
	retryDelay time.Duration
}

// WithSchema qualifies the tables with a schema (default: search_path).
func WithSchema(schema string) MembershipOption {
	return func(t *membershipSettings) error {
		schema = strings.TrimSpace(schema)
		if !isValidIdent(schema) {
			return fmt.Errorf("rooms: invalid schema identifier %q", schema)
		}
		t.schema = schema
		return nil
	}
}

// WithTables overrides the room and room/user link table names.
func WithTables(rooms, links string) MembershipOption {
	return func(t *membershipSettings) error {
		if !isValidIdent(rooms) || !isValidIdent(links) {
			return errors.New("rooms: invalid table identifier")
		}
		t.rooms, t.links = rooms, links
		return nil
	}
}

// WithRetries retries transient query failures up to n times, doubling delay
// after each attempt. Zero disables retries.
func WithRetries(n int, delay time.Duration) MembershipOption {
	return func(t *membershipSettings) error {
		if n < 0 || delay < 0 {
			return errors.New("rooms: retries and delay must not be negative")
		}
		t.maxRetries, t.retryDelay = n, delay
		return nil
	}
}

// NewPostgresMembership constructs a membership check backed by PostgreSQL.
func NewPostgresMembership(db RowQuerier, opts ...MembershipOption) (*PostgresMembership, error) {
	if db == nil {
		return nil, errors.New("rooms: nil database")
	}
	tables := membershipSettings{rooms: "Room", links: "_RoomToUser", maxRetries: 2, retryDelay: 50 * time.Millisecond}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&tables); err != nil {
			return nil, err
		}
	}

	roomsTable := qualify(tables.schema, tables.rooms)
	linksTable := qualify(tables.schema, tables.links)
	query := `SELECT 1 FROM ` + roomsTable + ` r
WHERE r."id" = $1
  AND (r."adminId" = $2 OR EXISTS (
        SELECT 1 FROM ` + linksTable + ` l WHERE l."A" = r."id" AND l."B" = $2))
LIMIT 1`

	return &PostgresMembership{db: db, query: query, maxRetries: tables.maxRetries, retryDelay: tables.retryDelay}, nil
}

// IsRoomMember implements Authorizer.
func (m *PostgresMembership) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "rooms.is_member")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", roomID))

	var found bool
	err := m.retry(ctx, func(ctx context.Context) error {
		var one int
		err := m.db.QueryRow(ctx, m.query, roomID, userID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("rooms: membership query: %w", err)
	}
	return found, nil
}

func (m *PostgresMembership) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := m.retryDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !isTransient(err) || attempt >= m.maxRetries {
			return err
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"57P03": // cannot_connect_now
			return true
		}
		return false
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

// Guard bounds an Authorizer with a timeout and records its latency. A zero
// timeout leaves the call unbounded.
type Guard struct {
	inner   Authorizer
	timeout time.Duration
}

// NewGuard wraps inner.
func NewGuard(inner Authorizer, timeout time.Duration) *Guard {
	return &Guard{inner: inner, timeout: timeout}
}

// IsRoomMember implements Authorizer.
func (g *Guard) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	ok, err := g.inner.IsRoomMember(ctx, roomID, userID)
	result := "denied"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "allowed"
	}
	authzLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return ok, err
}

func qualify(schema, table string) string {
	if schema == "" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isValidIdent(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
