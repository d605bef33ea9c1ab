package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/canvas-relay/internal/ws"
)

const (
	defaultTTL       = 45 * time.Second
	defaultKeyPrefix = "presence:room:"
)

// Entry is one joined connection in a room roster.
type Entry struct {
	ConnID   string    `json:"connId"`
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	JoinedAt time.Time `json:"joinedAt"`
	SeenAt   time.Time `json:"seenAt"`
}

// Store persists room rosters shared by every relay instance.
type Store interface {
	Put(ctx context.Context, roomID string, entries []Entry, ttl time.Duration) error
	Remove(ctx context.Context, roomID, connID string) error
	List(ctx context.Context, roomID string) ([]Entry, error)
}

// MemberLister is the subset of *ws.Hub used when no shared store is configured.
type MemberLister interface {
	Members(roomID string) []ws.MemberInfo
}

// Service keeps the roster of joined connections per room. Entries written by
// this instance are refreshed on a keepalive loop; entries not refreshed
// within the TTL are considered gone.
type Service struct {
	store  Store
	hub    MemberLister
	logger zerolog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	local map[string]map[string]Entry

	// writeMu orders store writes so a refresh never lands after the Remove
	// of an entry it had already read.
	writeMu sync.Mutex
}

// NewService constructs a roster. A nil store serves rosters from hub only.
func NewService(store Store, hub MemberLister, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		hub:    hub,
		logger: logger,
		ttl:    defaultTTL,
		now:    time.Now,
		local:  make(map[string]map[string]Entry),
	}
}

// Start refreshes this instance's entries until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s.store == nil {
		return
	}
	go s.keepaliveLoop(ctx)
}

// Join records m in its room roster.
func (s *Service) Join(ctx context.Context, m ws.Member) {
	now := s.now()
	entry := Entry{ConnID: m.ID(), UserID: m.UserID(), Email: m.Email(), JoinedAt: now, SeenAt: now}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	room := s.local[m.RoomID()]
	if room == nil {
		room = make(map[string]Entry)
		s.local[m.RoomID()] = room
	}
	room[entry.ConnID] = entry
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	if err := s.store.Put(ctx, m.RoomID(), []Entry{entry}, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("room_id", m.RoomID()).Msg("failed to record presence")
	}
}

// Leave removes m from its room roster.
func (s *Service) Leave(ctx context.Context, m ws.Member) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if room := s.local[m.RoomID()]; room != nil {
		delete(room, m.ID())
		if len(room) == 0 {
			delete(s.local, m.RoomID())
		}
	}
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	if err := s.store.Remove(ctx, m.RoomID(), m.ID()); err != nil {
		s.logger.Warn().Err(err).Str("room_id", m.RoomID()).Msg("failed to clear presence")
	}
}

// Roster returns the room's joined connections ordered by join time.
func (s *Service) Roster(ctx context.Context, roomID string) ([]Entry, error) {
	if s.store == nil {
		return s.rosterFromHub(roomID), nil
	}

	entries, err := s.store.List(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	cutoff := s.now().Add(-s.ttl)
	live := entries[:0]
	for _, e := range entries {
		if e.SeenAt.Before(cutoff) {
			if err := s.store.Remove(ctx, roomID, e.ConnID); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", e.ConnID).Msg("failed to prune stale presence")
			}
			continue
		}
		live = append(live, e)
	}
	sortEntries(live)
	return live, nil
}

func (s *Service) rosterFromHub(roomID string) []Entry {
	if s.hub == nil {
		return nil
	}
	s.mu.Lock()
	known := s.local[roomID]
	members := s.hub.Members(roomID)
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		entry := Entry{ConnID: m.ConnID, UserID: m.UserID, Email: m.Email}
		if rec, ok := known[m.ConnID]; ok {
			entry.JoinedAt = rec.JoinedAt
			entry.SeenAt = rec.SeenAt
		}
		entries = append(entries, entry)
	}
	s.mu.Unlock()
	sortEntries(entries)
	return entries
}

func (s *Service) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refresh(ctx context.Context) {
	s.mu.Lock()
	roomIDs := make([]string, 0, len(s.local))
	for roomID := range s.local {
		roomIDs = append(roomIDs, roomID)
	}
	s.mu.Unlock()

	for _, roomID := range roomIDs {
		s.refreshRoom(ctx, roomID)
	}
}

// refreshRoom rewrites the room's live entries. Entries are read under
// writeMu, so one that left since refresh started is not written back.
func (s *Service) refreshRoom(ctx context.Context, roomID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	s.mu.Lock()
	room := s.local[roomID]
	entries := make([]Entry, 0, len(room))
	for id, e := range room {
		e.SeenAt = now
		room[id] = e
		entries = append(entries, e)
	}
	s.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	if err := s.store.Put(ctx, roomID, entries, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to refresh presence")
	}
}

// WrapHooks installs roster maintenance into the provided hook set,
// preserving any existing callbacks for composition.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	baseJoin := base.OnJoin
	base.OnJoin = func(ctx context.Context, m ws.Member) {
		if baseJoin != nil {
			baseJoin(ctx, m)
		}
		s.Join(ctx, m)
	}

	baseLeave := base.OnLeave
	base.OnLeave = func(m ws.Member) {
		if baseLeave != nil {
			baseLeave(m)
		}
		s.Leave(context.Background(), m)
	}
	return base
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ConnID < entries[j].ConnID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}

// RedisStore keeps each room roster in a hash keyed by connection ID. The
// hash expires when no instance refreshes it.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore constructs a roster store backed by Redis.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("nil redis client")
	}
	return &RedisStore{client: client, keyPrefix: defaultKeyPrefix}, nil
}

// Put upserts entries and extends the room key TTL.
func (r *RedisStore) Put(ctx context.Context, roomID string, entries []Entry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal presence: %w", err)
		}
		values = append(values, e.ConnID, payload)
	}

	key := r.key(roomID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

// Remove deletes a single connection from the room roster.
func (r *RedisStore) Remove(ctx context.Context, roomID, connID string) error {
	if err := r.client.HDel(ctx, r.key(roomID), connID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// List loads every entry of the room roster.
func (r *RedisStore) List(ctx context.Context, roomID string) ([]Entry, error) {
	raw, err := r.client.HGetAll(ctx, r.key(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}
	return decodeEntries(raw), nil
}

func (r *RedisStore) key(roomID string) string {
	return r.keyPrefix + roomID
}

func decodeEntries(raw map[string]string) []Entry {
	entries := make([]Entry, 0, len(raw))
	for connID, value := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			continue
		}
		if e.ConnID == "" {
			e.ConnID = connID
		}
		entries = append(entries, e)
	}
	return entries
}
