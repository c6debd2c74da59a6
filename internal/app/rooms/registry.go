package rooms

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	MaxNameLen         = 64
	MaxChannelsPerRoom = 50

	defaultTextChannel  = "general"
	defaultVoiceChannel = "voice"
)

// Limits bounds room capacity.
type Limits struct {
	MinSize int
	MaxSize int
}

// Registry owns rooms, their channels and membership. Every mutation of one room
// runs under that room's lock; different rooms proceed in parallel.
type Registry struct {
	store  core.RoomStore
	limits Limits
	now    func() time.Time

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*roomEntry
	channels map[domain.ChannelID]domain.Channel
	invites  map[string]domain.Invite
}

type roomEntry struct {
	mu      sync.Mutex
	room    *domain.Room
	deleted bool
}

func NewRegistry(store core.RoomStore, limits Limits) *Registry {
	return &Registry{
		store:    store,
		limits:   limits,
		now:      time.Now,
		rooms:    make(map[domain.RoomID]*roomEntry),
		channels: make(map[domain.ChannelID]domain.Channel),
		invites:  make(map[string]domain.Invite),
	}
}

// SetClock replaces the time source used for timestamps and invite expiry.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func validateName(raw, what string) (string, error) {
	name := strings.TrimSpace(raw)
	if n := utf8.RuneCountInString(name); n == 0 || n > MaxNameLen {
		return "", fmt.Errorf("%w: %s name must be 1-%d characters", domain.ErrValidation, what, MaxNameLen)
	}
	return name, nil
}

// CreateRoom builds the room together with its default text and voice channels and
// persists them as one unit. If the store rejects any part nothing is registered.
func (r *Registry) CreateRoom(ctx context.Context, owner domain.UserID, attrs domain.RoomAttrs) (*domain.Room, []domain.Channel, error) {
	if !domain.ValidUserID(owner) {
		return nil, nil, fmt.Errorf("%w: invalid owner", domain.ErrValidation)
	}
	name, err := validateName(attrs.Name, "room")
	if err != nil {
		return nil, nil, err
	}
	capacity := attrs.Capacity
	if capacity == 0 {
		capacity = r.limits.MaxSize
	}
	if capacity < r.limits.MinSize || capacity > r.limits.MaxSize {
		return nil, nil, fmt.Errorf("%w: room size must be between %d and %d", domain.ErrValidation, r.limits.MinSize, r.limits.MaxSize)
	}

	room := &domain.Room{
		ID:         domain.RoomID(uuid.NewString()),
		Name:       name,
		Owner:      owner,
		Moderators: []domain.UserID{},
		Members:    make(map[domain.UserID]bool),
		Private:    attrs.Private,
		Capacity:   capacity,
		CreatedAt:  r.now(),
	}
	text := domain.Channel{
		ID:        domain.ChannelID(uuid.NewString()),
		RoomID:    room.ID,
		Name:      defaultTextChannel,
		Kind:      domain.ChannelText,
		IsDefault: true,
	}
	voice := domain.Channel{
		ID:        domain.ChannelID(uuid.NewString()),
		RoomID:    room.ID,
		Name:      defaultVoiceChannel,
		Kind:      domain.ChannelVoice,
		IsDefault: true,
	}
	room.TextChannel, room.VoiceChannel = text.ID, voice.ID
	room.Channels = []domain.ChannelID{text.ID, voice.ID}
	channels := []domain.Channel{text, voice}

	if err := r.store.CreateRoom(ctx, room.Clone(), slices.Clone(channels)); err != nil {
		return nil, nil, fmt.Errorf("create room: %w", err)
	}

	r.mu.Lock()
	r.rooms[room.ID] = &roomEntry{room: room}
	for _, ch := range channels {
		r.channels[ch.ID] = ch
	}
	r.mu.Unlock()

	log.Info().Str("module", "rooms").Str("room_id", string(room.ID)).Str("owner", string(owner)).Bool("private", room.Private).Msg("room created")
	return room.Clone(), channels, nil
}

func (r *Registry) entry(id domain.RoomID) (*roomEntry, error) {
	r.mu.RLock()
	e, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return e, nil
}

// mutate applies fn to a copy of the room under the room lock and commits the copy
// once the store accepted it.
func (r *Registry) mutate(ctx context.Context, id domain.RoomID, fn func(room *domain.Room) (bool, error)) (*domain.Room, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, domain.ErrRoomNotFound
	}
	next := e.room.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := r.store.SaveRoom(ctx, next.Clone()); err != nil {
			return nil, fmt.Errorf("save room: %w", err)
		}
		e.room = next
	}
	return e.room.Clone(), nil
}

func addMember(room *domain.Room, id domain.UserID) (bool, error) {
	if room.IsMember(id) {
		return false, nil
	}
	if len(room.Members) >= room.Capacity {
		return false, domain.ErrRoomFull
	}
	room.Members[id] = true
	return true, nil
}

func stripModerator(room *domain.Room, id domain.UserID) bool {
	n := len(room.Moderators)
	room.Moderators = slices.DeleteFunc(room.Moderators, func(m domain.UserID) bool { return m == id })
	return len(room.Moderators) != n
}

func (r *Registry) AddMember(ctx context.Context, roomID domain.RoomID, id domain.UserID) (*domain.Room, error) {
	if !domain.ValidUserID(id) {
		return nil, fmt.Errorf("%w: invalid identity", domain.ErrValidation)
	}
	return r.mutate(ctx, roomID, func(room *domain.Room) (bool, error) {
		return addMember(room, id)
	})
}

// RemoveMember drops id from the room and from its moderators. Removing an absent
// identity is a no-op; the owner cannot be removed.
func (r *Registry) RemoveMember(ctx context.Context, roomID domain.RoomID, id domain.UserID) (*domain.Room, error) {
	return r.mutate(ctx, roomID, func(room *domain.Room) (bool, error) {
		if room.Owner == id {
			return false, domain.ErrOwnerNotRemovable
		}
		changed := stripModerator(room, id)
		if room.IsMember(id) {
			delete(room.Members, id)
			changed = true
		}
		return changed, nil
	})
}

// AddModerator grants the moderator role, adding membership first.
func (r *Registry) AddModerator(ctx context.Context, roomID domain.RoomID, id domain.UserID) (*domain.Room, error) {
	if !domain.ValidUserID(id) {
		return nil, fmt.Errorf("%w: invalid identity", domain.ErrValidation)
	}
	return r.mutate(ctx, roomID, func(room *domain.Room) (bool, error) {
		changed, err := addMember(room, id)
		if err != nil {
			return false, err
		}
		if room.Owner != id && !room.IsModerator(id) {
			room.Moderators = append(room.Moderators, id)
			changed = true
		}
		return changed, nil
	})
}

func (r *Registry) RemoveModerator(ctx context.Context, roomID domain.RoomID, id domain.UserID) (*domain.Room, error) {
	return r.mutate(ctx, roomID, func(room *domain.Room) (bool, error) {
		return stripModerator(room, id), nil
	})
}

// Join admits id as an active member if the join rule allows it and there is room.
func (r *Registry) Join(ctx context.Context, roomID domain.RoomID, id domain.UserID) (*domain.Room, error) {
	if !domain.ValidUserID(id) {
		return nil, fmt.Errorf("%w: invalid identity", domain.ErrValidation)
	}
	room, err := r.mutate(ctx, roomID, func(room *domain.Room) (bool, error) {
		if !CanJoin(room, id) {
			return false, fmt.Errorf("%w: room is private", domain.ErrForbidden)
		}
		return addMember(room, id)
	})
	if err == nil {
		log.Info().Str("module", "rooms").Str("room_id", string(roomID)).Str("user", string(id)).Int("members", len(room.Members)).Msg("member joined")
	}
	return room, err
}

// Leave removes id from the active members. An owner leaving keeps ownership.
func (r *Registry) Leave(ctx context.Context, roomID domain.RoomID, id domain.UserID) (*domain.Room, error) {
	room, err := r.mutate(ctx, roomID, func(room *domain.Room) (bool, error) {
		changed := false
		if room.Owner != id {
			changed = stripModerator(room, id)
		}
		if room.IsMember(id) {
			delete(room.Members, id)
			changed = true
		}
		return changed, nil
	})
	if err == nil {
		log.Info().Str("module", "rooms").Str("room_id", string(roomID)).Str("user", string(id)).Msg("member left")
	}
	return room, err
}

// DeleteRoom removes the room and all of its channels. Only the owner may do it.
func (r *Registry) DeleteRoom(ctx context.Context, roomID domain.RoomID, actor domain.UserID) error {
	e, err := r.entry(roomID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.ErrRoomNotFound
	}
	if !CanDelete(e.room, actor) {
		return fmt.Errorf("%w: only the owner can delete a room", domain.ErrForbidden)
	}
	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	e.deleted = true

	r.mu.Lock()
	delete(r.rooms, roomID)
	for _, id := range e.room.Channels {
		delete(r.channels, id)
	}
	for code, inv := range r.invites {
		if inv.RoomID == roomID {
			delete(r.invites, code)
		}
	}
	r.mu.Unlock()

	log.Info().Str("module", "rooms").Str("room_id", string(roomID)).Int("channels", len(e.room.Channels)).Msg("room deleted")
	return nil
}

func (r *Registry) Get(roomID domain.RoomID) (*domain.Room, error) {
	e, err := r.entry(roomID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, domain.ErrRoomNotFound
	}
	return e.room.Clone(), nil
}

func (r *Registry) List() []*domain.Room {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*domain.Room, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.room.Clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *domain.Room) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// RoomsOf lists the rooms where id is an active member.
func (r *Registry) RoomsOf(id domain.UserID) []domain.RoomID {
	var out []domain.RoomID
	for _, room := range r.List() {
		if room.IsMember(id) {
			out = append(out, room.ID)
		}
	}
	return out
}

func (r *Registry) Members(roomID domain.RoomID) ([]domain.Member, error) {
	room, err := r.Get(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Member, 0, len(room.Members))
	for _, id := range room.MemberIDs() {
		out = append(out, domain.Member{ID: id, Role: RoleOf(room, id)})
	}
	return out, nil
}

func (r *Registry) RoleOf(roomID domain.RoomID, id domain.UserID) (domain.Role, error) {
	room, err := r.Get(roomID)
	if err != nil {
		return domain.RoleNone, err
	}
	return RoleOf(room, id), nil
}

func (r *Registry) CanJoin(roomID domain.RoomID, id domain.UserID) (bool, error) {
	room, err := r.Get(roomID)
	if err != nil {
		return false, err
	}
	return CanJoin(room, id), nil
}

func (r *Registry) CanEdit(roomID domain.RoomID, id domain.UserID) (bool, error) {
	room, err := r.Get(roomID)
	if err != nil {
		return false, err
	}
	return CanEdit(room, id), nil
}

func (r *Registry) CanDelete(roomID domain.RoomID, id domain.UserID) (bool, error) {
	room, err := r.Get(roomID)
	if err != nil {
		return false, err
	}
	return CanDelete(room, id), nil
}

// CreateChannel adds a non-default channel. private nil inherits the room flag.
func (r *Registry) CreateChannel(ctx context.Context, roomID domain.RoomID, actor domain.UserID, name string, kind domain.ChannelKind, private *bool) (domain.Channel, error) {
	if !kind.Valid() {
		return domain.Channel{}, fmt.Errorf("%w: unknown channel kind %q", domain.ErrValidation, kind)
	}
	name, err := validateName(name, "channel")
	if err != nil {
		return domain.Channel{}, err
	}
	e, err := r.entry(roomID)
	if err != nil {
		return domain.Channel{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.Channel{}, domain.ErrRoomNotFound
	}
	if !CanEdit(e.room, actor) {
		return domain.Channel{}, fmt.Errorf("%w: only the owner or a moderator can add channels", domain.ErrForbidden)
	}
	if len(e.room.Channels) >= MaxChannelsPerRoom {
		return domain.Channel{}, fmt.Errorf("%w: a room holds at most %d channels", domain.ErrValidation, MaxChannelsPerRoom)
	}
	ch := domain.Channel{
		ID:      domain.ChannelID(uuid.NewString()),
		RoomID:  roomID,
		Name:    name,
		Kind:    kind,
		Private: private,
	}
	if err := r.store.CreateChannel(ctx, &ch); err != nil {
		return domain.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	next := e.room.Clone()
	next.Channels = append(next.Channels, ch.ID)
	e.room = next

	r.mu.Lock()
	r.channels[ch.ID] = ch
	r.mu.Unlock()

	log.Info().Str("module", "rooms").Str("room_id", string(roomID)).Str("channel_id", string(ch.ID)).Str("kind", string(kind)).Msg("channel created")
	return ch, nil
}

func (r *Registry) DeleteChannel(ctx context.Context, channelID domain.ChannelID, actor domain.UserID) error {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrChannelNotFound
	}
	e, err := r.entry(ch.RoomID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return domain.ErrChannelNotFound
	}
	if !CanEdit(e.room, actor) {
		return fmt.Errorf("%w: only the owner or a moderator can remove channels", domain.ErrForbidden)
	}
	if ch.IsDefault {
		return domain.ErrDefaultChannel
	}
	if err := r.store.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	next := e.room.Clone()
	next.Channels = slices.DeleteFunc(next.Channels, func(id domain.ChannelID) bool { return id == channelID })
	e.room = next

	r.mu.Lock()
	delete(r.channels, channelID)
	r.mu.Unlock()
	return nil
}

// Channel returns the channel together with a snapshot of its room.
func (r *Registry) Channel(channelID domain.ChannelID) (domain.Channel, *domain.Room, error) {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return domain.Channel{}, nil, domain.ErrChannelNotFound
	}
	room, err := r.Get(ch.RoomID)
	if err != nil {
		return domain.Channel{}, nil, domain.ErrChannelNotFound
	}
	return ch, room, nil
}

func (r *Registry) Channels(roomID domain.RoomID) ([]domain.Channel, error) {
	room, err := r.Get(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(room.Channels))
	for _, id := range room.Channels {
		if ch, ok := r.channels[id]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

// CreateInvite issues a code that admits its holder even to a private room.
func (r *Registry) CreateInvite(roomID domain.RoomID, actor domain.UserID, ttl time.Duration) (domain.Invite, error) {
	if ttl <= 0 {
		return domain.Invite{}, fmt.Errorf("%w: invite ttl must be positive", domain.ErrValidation)
	}
	room, err := r.Get(roomID)
	if err != nil {
		return domain.Invite{}, err
	}
	if !CanEdit(room, actor) {
		return domain.Invite{}, fmt.Errorf("%w: only the owner or a moderator can invite", domain.ErrForbidden)
	}
	inv := domain.Invite{
		Code:      strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		RoomID:    roomID,
		CreatedBy: actor,
		ExpiresAt: r.now().Add(ttl),
	}
	r.mu.Lock()
	r.invites[inv.Code] = inv
	r.mu.Unlock()
	return inv, nil
}

func (r *Registry) JoinWithInvite(ctx context.Context, code string, id domain.UserID) (*domain.Room, error) {
	if !domain.ValidUserID(id) {
		return nil, fmt.Errorf("%w: invalid identity", domain.ErrValidation)
	}
	r.mu.RLock()
	inv, ok := r.invites[code]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrInviteNotFound
	}
	if inv.Expired(r.now()) {
		return nil, fmt.Errorf("%w: invite expired", domain.ErrValidation)
	}
	return r.mutate(ctx, inv.RoomID, func(room *domain.Room) (bool, error) {
		return addMember(room, id)
	})
}

// PurgeExpiredInvites drops invites that expired at or before now.
func (r *Registry) PurgeExpiredInvites(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for code, inv := range r.invites {
		if inv.Expired(now) {
			delete(r.invites, code)
			n++
		}
	}
	return n
}

// Restore registers rooms and channels that are already persisted.
func (r *Registry) Restore(rooms []*domain.Room, channels []domain.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range rooms {
		if room.Members == nil {
			room.Members = make(map[domain.UserID]bool)
		}
		r.rooms[room.ID] = &roomEntry{room: room.Clone()}
	}
	for _, ch := range channels {
		e, ok := r.rooms[ch.RoomID]
		if !ok {
			continue
		}
		r.channels[ch.ID] = ch
		if !slices.Contains(e.room.Channels, ch.ID) {
			e.room.Channels = append(e.room.Channels, ch.ID)
		}
	}
}
