package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Hearth/internal/adapters/store"
	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/app/orch"
	"github.com/dkeye/Hearth/internal/app/presence"
	"github.com/dkeye/Hearth/internal/app/rooms"
	"github.com/dkeye/Hearth/internal/app/sfu"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ackError       `json:"error"`
}

type fakeConn struct {
	mu     sync.Mutex
	frames []frame
	closed bool
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.full {
		return ErrBackpressure
	}
	var fr frame
	if err := json.Unmarshal(f, &fr); err != nil {
		return err
	}
	c.frames = append(c.frames, fr)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events returns the frames of the given type received so far.
func (c *fakeConn) events(typ string) []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frame
	for _, f := range c.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) ack(id string) frame {
	for _, f := range c.events("ack") {
		if f.ID == id {
			return f
		}
	}
	return frame{}
}

type peer struct {
	t    *testing.T
	ctl  *Controller
	cl   *client
	conn *fakeConn
	seq  int
}

func (p *peer) do(typ string, data any) frame {
	p.t.Helper()
	p.seq++
	id := fmt.Sprintf("%s-%d", typ, p.seq)
	env := map[string]any{"type": typ, "id": id}
	if data != nil {
		env["data"] = data
	}
	raw, err := json.Marshal(env)
	require.NoError(p.t, err)
	p.ctl.Handle(context.Background(), p.cl, raw)
	return p.conn.ack(id)
}

func (p *peer) ok(typ string, data any, out any) {
	p.t.Helper()
	a := p.do(typ, data)
	require.True(p.t, a.OK, "%s failed: %+v", typ, a.Error)
	if out != nil {
		require.NoError(p.t, json.Unmarshal(a.Data, out))
	}
}

func newController(t *testing.T, mutate func(*config.Config)) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.Media.Workers = 1
	cfg.Media.PortMin, cfg.Media.PortMax = 42000, 42019
	cfg.Signal.RateLimit = 1000
	if mutate != nil {
		mutate(cfg)
	}
	mem := store.NewMemory()
	relays := sfu.NewRelayManager()
	m, err := media.New(cfg.Media, relays)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	o := orch.New(rooms.NewRegistry(mem, rooms.Limits{MinSize: cfg.Rooms.MinSize, MaxSize: cfg.Rooms.MaxSize}),
		m, presence.NewManager(nil), mem, relays)
	return NewController(o, nil, cfg)
}

func connect(t *testing.T, ctl *Controller, identity domain.UserID, device domain.DeviceID) *peer {
	t.Helper()
	conn := &fakeConn{}
	cl, err := ctl.Attach(context.Background(), identity, device, conn)
	require.NoError(t, err)
	require.Len(t, conn.events("hello"), 1)
	return &peer{t: t, ctl: ctl, cl: cl, conn: conn}
}

func createRoom(t *testing.T, owner *peer, private bool) orch.RoomState {
	t.Helper()
	var state orch.RoomState
	owner.ok("room.create", domain.RoomAttrs{Name: "lounge", Private: private}, &state)
	return state
}

func TestJoinAnnouncesMember(t *testing.T) {
	ctl := newController(t, nil)
	owner := connect(t, ctl, "owner", "d1")
	bob := connect(t, ctl, "bob", "d1")
	state := createRoom(t, owner, false)

	var joined orch.RoomState
	bob.ok("join", roomPayload{Room: state.Room.ID}, &joined)
	assert.Len(t, joined.Channels, 2)
	assert.Len(t, joined.Members, 2)

	evs := owner.conn.events("member.joined")
	require.Len(t, evs, 1)
	var m memberEvent
	require.NoError(t, json.Unmarshal(evs[0].Data, &m))
	assert.Equal(t, memberEvent{Room: state.Room.ID, Identity: "bob", Role: domain.RoleMember}, m)
	assert.Empty(t, bob.conn.events("member.joined"))
}

func TestErrorsBecomeFailedAcks(t *testing.T) {
	ctl := newController(t, nil)
	owner := connect(t, ctl, "owner", "d1")
	eve := connect(t, ctl, "eve", "d1")
	state := createRoom(t, owner, true)

	cases := []struct {
		typ  string
		data any
		code string
	}{
		{"join", roomPayload{Room: "nope"}, "not_found"},
		{"join", roomPayload{Room: state.Room.ID}, "forbidden"},
		{"join", nil, "invalid"},
		{"teleport", map[string]string{}, "invalid"},
		{"presence.set", map[string]string{"status": "offline"}, "invalid"},
		{"publish", map[string]any{"channel": state.Room.VoiceChannel, "kind": "audio"}, "forbidden"},
	}
	for _, tc := range cases {
		a := eve.do(tc.typ, tc.data)
		assert.False(t, a.OK, tc.typ)
		require.NotNil(t, a.Error, tc.typ)
		assert.Equal(t, tc.code, a.Error.Code, tc.typ)
	}

	// nothing leaked to the room
	assert.Empty(t, owner.conn.events("member.joined"))

	ctl.Handle(context.Background(), eve.cl, []byte("{not json"))
	acks := eve.conn.events("ack")
	assert.Equal(t, "invalid", acks[len(acks)-1].Error.Code)
}

func TestPublishReachesRoom(t *testing.T) {
	ctl := newController(t, nil)
	alice := connect(t, ctl, "alice", "d1")
	bob := connect(t, ctl, "bob", "d1")
	state := createRoom(t, alice, false)
	bob.ok("join", roomPayload{Room: state.Room.ID}, nil)

	var vs orch.VoiceState
	bob.ok("voice.join", map[string]any{"channel": state.Room.VoiceChannel}, &vs)
	assert.Equal(t, domain.DirectionSendRecv, vs.Transport.Direction)

	var p media.Producer
	alice.ok("publish", map[string]any{"channel": state.Room.VoiceChannel, "kind": "audio"}, &p)

	evs := bob.conn.events("producer.new")
	require.Len(t, evs, 1)
	var pe producerEvent
	require.NoError(t, json.Unmarshal(evs[0].Data, &pe))
	assert.Equal(t, p.ID, pe.Producer.ID)
	require.NotNil(t, pe.Consumer)
	assert.Equal(t, domain.UserID("bob"), pe.Consumer.Identity)

	var c media.Consumer
	bob.ok("subscribe", map[string]any{"producer": p.ID}, &c)
	assert.Equal(t, pe.Consumer.ID, c.ID)

	var b media.Bitrate
	bob.ok("bwe", map[string]any{"transport": vs.Transport.ID, "bitrate": 2_000_000}, &b)
	a := alice.do("bwe", map[string]any{"transport": vs.Transport.ID, "bitrate": 1})
	assert.Equal(t, "forbidden", a.Error.Code)

	alice.ok("unpublish", map[string]any{"producer": p.ID}, nil)
	assert.Len(t, bob.conn.events("producer.closed"), 1)
}

func TestRenegotiateConfirmsWithoutOffer(t *testing.T) {
	ctl := newController(t, nil)
	alice := connect(t, ctl, "alice", "d1")
	state := createRoom(t, alice, false)

	var vs orch.VoiceState
	alice.ok("voice.join", map[string]any{"channel": state.Room.VoiceChannel}, &vs)
	require.NoError(t, ctl.orch.Media.ReportTransportFailure(vs.Transport.ID))
	require.Len(t, alice.conn.events("renegotiate.required"), 1)

	alice.ok("renegotiate", map[string]any{"transport": vs.Transport.ID}, nil)
	recovering, err := ctl.orch.Media.Recovering(vs.Transport.ID)
	require.NoError(t, err)
	assert.False(t, recovering)

	ctl.SetOfferInspector(func(string) error { return fmt.Errorf("%w: no usable codec", domain.ErrValidation) })
	a := alice.do("renegotiate", map[string]any{"transport": vs.Transport.ID, "sdp": "v=0"})
	assert.Equal(t, "invalid", a.Error.Code)

	a = alice.do("iceCandidate", map[string]any{"transport": vs.Transport.ID, "candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	assert.Equal(t, "invalid", a.Error.Code)
}

func TestDisconnectCascade(t *testing.T) {
	ctl := newController(t, nil)
	alice := connect(t, ctl, "alice", "d1")
	bob := connect(t, ctl, "bob", "d1")
	state := createRoom(t, alice, false)
	bob.ok("join", roomPayload{Room: state.Room.ID}, nil)
	bob.ok("voice.join", map[string]any{"channel": state.Room.VoiceChannel}, nil)
	alice.ok("publish", map[string]any{"channel": state.Room.VoiceChannel, "kind": "video"}, nil)

	ctl.disconnect(alice.cl, "closed")
	ctl.disconnect(alice.cl, "closed")

	assert.True(t, alice.conn.isClosed())
	assert.Len(t, bob.conn.events("producer.closed"), 1)
	left := bob.conn.events("member.left")
	require.Len(t, left, 1)
	_, ok := ctl.orch.Presence.Get(alice.cl.sid)
	assert.False(t, ok)
	_, ok = ctl.orch.Media.TransportOf(state.Room.ID, "alice")
	assert.False(t, ok)
	_, ok = ctl.orch.Media.TransportOf(state.Room.ID, "bob")
	assert.True(t, ok)
}

func TestSecondDeviceKeepsPresenceInRoom(t *testing.T) {
	ctl := newController(t, nil)
	alice := connect(t, ctl, "alice", "laptop")
	phone := connect(t, ctl, "alice", "phone")
	bob := connect(t, ctl, "bob", "d1")
	state := createRoom(t, bob, false)
	alice.ok("join", roomPayload{Room: state.Room.ID}, nil)
	phone.ok("join", roomPayload{Room: state.Room.ID}, nil)
	assert.Len(t, bob.conn.events("member.joined"), 1)

	ctl.disconnect(phone.cl, "closed")
	assert.Empty(t, bob.conn.events("member.left"))
}

func TestReplacedSessionDropsOldConnection(t *testing.T) {
	ctl := newController(t, nil)
	first := connect(t, ctl, "alice", "laptop")
	second := connect(t, ctl, "alice", "laptop")

	assert.True(t, first.conn.isClosed())
	assert.False(t, second.conn.isClosed())
	assert.Equal(t, 1, ctl.orch.Presence.Count())
	assert.Error(t, first.cl.ctx.Err())
	assert.True(t, second.do("ping", nil).OK)
}

func TestDropExpired(t *testing.T) {
	ctl := newController(t, nil)
	alice := connect(t, ctl, "alice", "d1")
	s, ok := ctl.orch.Presence.Get(alice.cl.sid)
	require.True(t, ok)

	ctl.DropExpired(s)
	assert.True(t, alice.conn.isClosed())
	assert.Error(t, alice.cl.ctx.Err())
}

func TestMessagesFanOut(t *testing.T) {
	ctl := newController(t, nil)
	alice := connect(t, ctl, "alice", "d1")
	bob := connect(t, ctl, "bob", "d1")
	carol := connect(t, ctl, "carol", "d1")
	state := createRoom(t, alice, false)
	bob.ok("join", roomPayload{Room: state.Room.ID}, nil)

	var msg domain.Message
	alice.ok("message.send", map[string]any{"channel": state.Room.TextChannel, "content": "hi all"}, &msg)
	require.Len(t, bob.conn.events("message.received"), 1)
	assert.Empty(t, alice.conn.events("message.received"))
	assert.Empty(t, carol.conn.events("message.received"))

	alice.ok("message.edit", map[string]any{"message": msg.ID, "content": "hi everyone"}, nil)
	assert.Len(t, bob.conn.events("message.updated"), 1)
	alice.ok("message.delete", map[string]any{"message": msg.ID}, nil)
	assert.Len(t, bob.conn.events("message.deleted"), 1)

	alice.ok("dm.send", map[string]any{"to": "carol", "content": "psst"}, nil)
	assert.Len(t, carol.conn.events("message.received"), 1)
	assert.Len(t, bob.conn.events("message.received"), 1)
}

func TestPresenceBroadcast(t *testing.T) {
	ctl := newController(t, nil)
	alice := connect(t, ctl, "alice", "d1")
	bob := connect(t, ctl, "bob", "d1")
	state := createRoom(t, alice, false)
	bob.ok("join", roomPayload{Room: state.Room.ID}, nil)

	alice.ok("presence.set", map[string]string{"status": "invisible"}, nil)
	evs := bob.conn.events("presence.updated")
	require.Len(t, evs, 1)
	var pe presenceEvent
	require.NoError(t, json.Unmarshal(evs[0].Data, &pe))
	assert.Equal(t, presenceEvent{Identity: "alice", Status: domain.StatusOffline}, pe)
}

func TestRateLimitedEventsAreRejected(t *testing.T) {
	ctl := newController(t, func(c *config.Config) {
		c.Signal.RateLimit = 3
		c.Signal.RateInterval = time.Hour
	})
	alice := connect(t, ctl, "alice", "d1")
	for range 3 {
		assert.True(t, alice.do("ping", nil).OK)
	}
	a := alice.do("ping", nil)
	assert.False(t, a.OK)
	assert.Equal(t, "resource_exhausted", a.Error.Code)
}

func TestSlowConsumerIsKicked(t *testing.T) {
	ctl := newController(t, nil)
	ctl.policy = ThresholdPolicy{MaxDropped: 2}
	alice := connect(t, ctl, "alice", "d1")
	bob := connect(t, ctl, "bob", "d1")
	state := createRoom(t, alice, false)
	bob.ok("join", roomPayload{Room: state.Room.ID}, nil)

	bob.conn.mu.Lock()
	bob.conn.full = true
	bob.conn.mu.Unlock()

	alice.ok("message.send", map[string]any{"channel": state.Room.TextChannel, "content": "one"}, nil)
	assert.False(t, bob.cl.closing.Load())
	alice.ok("message.send", map[string]any{"channel": state.Room.TextChannel, "content": "two"}, nil)
	require.Eventually(t, func() bool { return bob.conn.isClosed() }, time.Second, 5*time.Millisecond)
}

func TestDeleteRoomClosesTopic(t *testing.T) {
	ctl := newController(t, nil)
	owner := connect(t, ctl, "owner", "d1")
	bob := connect(t, ctl, "bob", "d1")
	state := createRoom(t, owner, false)
	bob.ok("join", roomPayload{Room: state.Room.ID}, nil)
	bob.ok("voice.join", map[string]any{"channel": state.Room.VoiceChannel}, nil)

	a := bob.do("room.delete", roomPayload{Room: state.Room.ID})
	assert.Equal(t, "forbidden", a.Error.Code)

	owner.ok("room.delete", roomPayload{Room: state.Room.ID}, nil)
	assert.Len(t, bob.conn.events("room.deleted"), 1)
	assert.Len(t, owner.conn.events("room.deleted"), 1)
	assert.Empty(t, ctl.hub.topic(state.Room.ID))
	topics, voice := bob.cl.snapshot()
	assert.Empty(t, topics)
	assert.Empty(t, voice)
}

func TestVoiceSurvivesOtherDeviceLeaving(t *testing.T) {
	ctl := newController(t, nil)
	laptop := connect(t, ctl, "alice", "laptop")
	phone := connect(t, ctl, "alice", "phone")
	state := createRoom(t, laptop, false)
	phone.ok("join", roomPayload{Room: state.Room.ID}, nil)

	var first, second orch.VoiceState
	laptop.ok("voice.join", map[string]any{"channel": state.Room.VoiceChannel}, &first)
	phone.ok("voice.join", map[string]any{"channel": state.Room.VoiceChannel}, &second)
	assert.Equal(t, first.Transport.ID, second.Transport.ID)

	ctl.disconnect(phone.cl, "closed")
	assert.False(t, laptop.conn.isClosed())
	t1, ok := ctl.orch.Media.TransportOf(state.Room.ID, "alice")
	require.True(t, ok)
	assert.Equal(t, first.Transport.ID, t1.ID)

	// a voice.leave from a device that holds nothing is harmless too
	tablet := connect(t, ctl, "alice", "tablet")
	tablet.ok("voice.leave", roomPayload{Room: state.Room.ID}, nil)
	_, ok = ctl.orch.Media.TransportOf(state.Room.ID, "alice")
	assert.True(t, ok)

	laptop.ok("voice.leave", roomPayload{Room: state.Room.ID}, nil)
	_, ok = ctl.orch.Media.TransportOf(state.Room.ID, "alice")
	assert.False(t, ok)
}

func TestModerationEvents(t *testing.T) {
	ctl := newController(t, nil)
	owner := connect(t, ctl, "owner", "d1")
	alice := connect(t, ctl, "alice", "d1")
	bob := connect(t, ctl, "bob", "d1")
	state := createRoom(t, owner, false)
	alice.ok("join", roomPayload{Room: state.Room.ID}, nil)
	bob.ok("join", roomPayload{Room: state.Room.ID}, nil)

	a := alice.do("moderator.set", map[string]any{"room": state.Room.ID, "identity": "bob", "moderator": true})
	assert.Equal(t, "forbidden", a.Error.Code)
	var role memberEvent
	owner.ok("moderator.set", map[string]any{"room": state.Room.ID, "identity": "alice", "moderator": true}, &role)
	assert.Equal(t, domain.RoleModerator, role.Role)
	assert.Len(t, bob.conn.events("member.role"), 1)

	var ch domain.Channel
	alice.ok("channel.create", map[string]any{"room": state.Room.ID, "name": "music", "kind": "voice"}, &ch)
	assert.Equal(t, domain.ChannelVoice, ch.Kind)
	assert.Len(t, bob.conn.events("channel.created"), 1)
	assert.Empty(t, alice.conn.events("channel.created"))

	var vs orch.VoiceState
	bob.ok("voice.join", map[string]any{"channel": ch.ID}, &vs)
	a = bob.do("consumer.mute", map[string]any{"transport": vs.Transport.ID, "consumer": "missing", "muted": true})
	assert.Equal(t, "not_found", a.Error.Code)

	alice.ok("member.remove", map[string]any{"room": state.Room.ID, "identity": "bob"}, nil)
	left := bob.conn.events("member.left")
	require.Len(t, left, 1)
	var m memberEvent
	require.NoError(t, json.Unmarshal(left[0].Data, &m))
	assert.Equal(t, "removed", m.Reason)
	_, ok := ctl.orch.Media.TransportOf(state.Room.ID, "bob")
	assert.False(t, ok)
	topics, voice := bob.cl.snapshot()
	assert.Empty(t, topics)
	assert.Empty(t, voice)

	alice.ok("channel.delete", map[string]any{"channel": ch.ID}, nil)
	assert.Len(t, owner.conn.events("channel.deleted"), 1)
	a = alice.do("channel.delete", map[string]any{"channel": state.Room.VoiceChannel})
	assert.False(t, a.OK)
}
