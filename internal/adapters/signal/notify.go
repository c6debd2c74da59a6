package signal

import (
	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/rs/zerolog/log"
)

type producerEvent struct {
	Room     domain.RoomID   `json:"room"`
	Producer media.Producer  `json:"producer"`
	Consumer *media.Consumer `json:"consumer,omitempty"`
}

// ProducerAdded tells the room about a new producer. Each receiver also gets the
// consumer created for it.
func (ctl *Controller) ProducerAdded(room domain.RoomID, p media.Producer, consumers []media.Consumer) {
	byIdentity := make(map[domain.UserID]*media.Consumer, len(consumers))
	for i := range consumers {
		byIdentity[consumers[i].Identity] = &consumers[i]
	}
	for _, cl := range ctl.hub.topic(room) {
		ctl.send(cl, event{Type: "producer.new", Data: producerEvent{Room: room, Producer: p, Consumer: byIdentity[cl.identity]}})
	}
}

func (ctl *Controller) ProducerClosed(room domain.RoomID, p media.Producer, _ []media.Consumer) {
	ctl.broadcast(room, "", event{Type: "producer.closed", Data: producerEvent{Room: room, Producer: p}})
}

func (ctl *Controller) Renegotiate(t media.TransportParams, attempt int) {
	ctl.deliver(t.Identity, "", event{Type: "renegotiate.required", Data: struct {
		Transport media.TransportParams `json:"transport"`
		Attempt   int                   `json:"attempt"`
	}{Transport: t, Attempt: attempt}})
}

// TransportFailed is terminal for the transport: the owner is told and its voice
// state in the room is cleared.
func (ctl *Controller) TransportFailed(t media.TransportParams, reason string) {
	for _, cl := range ctl.hub.identity(t.Identity) {
		cl.setVoice(t.RoomID, false)
	}
	ctl.deliver(t.Identity, "", event{Type: "transport.failed", Data: struct {
		Transport domain.TransportID `json:"transport"`
		Room      domain.RoomID      `json:"room"`
		Reason    string             `json:"reason"`
	}{Transport: t.ID, Room: t.RoomID, Reason: reason}})
	log.Warn().Str("module", "signal").Str("transport_id", string(t.ID)).Str("identity", string(t.Identity)).Str("reason", reason).Msg("transport failed")
}
