package domain

type (
	WorkerID    int
	RouterID    string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == MediaAudio || k == MediaVideo }

type Direction string

const (
	DirectionSend     Direction = "send"
	DirectionRecv     Direction = "recv"
	DirectionSendRecv Direction = "sendrecv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv || d == DirectionSendRecv
}

func (d Direction) CanSend() bool { return d == DirectionSend || d == DirectionSendRecv }

func (d Direction) CanReceive() bool { return d == DirectionRecv || d == DirectionSendRecv }
