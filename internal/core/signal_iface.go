package core

// Frame is a raw encoded signaling payload.
type Frame []byte

// SignalConnection abstracts the per-client messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
