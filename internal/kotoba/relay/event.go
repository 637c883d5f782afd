package relay

import "fmt"

// EventKind identifies what happened on the transport.
type EventKind int

const (
	// EventData carries a chat message in Payload.
	EventData EventKind = iota + 1
	// EventParticipantJoined reports that Sender entered the room.
	EventParticipantJoined
	// EventParticipantLeft reports that Sender left the room.
	EventParticipantLeft
	// EventDisconnected reports that the transport lost its connection. Err
	// holds the cause when known.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is the single shape every transport adapter produces.
type Event struct {
	Kind    EventKind
	Sender  string
	Payload []byte
	Err     error
}
