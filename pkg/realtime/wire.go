package realtime

// MessageType identifies a frame of the websocket protocol spoken between
// the relay and transport clients
type MessageType string

const (
	// MsgJoin subscribes a topic with an initial set of filters (client -> relay)
	MsgJoin MessageType = "join"

	// MsgListen adds filters to an already joined topic (client -> relay)
	MsgListen MessageType = "listen"

	// MsgLeave unsubscribes a topic (client -> relay)
	MsgLeave MessageType = "leave"

	// MsgReply acknowledges a join, listen or leave by ref (relay -> client)
	MsgReply MessageType = "reply"

	// MsgChange carries a row change for a topic (relay -> client)
	MsgChange MessageType = "change"

	// MsgStatus reports a server side channel status change (relay -> client)
	MsgStatus MessageType = "status"

	// MsgHeartbeat keeps the connection alive in both directions
	MsgHeartbeat MessageType = "heartbeat"
)

// Reply statuses
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// Message is a single websocket frame
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Ref     string      `json:"ref,omitempty"`
	Filters []Filter    `json:"filters,omitempty"`
	Status  string      `json:"status,omitempty"`
	Error   string      `json:"error,omitempty"`
	Change  *Change     `json:"change,omitempty"`
}
