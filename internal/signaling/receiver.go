package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peek/internal/util"
)

// receiver reads signaling messages from the WebSocket and hands valid ones
// to the handler. Malformed messages are logged and dropped.
type receiver struct {
	conn      *websocket.Conn
	handler   Handler
	onWelcome func(id string)
}

// watch runs until the connection fails or is closed.
func (r *receiver) watch() error {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read signaling message: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("invalid signaling event", "error", err)
			continue
		}

		if err := msg.validate(); err != nil {
			util.LogWarning("invalid signaling event", "error", err)
			continue
		}

		switch msg.Type {
		case MsgTypeWelcome:
			if r.onWelcome != nil {
				r.onWelcome(msg.ID)
			}

		case MsgTypeDescription:
			r.handler.HandleDescription(DescriptionEvent{Description: *msg.Description, From: msg.From})

		case MsgTypeCandidate:
			r.handler.HandleICECandidate(CandidateEvent{Candidate: *msg.Candidate, From: msg.From})

		case MsgTypeNewNode:
			r.handler.HandleNewNode(NodeEvent{ID: msg.ID, Service: msg.Service})
		}
	}
}
