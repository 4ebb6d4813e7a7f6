package gameapi

import (
	"context"
	"io"

	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"
)

const (
	MessageSubscribe = "subscribe"
	MessageStatus    = "status"
	MessageError     = "error"
)

type SubscribeMessage struct {
	Type      string `json:"type"`
	GameID    string `json:"gameId"`
	UserToken string `json:"userToken"`
}

type StreamMessage struct {
	Type    string                  `json:"type"`
	Status  *gamesession.GameStatus `json:"status,omitempty"`
	Message string                  `json:"message,omitempty"`
}

type wsStatusStream struct {
	conn *websocket.Conn
}

// OpenStatusStream subscribes to live status updates of a game over websocket.
func (c *Client) OpenStatusStream(ctx context.Context, gameID, userToken string) (StatusStream, error) {
	const op = "open status stream"
	if c.streamURL == "" {
		return nil, &TransportError{Op: op, Err: errors.New("stream url is not configured")}
	}
	origin := c.baseURL
	if origin == "" {
		origin = "http://localhost/"
	}
	conf, err := websocket.NewConfig(c.streamURL, origin)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	conn, err := conf.DialContext(ctx)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	sub := &SubscribeMessage{Type: MessageSubscribe, GameID: gameID, UserToken: userToken}
	if err := websocket.JSON.Send(conn, sub); err != nil {
		conn.Close()
		return nil, &TransportError{Op: op, Err: errors.Wrap(err, "failed to send subscribe message")}
	}
	return &wsStatusStream{conn: conn}, nil
}

func (s *wsStatusStream) Next() (*gamesession.GameStatus, error) {
	const op = "receive status"
	for {
		var msg StreamMessage
		if err := websocket.JSON.Receive(s.conn, &msg); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &TransportError{Op: op, Err: err}
		}
		switch msg.Type {
		case MessageStatus:
			if msg.Status == nil {
				return nil, &TransportError{Op: op, Err: errors.New("status message without status")}
			}
			return msg.Status, nil
		case MessageError:
			return nil, &TransportError{Op: op, Err: errors.New(msg.Message)}
		}
		// other message kinds (ping, events for the live view) are not snapshots
	}
}

func (s *wsStatusStream) Close() error {
	return s.conn.Close()
}
