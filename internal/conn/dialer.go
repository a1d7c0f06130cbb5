package conn

import (
	"context"
	"net/url"

	"github.com/gorilla/websocket"
)

// Socket is the portion of a websocket connection the manager uses.
// *websocket.Conn satisfies it; tests substitute a fake.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a socket to the given URL.
type Dialer func(ctx context.Context, rawURL string) (Socket, error)

func gorillaDialer(ctx context.Context, rawURL string) (Socket, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// authURL embeds the identity as an auth query parameter in the server URL.
func authURL(rawURL, identity string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user_id", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
