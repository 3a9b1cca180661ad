package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ChangeHandler is notified when another device changed a conversation.
type ChangeHandler interface {
	HandleRemoteChange(ctx context.Context, conversationID string) error
}

// TokenSource returns the bearer token used when dialing.
type TokenSource func(ctx context.Context) (string, error)

// Listener keeps a change-feed connection to the hosted API open and
// forwards conversation changes to a ChangeHandler. It redials with
// exponential backoff until its context ends.
type Listener struct {
	url      string
	deviceID string
	tokens   TokenSource
	handler  ChangeHandler
	dialer   *websocket.Dialer
	pongWait time.Duration
	maxWait  time.Duration
	log      zerolog.Logger
}

func NewListener(baseURL, deviceID string, tokens TokenSource, handler ChangeHandler, log zerolog.Logger) (*Listener, error) {
	wsURL, err := feedURL(baseURL, deviceID)
	if err != nil {
		return nil, err
	}
	return &Listener{
		url:      wsURL,
		deviceID: deviceID,
		tokens:   tokens,
		handler:  handler,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pongWait: 60 * time.Second,
		maxWait:  30 * time.Second,
		log:      log.With().Str("component", "change-feed").Logger(),
	}, nil
}

func feedURL(baseURL, deviceID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid base url scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/ws"
	if deviceID != "" {
		q := u.Query()
		q.Set("device_id", deviceID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = l.maxWait
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(policy, ctx)

	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			retry.Reset()
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		l.log.Debug().Err(err).Dur("retry_in", wait).Msg("change feed disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// listen holds one connection. It reports whether the dial succeeded.
func (l *Listener) listen(ctx context.Context) (bool, error) {
	token, err := l.tokens(ctx)
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if l.deviceID != "" {
		header.Set("X-Device-ID", l.deviceID)
	}

	conn, _, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	l.log.Info().Msg("change feed connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(l.pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(l.pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(l.pongWait))

		// the server may batch several messages into one frame
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if err := l.dispatch(ctx, line); err != nil {
				l.log.Warn().Err(err).Msg("failed to handle change")
			}
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, data []byte) error {
	msg, err := decodeMessage(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case TypeConversationUpdate, TypeConversationDelete:
		var payload ConversationChangePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return err
		}
		if payload.ConversationID == "" {
			return errors.New("change without conversation id")
		}
		if l.deviceID != "" && payload.DeviceID == l.deviceID {
			return nil
		}
		return l.handler.HandleRemoteChange(ctx, payload.ConversationID)
	default:
		return nil
	}
}
