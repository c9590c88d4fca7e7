package mastodon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"psychbot/pkg/channel"
	"psychbot/pkg/config"
	"psychbot/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	channelName = "mastodon"

	streamingPath = "/api/v1/streaming"

	StreamUserNotification = "user:notification"
	StreamPublicLocal      = "public:local"

	defaultPingInterval = 30 * time.Second
	pingWriteTimeout    = 10 * time.Second
)

// StreamForMode picks the streaming timeline a responder mode listens to.
func StreamForMode(mode string) string {
	if mode == config.ModePublic {
		return StreamPublicLocal
	}
	return StreamUserNotification
}

// Stream reads the Mastodon streaming API over a websocket and hands each
// relevant status to the channel handler.
type Stream struct {
	endpoint     string
	token        string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	log          *slog.Logger
}

// NewStream builds a stream adapter for the given timeline. The websocket
// endpoint comes from StreamingURL when set, else from BaseURL.
func NewStream(cfg config.MastodonConfig, stream string, log *slog.Logger) (*Stream, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("mastodon access token is required")
	}

	base := strings.TrimSpace(cfg.StreamingURL)
	if base == "" {
		base = strings.TrimSpace(cfg.BaseURL)
	}
	endpoint, err := streamingEndpoint(base, stream)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}

	return &Stream{
		endpoint:     endpoint,
		token:        token,
		dialer:       websocket.DefaultDialer,
		pingInterval: defaultPingInterval,
		log:          log.With("component", "channel.mastodon.stream", "stream", stream),
	}, nil
}

func (s *Stream) Name() string {
	return channelName
}

// Endpoint is the websocket URL the stream dials.
func (s *Stream) Endpoint() string {
	return s.endpoint
}

// Run connects and processes frames until ctx is canceled (nil) or the
// connection fails (error). There is no reconnect.
func (s *Stream) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if resp != nil {
			return fmt.Errorf("connect stream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("connect stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		t := time.NewTicker(s.pingInterval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pingWriteTimeout)); err != nil {
					s.log.Warn("Failed to ping stream", "error", err)
				}
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	s.log.Info("Mastodon stream connected")

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("Mastodon stream closed")
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}

		ev, ok, err := decodeFrame(raw)
		if err != nil {
			s.log.Warn("Dropping malformed stream frame", "error", err, "frame", logger.Preview(string(raw)))
			continue
		}
		if !ok {
			continue
		}

		handler(ctx, ev)
	}
}

func streamingEndpoint(base, stream string) (string, error) {
	if base == "" {
		return "", errors.New("mastodon base url or streaming url is required")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse streaming url: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported streaming url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("streaming url %q has no host", base)
	}

	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, streamingPath) {
		path += streamingPath
	}
	u.Path = path

	q := u.Query()
	q.Set("stream", stream)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
