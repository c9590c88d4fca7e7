package mastodon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"psychbot/pkg/bus"
	"psychbot/pkg/config"
	"psychbot/pkg/logger"

	gomastodon "github.com/mattn/go-mastodon"
)

// Account is the authenticated bot account as reported by the server.
type Account struct {
	ID       string
	Username string
	Acct     string
}

// Client wraps the REST calls the responder needs.
type Client struct {
	api *gomastodon.Client
	log *slog.Logger
}

func NewClient(cfg config.MastodonConfig, log *slog.Logger) (*Client, error) {
	server := strings.TrimSpace(cfg.BaseURL)
	if server == "" {
		return nil, errors.New("mastodon base url is required")
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("mastodon access token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Client{
		api: gomastodon.NewClient(&gomastodon.Config{
			Server:      server,
			AccessToken: token,
		}),
		log: log.With("component", "channel.mastodon.client"),
	}, nil
}

// VerifyCredentials resolves the account that owns the access token.
func (c *Client) VerifyCredentials(ctx context.Context) (Account, error) {
	account, err := c.api.GetAccountCurrentUser(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("verify credentials: %w", err)
	}
	if account == nil || strings.TrimSpace(string(account.ID)) == "" {
		return Account{}, errors.New("verify credentials returned no account id")
	}

	return Account{
		ID:       string(account.ID),
		Username: account.Username,
		Acct:     account.Acct,
	}, nil
}

// Post publishes reply as a new status threaded under reply.InReplyToID.
func (c *Client) Post(ctx context.Context, reply bus.OutboundReply) error {
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return errors.New("reply text is required")
	}

	status, err := c.api.PostStatus(ctx, &gomastodon.Toot{
		Status:      text,
		InReplyToID: gomastodon.ID(reply.InReplyToID),
		Visibility:  string(reply.Visibility),
	})
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}

	c.log.Debug("Status posted",
		"status_id", string(status.ID),
		"in_reply_to_id", reply.InReplyToID,
		"visibility", string(reply.Visibility),
		"content", logger.Preview(text),
	)
	return nil
}
