package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"psychbot/pkg/bus"
	"psychbot/pkg/channel"
	"psychbot/pkg/config"
	"psychbot/pkg/pipeline"
	providertypes "psychbot/pkg/provider/types"

	"github.com/stretchr/testify/require"
)

type recordingGatewayProvider struct {
	mu sync.Mutex

	healthCalls int
	healthErr   error
	generateErr error
	prompts     []string
}

func (p *recordingGatewayProvider) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthCalls++
	return p.healthErr
}

func (p *recordingGatewayProvider) Generate(_ context.Context, prompt string) (providertypes.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.generateErr != nil {
		return providertypes.Result{}, p.generateErr
	}
	return providertypes.Success(fmt.Sprintf("reply %d", len(p.prompts))), nil
}

func (p *recordingGatewayProvider) setHealthErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

func (p *recordingGatewayProvider) snapshot() (int, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthCalls, append([]string(nil), p.prompts...)
}

type recordingPoster struct {
	mu      sync.Mutex
	replies []bus.OutboundReply
}

func (p *recordingPoster) Post(_ context.Context, reply bus.OutboundReply) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, reply)
	return nil
}

func (p *recordingPoster) snapshot() []bus.OutboundReply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.OutboundReply(nil), p.replies...)
}

type scriptedAdapter struct {
	name    string
	inbound []bus.InboundEvent
	// failWith is returned after the script instead of waiting for cancel.
	failWith error

	done chan struct{}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, handler channel.Handler) error {
	for _, ev := range a.inbound {
		handler(ctx, ev)
	}

	close(a.done)

	if a.failWith != nil {
		return a.failWith
	}
	<-ctx.Done()
	return nil
}

func mention(id, author, content string) bus.InboundEvent {
	return bus.InboundEvent{
		Kind:       bus.KindMention,
		StatusID:   id,
		AuthorID:   "id-" + author,
		AuthorAcct: author,
		Content:    content,
		Visibility: bus.VisibilityDirect,
	}
}

func newTestService(t *testing.T, provider *recordingGatewayProvider, poster pipeline.Poster, adapter channel.Adapter) *Service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Gateway = config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)}

	events := bus.NewMessageBus()
	t.Cleanup(events.Close)

	dispatcher, err := pipeline.NewDispatcher(pipeline.Settings{
		Mode:             pipeline.ModeMention,
		Self:             pipeline.Identity{AccountID: "1", Acct: "helper"},
		ReplyProbability: config.DefaultReplyProbability,
		MaxReplyLength:   config.DefaultMaxReplyLength,
	}, provider, poster, pipeline.Options{Events: events})
	require.NoError(t, err)

	svc, err := NewService(cfg, Dependencies{
		Adapter:    adapter,
		Dispatcher: dispatcher,
		Provider:   provider,
		Events:     events,
	}, slog.Default().With("component", "gateway.service.test"))
	require.NoError(t, err)
	return svc
}

func TestGatewayServiceRunE2EAnswersMentionsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &recordingGatewayProvider{}
	poster := &recordingPoster{}
	adapter := &scriptedAdapter{
		name: "mastodon",
		inbound: []bus.InboundEvent{
			mention("10", "alice", "<p>@helper one</p>"),
			{Kind: bus.KindMention, StatusID: "11", AuthorID: "1", AuthorAcct: "helper", Content: "self"},
			mention("12", "bob", "<p>@helper two</p>"),
		},
		done: make(chan struct{}),
	}
	svc := newTestService(t, provider, poster, adapter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	select {
	case <-adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for scripted events")
	}

	metricsURL := fmt.Sprintf("http://%s:%d/metrics", svc.cfg.Gateway.Host, svc.cfg.Gateway.Port)
	require.Eventually(t, func() bool {
		body := fetchBody(t, metricsURL)
		return strings.Contains(body, `psychbot_replies_posted_total{outcome="success",truncated="false"} 2`) &&
			strings.Contains(body, `psychbot_statuses_skipped_total{reason="own_status"} 1`)
	}, 3*time.Second, 25*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}

	healthCalls, prompts := provider.snapshot()
	require.GreaterOrEqual(t, healthCalls, 1)
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[0], `User post: "one"`)
	require.Contains(t, prompts[1], `User post: "two"`)

	replies := poster.snapshot()
	require.Len(t, replies, 2)
	require.Equal(t, "@alice reply 1", replies[0].Text)
	require.Equal(t, "10", replies[0].InReplyToID)
	require.Equal(t, "@bob reply 2", replies[1].Text)
	require.Equal(t, bus.VisibilityDirect, replies[1].Visibility)
}

func TestGatewayServiceRunE2EGenerationFailureApologizesAndContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &recordingGatewayProvider{generateErr: errors.New("connection refused")}
	poster := &recordingPoster{}
	adapter := &scriptedAdapter{
		name: "mastodon",
		inbound: []bus.InboundEvent{
			mention("20", "alice", "first"),
			mention("21", "bob", "second"),
		},
		done: make(chan struct{}),
	}
	svc := newTestService(t, provider, poster, adapter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	select {
	case <-adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for scripted events")
	}
	cancel()
	require.NoError(t, <-errCh)

	replies := poster.snapshot()
	require.Len(t, replies, 2)
	for i, reply := range replies {
		require.Equal(t, pipeline.ApologyReply, strings.SplitN(reply.Text, " ", 2)[1], "reply %d", i)
		require.Equal(t, bus.VisibilityDirect, reply.Visibility)
	}
}

func TestGatewayServiceRunReturnsStreamError(t *testing.T) {
	provider := &recordingGatewayProvider{}
	adapter := &scriptedAdapter{
		name:     "mastodon",
		failWith: errors.New("read stream: unexpected EOF"),
		done:     make(chan struct{}),
	}
	svc := newTestService(t, provider, &recordingPoster{}, adapter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "run mastodon channel")
		require.ErrorContains(t, err, "unexpected EOF")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to fail")
	}

	require.False(t, svc.isReady())
}

func TestGatewayServiceRunFailsFastOnUnhealthyProvider(t *testing.T) {
	provider := &recordingGatewayProvider{healthErr: errors.New("invalid api key")}
	adapter := &scriptedAdapter{name: "mastodon", done: make(chan struct{})}
	svc := newTestService(t, provider, &recordingPoster{}, adapter)

	err := svc.Run(context.Background())
	require.ErrorContains(t, err, "provider health check failed")
}

func TestGatewayServiceReadyzTransitionsOnProviderHealthRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &recordingGatewayProvider{}
	adapter := &scriptedAdapter{name: "mastodon", done: make(chan struct{})}
	svc := newTestService(t, provider, &recordingPoster{}, adapter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	readyURL := fmt.Sprintf("http://127.0.0.1:%d/readyz", svc.cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	provider.setHealthErr(fmt.Errorf("temporary provider outage"))
	require.Error(t, svc.checkProviderHealth(context.Background()))
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, readyURL, 2*time.Second))

	provider.setHealthErr(nil)
	require.NoError(t, svc.checkProviderHealth(context.Background()))
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func fetchBody(t *testing.T, url string) string {
	t.Helper()

	response, err := http.Get(url)
	if err != nil {
		return ""
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return string(body)
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
