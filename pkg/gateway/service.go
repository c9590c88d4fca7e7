package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"psychbot/pkg/bus"
	"psychbot/pkg/channel"
	"psychbot/pkg/config"
	"psychbot/pkg/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultHealthHost     = "0.0.0.0"
	defaultHealthPort     = 18790
	defaultHealthInterval = 30 * time.Second
)

// HealthChecker is the generation backend probe used for readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies are the collaborators a Service wires together.
type Dependencies struct {
	Adapter    channel.Adapter
	Dispatcher *pipeline.Dispatcher
	Provider   HealthChecker
	// Events must be the bus the Dispatcher publishes to. Optional.
	Events *bus.MessageBus
	// Registry receives the service metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// Service runs the stream adapter through the dispatcher and exposes the
// status server.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	provider   HealthChecker
	dispatcher *pipeline.Dispatcher
	channel    channel.Adapter
	events     *bus.MessageBus
	registry   *prometheus.Registry
	metrics    *Metrics

	healthInterval time.Duration

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	Mode             string                  `json:"mode"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
}

func NewService(cfg *config.Config, deps Dependencies, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Adapter == nil {
		return nil, errors.New("channel adapter is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if log == nil {
		log = slog.Default()
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Service{
		cfg:            cfg,
		log:            log.With("component", "gateway.service"),
		provider:       deps.Provider,
		dispatcher:     deps.Dispatcher,
		channel:        deps.Adapter,
		events:         deps.Events,
		registry:       registry,
		metrics:        NewMetrics(registry),
		healthInterval: defaultHealthInterval,
		channelStates:  map[string]channelState{deps.Adapter.Name(): {}},
	}, nil
}

// Run blocks until ctx is canceled or the stream fails. A canceled context is
// a clean shutdown: the in-flight event is allowed to finish or abort first.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.events != nil {
		observerReady := make(chan struct{})
		go observeEvents(ctx, s.events, s.metrics, observerReady)
		<-observerReady
	}

	name := s.channel.Name()
	s.setChannelState(name, channelState{Running: true})

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	go func() {
		ticker := time.NewTicker(s.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.checkProviderHealth(ctx); err != nil && ctx.Err() == nil {
					s.log.Warn("Provider health check failed", "error", err)
				}
			}
		}
	}()

	s.log.Info("Responder started", "mode", string(s.dispatcher.Settings().Mode), "channel", name)

	errCh := make(chan error, 1)
	go func() {
		err := s.channel.Run(ctx, s.handleEvent)
		s.setChannelState(name, channelState{Running: false, Error: errorString(err)})
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		<-errCh
		s.log.Info("Responder stopped")
		return nil
	case err := <-serverErrors:
		cancel()
		<-errCh
		return err
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("run %s channel: %w", name, err)
		}
		return nil
	}
}

func (s *Service) handleEvent(ctx context.Context, ev bus.InboundEvent) {
	disposition := s.dispatcher.Handle(ctx, ev)
	s.log.Debug("Status handled", "status_id", ev.StatusID, "disposition", string(disposition))
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.statusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	mode := ""
	if s.dispatcher != nil {
		mode = string(s.dispatcher.Settings().Mode)
	}

	return statusResponse{
		Status:           status,
		Mode:             mode,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Channels:         channels,
	}
}

// isReady requires a running stream and a provider whose last probe passed.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}

	if !anyRunning {
		return false
	}

	return !s.providerLastOKAt.IsZero() && s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		s.metrics.SetProviderHealthy(false)
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()
	s.metrics.SetProviderHealthy(true)

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
