package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/kojitagsync/internal/activation"
	"github.com/schaermu/kojitagsync/internal/config"
	"github.com/schaermu/kojitagsync/internal/tagsync"
)

const (
	debounceDelay = 2 * time.Second
	maxBodyBytes  = 1 << 20
)

// Runner performs one sync of all declared tags
type Runner interface {
	Run(ctx context.Context) (*tagsync.Report, error)
}

// pushEvent holds the fields of a GitHub push payload that are logged
type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server re-runs the sync when the declarations repository is pushed
type Server struct {
	cfg      *config.Config
	runner   Runner
	logger   *slog.Logger
	secret   []byte
	debounce *debouncer

	mu      sync.Mutex // guards running and pending
	running bool
	pending bool
}

// NewServer creates a webhook server. The webhook secret is read once.
func NewServer(cfg *config.Config, runner Runner, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	return &Server{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		secret:   []byte(strings.TrimSpace(string(secret))),
		debounce: &debouncer{delay: debounceDelay},
	}, nil
}

// Start runs an initial sync and then serves webhooks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before starting webhook server")
	s.sync(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    maxBodyBytes,
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// listen prefers a socket passed by systemd over serve.listen_addr
func (s *Server) listen() (net.Listener, error) {
	ln, err := activation.Listener()
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	if ln != nil {
		s.logger.Info("using socket-activated listener", "addr", ln.Addr().String())
		return ln, nil
	}

	ln, err = net.Listen("tcp", s.cfg.Serve.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
	}
	return ln, nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", ct)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if !allowed(s.cfg.Serve.AllowedEventTypes, eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		_, _ = fmt.Fprintln(w, "Event type not configured for sync")
		return
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if !allowed(s.cfg.Serve.AllowedRefs, event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		_, _ = fmt.Fprintln(w, "Ref not configured for sync")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.sync(context.Background())
	})

	_, _ = fmt.Fprintln(w, "Sync triggered")
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// allowed reports whether v passes a filter list. An empty list allows all.
func allowed(list []string, v string) bool {
	return len(list) == 0 || slices.Contains(list, v)
}

// sync runs the engine with single-flight semantics. A request that
// arrives during a run queues exactly one follow-up run; further requests
// are folded into it.
func (s *Server) sync(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		report, err := s.runner.Run(ctx)
		switch {
		case err != nil:
			s.logger.Error("sync failed", "error", err)
		case report != nil:
			s.logger.Info("sync completed", "tags", len(report.Results), "changed", report.Changed())
		}

		s.mu.Lock()
		if !s.pending {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// debouncer collapses bursts of triggers into one call after delay
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}
