package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/asheshgoplani/agentsession/internal/logging"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

const (
	pushSubscriptionsFileName = "web_push_subscriptions.json"
	defaultPushPollInterval   = 3 * time.Second
)

// Alerts raised for a session. An empty alert means nothing needs the
// user's attention.
const (
	alertWaiting    = "waiting"
	alertServerDown = "server_down"
	alertEnded      = "ended"
	alertError      = "error"
)

type pushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime any                  `json:"expirationTime,omitempty"`
	Keys           pushSubscriptionKeys `json:"keys"`
	ClientFocused  *bool                `json:"clientFocused,omitempty"`
	FocusUpdatedAt time.Time            `json:"focusUpdatedAt,omitempty"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type pushSubscriptionFile struct {
	UpdatedAt     time.Time          `json:"updatedAt"`
	Subscriptions []pushSubscription `json:"subscriptions"`
}

type pushSubscriptionStore interface {
	List(ctx context.Context) ([]pushSubscription, error)
	Upsert(ctx context.Context, sub pushSubscription) error
	UpdateFocusByEndpoint(ctx context.Context, endpoint string, focused bool) error
	RemoveByEndpoint(ctx context.Context, endpoint string) error
}

// pushSubscriptionFileStore keeps subscriptions in a JSON file.
type pushSubscriptionFileStore struct {
	path string
	mu   sync.Mutex
}

func newPushSubscriptionFileStore(dir string) *pushSubscriptionFileStore {
	return &pushSubscriptionFileStore{path: filepath.Join(dir, pushSubscriptionsFileName)}
}

func (s *pushSubscriptionFileStore) List(_ context.Context) ([]pushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return data.Subscriptions, nil
}

func (s *pushSubscriptionFileStore) Upsert(_ context.Context, sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	if sub.ClientFocused != nil && sub.FocusUpdatedAt.IsZero() {
		sub.FocusUpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}

	updated := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint != sub.Endpoint {
			continue
		}
		// Keep the last known focus unless the client sent one.
		if sub.ClientFocused == nil {
			sub.ClientFocused = data.Subscriptions[i].ClientFocused
			sub.FocusUpdatedAt = data.Subscriptions[i].FocusUpdatedAt
		}
		data.Subscriptions[i] = sub
		updated = true
		break
	}
	if !updated {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	return s.writeLocked(data)
}

func (s *pushSubscriptionFileStore) UpdateFocusByEndpoint(_ context.Context, endpoint string, focused bool) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint != endpoint {
			continue
		}
		data.Subscriptions[i].ClientFocused = &focused
		data.Subscriptions[i].FocusUpdatedAt = time.Now().UTC()
		return s.writeLocked(data)
	}
	return nil
}

func (s *pushSubscriptionFileStore) RemoveByEndpoint(_ context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}
	filtered := data.Subscriptions[:0]
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			filtered = append(filtered, sub)
		}
	}
	data.Subscriptions = filtered
	return s.writeLocked(data)
}

func (s *pushSubscriptionFileStore) readLocked() (*pushSubscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &pushSubscriptionFile{Subscriptions: []pushSubscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	var data pushSubscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []pushSubscription{}
	}
	return &data, nil
}

func (s *pushSubscriptionFileStore) writeLocked(data *pushSubscriptionFile) error {
	data.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	return writeFileAtomic(s.path, raw)
}

type webPushSender interface {
	Send(payload []byte, sub pushSubscription) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) Send(payload []byte, sub pushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	status := 0
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

// statusLoader lists the current status of every registered session.
type statusLoader interface {
	Statuses() []orchestrator.Status
}

type registryStatuses struct {
	reg *orchestrator.Registry
}

func (r registryStatuses) Statuses() []orchestrator.Status {
	list := r.reg.List()
	out := make([]orchestrator.Status, len(list))
	for i, o := range list {
		out[i] = o.Status()
	}
	return out
}

type pushMessage struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Tag        string `json:"tag,omitempty"`
	Renotify   bool   `json:"renotify,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Session    string `json:"session,omitempty"`
	Alert      string `json:"alert,omitempty"`
	State      string `json:"state,omitempty"`
	Path       string `json:"path,omitempty"`
	Timestamp  string `json:"timestamp"`
	RequireInt bool   `json:"requireInteraction,omitempty"`
}

type pushTransition struct {
	Status orchestrator.Status
	Alert  string
}

// pushService polls session statuses and notifies unfocused subscribers
// when a session starts needing attention.
type pushService struct {
	publicKey string
	subject   string
	token     string
	threshold int

	statuses statusLoader
	store    pushSubscriptionStore
	sender   webPushSender

	pollInterval time.Duration

	startOnce sync.Once
	triggerCh chan struct{}

	mu          sync.Mutex
	initialized bool
	lastAlert   map[string]string
}

var pushLog = logging.ForComponent(logging.CompWeb)

// newPushService returns nil when no VAPID keys are configured.
func newPushService(cfg Config, statuses statusLoader) (*pushService, error) {
	publicKey := strings.TrimSpace(cfg.PushVAPIDPublicKey)
	privateKey := strings.TrimSpace(cfg.PushVAPIDPrivateKey)
	if publicKey == "" && privateKey == "" {
		return nil, nil
	}
	if publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("both push vapid public and private keys are required")
	}
	if cfg.PushDir == "" {
		return nil, fmt.Errorf("push subscription directory is required")
	}
	subject := strings.TrimSpace(cfg.PushVAPIDSubject)
	if subject == "" {
		subject = "mailto:agentsession@localhost"
	}

	return &pushService{
		publicKey:    publicKey,
		subject:      subject,
		token:        strings.TrimSpace(cfg.Token),
		threshold:    cfg.FatalThreshold,
		statuses:     statuses,
		store:        newPushSubscriptionFileStore(cfg.PushDir),
		sender:       &vapidPushSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
		pollInterval: defaultPushPollInterval,
		triggerCh:    make(chan struct{}, 1),
		lastAlert:    make(map[string]string),
	}, nil
}

func (p *pushService) Start(ctx context.Context) {
	if p == nil {
		return
	}
	p.startOnce.Do(func() { go p.run(ctx) })
}

// TriggerSync asks for an immediate check without waiting for the ticker.
func (p *pushService) TriggerSync() {
	if p == nil {
		return
	}
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

func (p *pushService) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// Prime the baseline so a restart does not replay every alert.
	p.syncOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.syncOnce(ctx)
		case <-p.triggerCh:
			p.syncOnce(ctx)
		}
	}
}

// alertFor classifies a status into the alert it should raise, if any.
func alertFor(st orchestrator.Status, threshold int) string {
	switch {
	case st.State == orchestrator.StateError:
		return alertError
	case st.Fatal(threshold):
		return alertServerDown
	case st.View.Ended:
		return alertEnded
	case st.View.UserRequest && st.State == orchestrator.StateRunning:
		return alertWaiting
	}
	return ""
}

func (p *pushService) syncOnce(ctx context.Context) {
	current := make(map[string]string)
	byID := make(map[string]orchestrator.Status)
	for _, st := range p.statuses.Statuses() {
		current[st.ID] = alertFor(st, p.threshold)
		byID[st.ID] = st
	}

	var transitions []pushTransition
	p.mu.Lock()
	if !p.initialized {
		p.lastAlert = current
		p.initialized = true
		p.mu.Unlock()
		return
	}
	for id, alert := range current {
		prev := p.lastAlert[id]
		if alert == "" || alert == prev {
			continue
		}
		transitions = append(transitions, pushTransition{Status: byID[id], Alert: alert})
		pushLog.Debug("push_transition",
			slog.String("session", id),
			slog.String("from", prev),
			slog.String("to", alert))
	}
	p.lastAlert = current
	p.mu.Unlock()

	for _, tr := range transitions {
		p.notifySubscribers(ctx, tr)
	}
}

func (p *pushService) notifySubscribers(ctx context.Context, tr pushTransition) {
	subs, err := p.store.List(ctx)
	if err != nil {
		pushLog.Error("push_list_subscriptions_failed", slog.String("error", err.Error()))
		return
	}
	if len(subs) == 0 {
		return
	}

	st := tr.Status
	msg := pushMessage{
		Title:      pushTitle(st.Context.Name, tr.Alert),
		Body:       pushBody(st, tr.Alert),
		Tag:        fmt.Sprintf("agentsession-%s-%s", st.Context.Name, tr.Alert),
		Renotify:   true,
		SessionID:  st.ID,
		Session:    st.Context.Name,
		Alert:      tr.Alert,
		State:      string(st.State),
		Path:       p.routePath("/api/sessions/" + url.PathEscape(st.ID)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequireInt: tr.Alert == alertError || tr.Alert == alertServerDown,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		pushLog.Error("push_marshal_failed", slog.String("error", err.Error()))
		return
	}

	for _, sub := range subs {
		if !shouldNotifySubscription(sub) {
			pushLog.Debug("push_skipped",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.String("session", st.ID),
				slog.String("state", focusStateForLog(sub)))
			continue
		}
		statusCode, err := p.sender.Send(payload, sub)
		if err == nil {
			pushLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", statusCode),
				slog.String("session", st.ID),
				slog.String("alert", tr.Alert))
			continue
		}
		pushLog.Error("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", statusCode),
			slog.String("session", st.ID),
			slog.String("error", err.Error()))
		if statusCode == http.StatusGone || statusCode == http.StatusNotFound {
			_ = p.store.RemoveByEndpoint(ctx, sub.Endpoint)
		}
	}
}

func pushTitle(name, alert string) string {
	if name == "" {
		name = "Session"
	}
	switch alert {
	case alertServerDown:
		return fmt.Sprintf("%s: agent server unreachable", name)
	case alertError:
		return fmt.Sprintf("%s: error", name)
	case alertEnded:
		return fmt.Sprintf("%s: finished", name)
	}
	return fmt.Sprintf("%s: waiting for you", name)
}

func pushBody(st orchestrator.Status, alert string) string {
	switch alert {
	case alertServerDown:
		return fmt.Sprintf("%d consecutive health checks failed against %s.", st.Context.HealthcheckRetry, st.Context.Host)
	case alertError:
		if st.LastError != "" {
			return st.LastError
		}
		return "The session stopped with an error."
	case alertEnded:
		return "The agent ended the session."
	}
	if m, ok := st.View.LastMessage(); ok && m.Text != "" {
		if r := []rune(m.Text); len(r) > 140 {
			return string(r[:140]) + "…"
		}
		return m.Text
	}
	return "The agent asked for a response."
}

// shouldNotifySubscription skips clients that are focused or never
// reported their focus.
func shouldNotifySubscription(sub pushSubscription) bool {
	if sub.ClientFocused == nil {
		return false
	}
	return !*sub.ClientFocused
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}

func focusStateForLog(sub pushSubscription) string {
	if sub.ClientFocused == nil {
		return "unknown"
	}
	if *sub.ClientFocused {
		return "focused"
	}
	return "unfocused"
}

func (p *pushService) routePath(basePath string) string {
	if p.token == "" {
		return basePath
	}
	return basePath + "?token=" + url.QueryEscape(p.token)
}
