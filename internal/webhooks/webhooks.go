// Package webhooks delivers escrow events to participant-owned HTTP
// endpoints.
//
// A subscription receives every event its owner takes part in (as buyer,
// raiser, payee, operator or depositor), or every event of one flight when
// it pins a flight address. Payloads are signed with HMAC-SHA256 using the
// subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parv3213/flight-escrow/internal/circuitbreaker"
	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/idgen"
	"github.com/parv3213/flight-escrow/internal/retry"
)

// Request headers on every delivery.
const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderDelivery  = "X-Escrow-Delivery"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

var (
	ErrNotFound       = errors.New("webhook not found")
	ErrInvalidURL     = errors.New("invalid webhook url")
	ErrBlockedAddress = errors.New("webhook target is not a public address")
)

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flight_escrow",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by result (success, failed, skipped).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string          `json:"id"`
	Owner               common.Address  `json:"owner"`
	URL                 string          `json:"url"`
	Secret              string          `json:"-"`
	Events              []events.Type   `json:"events"` // empty = all types
	Flight              *common.Address `json:"flight,omitempty"`
	Active              bool            `json:"active"`
	CreatedAt           time.Time       `json:"createdAt"`
	LastSuccess         *time.Time      `json:"lastSuccess,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
}

// Matches reports whether evt should be delivered to s.
func (s *Subscription) Matches(evt events.Event) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) > 0 && !slices.Contains(s.Events, evt.Type) {
		return false
	}
	if s.Flight != nil {
		return evt.Flight == *s.Flight
	}
	return evt.Involves(s.Owner.Hex())
}

// Delivery is the JSON body POSTed to a subscriber.
type Delivery struct {
	ID           string       `json:"id"`
	Subscription string       `json:"subscription"`
	Event        events.Event `json:"event"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	// RecordDelivery stores the outcome of one delivery. An empty deliveryErr
	// is a success and resets the failure count; maxFailures consecutive
	// failures deactivate the subscription.
	RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string, maxFailures int) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends escrow events to matching subscriptions. It implements
// events.Emitter; deliveries run in the background.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	urlValidator func(string) error

	attempts    int
	backoff     time.Duration
	maxFailures int

	wg sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       newClient(publicOnly),
		breaker:      circuitbreaker.New(5, time.Minute),
		logger:       logger,
		urlValidator: ValidateURL,
		attempts:     3,
		backoff:      time.Second,
		maxFailures:  20,
	}
}

// ValidateURL checks a subscriber URL with the dispatcher's policy.
func (d *Dispatcher) ValidateURL(raw string) error {
	return d.urlValidator(raw)
}

// Emit queues evt for every matching subscription.
func (d *Dispatcher) Emit(ctx context.Context, evt events.Event) {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		d.logger.Warn("failed to list webhook subscriptions", "type", string(evt.Type), "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.Matches(evt) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), sub, evt)
		}(sub)
	}
}

// Wait blocks until queued deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, evt events.Event) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	delivery := Delivery{
		ID:           idgen.WithPrefix("whd_"),
		Subscription: sub.ID,
		Event:        evt,
	}
	payload, err := json.Marshal(delivery)
	if err != nil {
		d.logger.Error("failed to marshal webhook delivery", "webhook", sub.ID, "error", err)
		return
	}

	err = d.breaker.Do(sub.ID, func() error {
		return retry.Do(ctx, d.attempts, d.backoff, func() error {
			return d.post(ctx, sub, delivery.ID, evt, payload)
		})
	})

	var deliveryErr string
	switch {
	case err == nil:
		deliveriesTotal.WithLabelValues("success").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		deliveriesTotal.WithLabelValues("skipped").Inc()
		return
	default:
		deliveriesTotal.WithLabelValues("failed").Inc()
		deliveryErr = err.Error()
		d.logger.Warn("webhook delivery failed",
			"webhook", sub.ID,
			"type", string(evt.Type),
			"tx_id", evt.TxID,
			"error", err,
		)
	}
	if err := d.store.RecordDelivery(ctx, sub.ID, time.Now(), deliveryErr, d.maxFailures); err != nil && !errors.Is(err, ErrNotFound) {
		d.logger.Warn("failed to record webhook delivery", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, deliveryID string, evt events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(evt.Type))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(evt.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if errors.Is(err, ErrBlockedAddress) {
		return retry.Permanent(fmt.Errorf("request failed: %w", err))
	}
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateURL rejects anything but http(s) URLs whose host resolves to a
// public address.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Hostname() == "" {
		return fmt.Errorf("%w: must be an absolute http(s) URL", ErrInvalidURL)
	}
	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrInvalidURL, host)
	}
	for _, ip := range ips {
		if !isPublic(ip) {
			return fmt.Errorf("%w: %s resolves to a non-public address", ErrInvalidURL, host)
		}
	}
	return nil
}

func isPublic(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified())
}

// dialControl vets the resolved peer of every connection before it opens.
type dialControl func(network, address string, c syscall.RawConn) error

// publicOnly refuses connections to non-public peers. Registration-time
// checks alone do not hold once DNS can change, so this runs on every dial,
// redirects included.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if ip := net.ParseIP(host); ip == nil || !isPublic(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

func newClient(control dialControl) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   control,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	// An environment proxy would be the dialed peer instead of the target.
	transport.Proxy = nil
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}
}
