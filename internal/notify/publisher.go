package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"listing-engine/internal/models"
)

const (
	// EventsChannel carries events for connected UI clients
	EventsChannel = "parser_events"
	// StatusKey holds the latest run status
	StatusKey = "parser_status"
)

// Event types
const (
	EventNewListings  = "new_listings"
	EventParserStatus = "parser_status"
)

// Status is the run state shown to the UI
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// statusTTL keeps a running status long enough to outlive a slow run, while
// completed and error states fade quickly.
var statusTTL = map[Status]time.Duration{
	StatusRunning:   time.Hour,
	StatusCompleted: 10 * time.Second,
	StatusError:     5 * time.Minute,
}

// Event is the envelope published on EventsChannel
type Event struct {
	Type      string           `json:"type"`
	Listings  []models.Listing `json:"listings,omitempty"`
	Status    Status           `json:"status,omitempty"`
	NewCount  int              `json:"new_count,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// StatusSnapshot is what StatusKey stores
type StatusSnapshot struct {
	Status    Status    `json:"status"`
	NewCount  int       `json:"new_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher hands events to the shared key-value store. Delivery is best-effort.
type Publisher struct {
	client redis.UniversalClient
	now    func() time.Time
	logger *zap.Logger
}

// NewPublisher creates a publisher
func NewPublisher(client redis.UniversalClient) *Publisher {
	return &Publisher{
		client: client,
		now:    time.Now,
		logger: zap.L().With(zap.String("component", "notify")),
	}
}

// PublishNewListings announces freshly committed listings
func (p *Publisher) PublishNewListings(ctx context.Context, listings []models.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	ev := Event{Type: EventNewListings, Listings: listings, Timestamp: p.now()}
	if err := p.publish(ctx, ev); err != nil {
		return err
	}
	p.logger.Info("new listings published", zap.Int("count", len(listings)))
	return nil
}

// SetStatus stores the run status with a state-dependent TTL and announces it
func (p *Publisher) SetStatus(ctx context.Context, status Status, newCount int) error {
	snap := StatusSnapshot{Status: status, NewCount: newCount, UpdatedAt: p.now()}
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "notify: encode status")
	}
	ttl, ok := statusTTL[status]
	if !ok {
		ttl = time.Minute
	}
	if err := p.client.Set(ctx, StatusKey, data, ttl).Err(); err != nil {
		return eris.Wrap(err, "notify: set status")
	}
	return p.publish(ctx, Event{Type: EventParserStatus, Status: status, NewCount: newCount, Timestamp: snap.UpdatedAt})
}

// CurrentStatus reads the stored status; ok is false when none is set
func (p *Publisher) CurrentStatus(ctx context.Context) (*StatusSnapshot, bool, error) {
	data, err := p.client.Get(ctx, StatusKey).Bytes()
	if eris.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "notify: get status")
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, eris.Wrap(err, "notify: decode status")
	}
	return &snap, true, nil
}

func (p *Publisher) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: encode event")
	}
	if err := p.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		return eris.Wrapf(err, "notify: publish %s", ev.Type)
	}
	return nil
}
