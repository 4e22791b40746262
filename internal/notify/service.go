// Package notify persists notifications and fans them out to live
// subscribers and outbound sinks.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/storage"
)

// Subscriber receives notifications in real time
type Subscriber interface {
	Send(notification Notification) error
	ID() string
}

// Service manages notifications
type Service struct {
	db          *storage.DB
	clock       core.Clock
	log         *logging.Logger
	subscribers map[string]Subscriber
	mu          sync.RWMutex
}

// NewService creates a notification service
func NewService(db *storage.DB, clock core.Clock) *Service {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Service{
		db:          db,
		clock:       clock,
		log:         logging.WithField("component", "notify"),
		subscribers: make(map[string]Subscriber),
	}
}

// Subscribe adds a subscriber for real-time notifications
func (s *Service) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
}

// Unsubscribe removes a subscriber
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// Create persists a notification and broadcasts it
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Notification, error) {
	n := &Notification{
		ID:        core.NewID(),
		PersonID:  req.PersonID,
		Kind:      req.Kind,
		Title:     req.Title,
		Body:      req.Body,
		Payload:   req.Payload,
		CreatedAt: s.clock.Now(),
	}
	if n.Kind == "" {
		n.Kind = KindSystem
	}

	if err := s.save(ctx, n); err != nil {
		return nil, fmt.Errorf("save notification: %w", err)
	}
	s.broadcast(*n)
	return n, nil
}

func (s *Service) save(ctx context.Context, n *Notification) error {
	payload := "{}"
	if n.Payload != nil {
		if data, err := json.Marshal(n.Payload); err == nil {
			payload = string(data)
		}
	}
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO notifications (id, person_id, kind, title, body, payload, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.PersonID), string(n.Kind), n.Title, n.Body, payload, n.Read, n.CreatedAt)
	return err
}

// broadcast sends a notification to every subscriber; failed sends drop the
// subscriber
func (s *Service) broadcast(n Notification) {
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Send(n); err != nil {
			s.log.Warn("dropping subscriber %s: %v", sub.ID(), err)
			s.Unsubscribe(sub.ID())
		}
	}
}

// ListByPerson returns a person's notifications, newest first
func (s *Service) ListByPerson(ctx context.Context, personID core.PersonID, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, person_id, kind, title, body, payload, read, created_at
		FROM notifications
		WHERE person_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		string(personID), limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var payload string
		if err := rows.Scan(&n.ID, &n.PersonID, &n.Kind, &n.Title, &n.Body, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkRead flags a notification as read
func (s *Service) MarkRead(ctx context.Context, id string) error {
	_, err := s.db.Conn().ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	return err
}

// PruneOlderThan deletes notifications created before the cutoff
func (s *Service) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM notifications WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
