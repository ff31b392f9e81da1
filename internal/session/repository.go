// Package session provides access to session documents and owns schema
// validation of room settings.
package session

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ashureev/vanish/internal/domain"
	"github.com/ashureev/vanish/internal/store"
)

// sessionIDPattern constrains room ids to short numeric strings.
var sessionIDPattern = regexp.MustCompile(`^[0-9]{1,12}$`)

// Settings are the caller-supplied room parameters at creation time.
type Settings struct {
	ID                        string
	SelfDestructSeconds       int
	SelfDestructUnseenSeconds int
	KickOnWrongAnswer         bool
	Questions                 []domain.ChallengeQuestion
}

// Validate checks the settings against the session schema.
func (s *Settings) Validate() error {
	if !sessionIDPattern.MatchString(s.ID) {
		return fmt.Errorf("session id must be a 1-12 digit numeric string, got %q", s.ID)
	}
	if s.SelfDestructSeconds < 0 {
		return fmt.Errorf("selfDestructSeconds must be >= 0, got %d", s.SelfDestructSeconds)
	}
	if s.SelfDestructUnseenSeconds < 0 {
		return fmt.Errorf("selfDestructUnseenSeconds must be >= 0, got %d", s.SelfDestructUnseenSeconds)
	}
	for i, q := range s.Questions {
		if q.Question == "" {
			return fmt.Errorf("question %d has empty text", i)
		}
		if len(q.Options) < 2 {
			return fmt.Errorf("question %d needs at least 2 options, got %d", i, len(q.Options))
		}
		for j, opt := range q.Options {
			if opt.Text == "" {
				return fmt.Errorf("question %d option %d has empty text", i, j)
			}
		}
		if q.CorrectAnswerIndex < 0 || q.CorrectAnswerIndex >= len(q.Options) {
			return fmt.Errorf("question %d has correct answer index %d out of range", i, q.CorrectAnswerIndex)
		}
	}
	return nil
}

// Repository provides CRUD-like access to session documents.
type Repository struct {
	store store.Store
}

// NewRepository creates a session repository over the given store.
func NewRepository(st store.Store) *Repository {
	return &Repository{store: st}
}

// Create validates the settings and persists a new empty session. The
// creator joins through the admission controller like anyone else.
func (r *Repository) Create(ctx context.Context, settings Settings) (*domain.Session, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session settings: %w", err)
	}

	sess := &domain.Session{
		ID:                        settings.ID,
		SelfDestructSeconds:       settings.SelfDestructSeconds,
		SelfDestructUnseenSeconds: settings.SelfDestructUnseenSeconds,
		KickOnWrongAnswer:         settings.KickOnWrongAnswer,
		Questions:                 settings.Questions,
		Participants:              []string{},
		Presence:                  map[string]domain.PresenceRecord{},
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get retrieves a session, returning domain.ErrSessionNotFound for
// unknown ids.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}
