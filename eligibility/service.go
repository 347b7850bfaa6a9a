package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	log "github.com/sirupsen/logrus"
)

// NewOverride is what an actor supplies to create an override. Priority is
// not part of it; the actor's role decides.
type NewOverride struct {
	Scope      Scope
	TargetUser generic.UserID
	Dates      DateSpec
	Meal       generic.MealSelector
	Action     Action
	Reason     string
	Expiry     *time.Time
}

// Service creates and revokes overrides on behalf of actors.
type Service struct {
	store Store
	now   func() time.Time
	newID func() string
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// WithClock replaces time.Now, mainly for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates and stores an override authored by actor.
// Plain users may only toggle their own meals.
func (s *Service) Create(ctx context.Context, req NewOverride, actor generic.Actor) (Override, error) {
	if !actor.Role.Valid() {
		return Override{}, &generic.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", actor.Role)}
	}
	if actor.Role == generic.RoleUser && (req.Scope != ScopeUser || req.TargetUser != generic.UserID(actor.ID)) {
		return Override{}, fmt.Errorf("%w: users may only toggle their own meals", generic.ErrForbidden)
	}
	now := s.now()
	if req.Expiry != nil && !req.Expiry.After(now) {
		return Override{}, &generic.ValidationError{Field: "expiry", Reason: "must be in the future"}
	}
	o := Override{
		ID:         OverrideID(s.newID()),
		Scope:      req.Scope,
		TargetUser: req.TargetUser,
		Dates:      req.Dates,
		Meal:       req.Meal,
		Action:     req.Action,
		AuthorID:   actor.ID,
		AuthorRole: actor.Role,
		Reason:     req.Reason,
		Active:     true,
		Expiry:     req.Expiry,
		CreatedAt:  now,
	}
	if err := o.Validate(); err != nil {
		return Override{}, err
	}
	if err := s.store.CreateOverride(ctx, o); err != nil {
		return Override{}, err
	}
	log.WithFields(log.Fields{
		"override": o.ID,
		"scope":    o.Scope,
		"action":   o.Action,
		"priority": int(o.Priority()),
		"author":   actor.ID,
	}).Info("override created")
	return o, nil
}

// Revoke deactivates an override. An actor may revoke overrides of equal or
// lower priority only.
func (s *Service) Revoke(ctx context.Context, id OverrideID, actor generic.Actor) error {
	o, err := s.store.GetOverride(ctx, id)
	if err != nil {
		return err
	}
	if generic.PriorityFor(actor.Role) < o.Priority() {
		return fmt.Errorf("%w: %s cannot revoke a priority %d override", generic.ErrForbidden, actor, o.Priority())
	}
	if actor.Role == generic.RoleUser && o.AuthorID != actor.ID {
		return fmt.Errorf("%w: users may only revoke their own overrides", generic.ErrForbidden)
	}
	return s.store.RevokeOverride(ctx, id, actor.ID, s.now())
}

// SetExpiry changes when an override stops applying. Nil removes the expiry.
func (s *Service) SetExpiry(ctx context.Context, id OverrideID, expiry *time.Time, actor generic.Actor) error {
	o, err := s.store.GetOverride(ctx, id)
	if err != nil {
		return err
	}
	if generic.PriorityFor(actor.Role) < o.Priority() {
		return fmt.Errorf("%w: %s cannot change a priority %d override", generic.ErrForbidden, actor, o.Priority())
	}
	return s.store.SetOverrideExpiry(ctx, id, expiry)
}

func (s *Service) Get(ctx context.Context, id OverrideID) (Override, error) {
	return s.store.GetOverride(ctx, id)
}

func (s *Service) List(ctx context.Context, filter Filter) ([]Override, error) {
	return s.store.ListOverrides(ctx, filter)
}
