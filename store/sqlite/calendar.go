package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
	log "github.com/sirupsen/logrus"
)

// =============================================================================
// CALENDAR (generic.HolidayCalendar and generic.EventCalendar interfaces)
// =============================================================================

// calendarTimeout bounds the context-free calendar lookups made during
// resolution.
const calendarTimeout = 5 * time.Second

// SaveHoliday inserts or replaces the holiday on h.Date.
func (s *Store) SaveHoliday(ctx context.Context, h generic.Holiday) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holidays (date, name, type, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET name = excluded.name, type = excluded.type`,
		h.Date.String(), h.Name, h.Type, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save holiday: %w", err)
	}
	return nil
}

func (s *Store) DeleteHoliday(ctx context.Context, date generic.TimePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM holidays WHERE date = ?", date.String())
	if err != nil {
		return fmt.Errorf("failed to delete holiday: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("holiday on %s: %w", date, generic.ErrNotFound)
	}
	return nil
}

// ListHolidays returns holidays in date order, optionally within [from, to].
func (s *Store) ListHolidays(ctx context.Context, from, to *generic.TimePoint) ([]generic.Holiday, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, name, type FROM holidays
		WHERE (? IS NULL OR date >= ?) AND (? IS NULL OR date <= ?)
		ORDER BY date ASC`,
		nullDate(from), nullDate(from), nullDate(to), nullDate(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list holidays: %w", err)
	}
	defer rows.Close()

	var out []generic.Holiday
	for rows.Next() {
		var (
			h    generic.Holiday
			date string
		)
		if err := rows.Scan(&date, &h.Name, &h.Type); err != nil {
			return nil, err
		}
		if h.Date, err = generic.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HolidayOn implements generic.HolidayCalendar. Lookup errors are logged and
// reported as "not a holiday".
func (s *Store) HolidayOn(date generic.TimePoint) (generic.Holiday, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), calendarTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := generic.Holiday{Date: date}
	err := s.db.QueryRowContext(ctx, "SELECT name, type FROM holidays WHERE date = ?", date.String()).
		Scan(&h.Name, &h.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Holiday{}, false
	}
	if err != nil {
		log.WithError(err).WithField("date", date.String()).Error("Holiday lookup failed")
		return generic.Holiday{}, false
	}
	return h, true
}

// AddEvent records a named special event. Adding the same name twice is a
// no-op.
func (s *Store) AddEvent(ctx context.Context, date generic.TimePoint, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO special_events (date, name, created_at) VALUES (?, ?, ?)",
		date.String(), name, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to add event: %w", err)
	}
	return nil
}

func (s *Store) DeleteEvent(ctx context.Context, date generic.TimePoint, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM special_events WHERE date = ? AND name = ?", date.String(), name)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %q on %s: %w", name, date, generic.ErrNotFound)
	}
	return nil
}

// EventsOn implements generic.EventCalendar.
func (s *Store) EventsOn(date generic.TimePoint) []string {
	ctx, cancel := context.WithTimeout(context.Background(), calendarTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT name FROM special_events WHERE date = ? ORDER BY name ASC", date.String())
	if err != nil {
		log.WithError(err).WithField("date", date.String()).Error("Event lookup failed")
		return nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.WithError(err).WithField("date", date.String()).Error("Event lookup failed")
			return nil
		}
		names = append(names, name)
	}
	return names
}
