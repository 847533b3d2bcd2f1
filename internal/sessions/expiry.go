package sessions

import (
	"strings"
	"time"

	"github.com/cocode/cocode/pkg/models"
)

// Reset mode constants for session expiry.
const (
	ResetModeNever     = "never"
	ResetModeDaily     = "daily"
	ResetModeIdle      = "idle"
	ResetModeDailyIdle = "daily+idle"
)

// ResetConfig controls when a cwd-bound session is considered stale enough
// that GetOrCreate should hand back a fresh one instead of resuming.
type ResetConfig struct {
	Mode        string // one of the ResetMode* constants
	AtHour      int    // hour-of-day (0-23) for ResetModeDaily/DailyIdle
	IdleMinutes int    // inactivity threshold for ResetModeIdle/DailyIdle
}

// SessionExpiry checks whether a session should be reset based on ResetConfig.
type SessionExpiry struct {
	cfg      ResetConfig
	nowFunc  func() time.Time
	location *time.Location
}

// NewSessionExpiry creates a new SessionExpiry checker using the local timezone.
func NewSessionExpiry(cfg ResetConfig) *SessionExpiry {
	return &SessionExpiry{
		cfg:      cfg,
		nowFunc:  time.Now,
		location: time.Local,
	}
}

// NewSessionExpiryWithLocation creates a SessionExpiry with a specific timezone.
func NewSessionExpiryWithLocation(cfg ResetConfig, loc *time.Location) *SessionExpiry {
	if loc == nil {
		loc = time.Local
	}
	return &SessionExpiry{
		cfg:      cfg,
		nowFunc:  time.Now,
		location: loc,
	}
}

// SetNowFunc sets a custom time function for testing.
func (e *SessionExpiry) SetNowFunc(fn func() time.Time) {
	e.nowFunc = fn
}

// CheckExpiry returns true if the session should be reset under the
// checker's configured ResetConfig.
func (e *SessionExpiry) CheckExpiry(session *models.Session) bool {
	if session == nil {
		return false
	}
	return e.checkResetConfig(session, e.cfg)
}

// CheckExpiryWithConfig checks expiry using a one-off reset configuration,
// ignoring the checker's own cfg.
func (e *SessionExpiry) CheckExpiryWithConfig(session *models.Session, resetCfg ResetConfig) bool {
	if session == nil {
		return false
	}
	return e.checkResetConfig(session, resetCfg)
}

func (e *SessionExpiry) checkResetConfig(session *models.Session, cfg ResetConfig) bool {
	now := e.nowFunc()
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))

	switch mode {
	case ResetModeNever, "":
		return false
	case ResetModeDaily:
		return e.checkDailyReset(session, cfg.AtHour, now)
	case ResetModeIdle:
		return e.checkIdleReset(session, cfg.IdleMinutes, now)
	case ResetModeDailyIdle:
		return e.checkDailyReset(session, cfg.AtHour, now) ||
			e.checkIdleReset(session, cfg.IdleMinutes, now)
	default:
		return false
	}
}

// checkDailyReset reports whether the session's last activity predates
// today's (or, before AtHour has struck, yesterday's) reset time.
func (e *SessionExpiry) checkDailyReset(session *models.Session, atHour int, now time.Time) bool {
	if atHour < 0 || atHour > 23 {
		atHour = 0
	}

	lastActivity := session.UpdatedAt
	if lastActivity.IsZero() {
		lastActivity = session.CreatedAt
	}
	if lastActivity.IsZero() {
		return false
	}

	nowInLoc := now.In(e.location)
	lastActivityInLoc := lastActivity.In(e.location)

	todayReset := time.Date(
		nowInLoc.Year(), nowInLoc.Month(), nowInLoc.Day(),
		atHour, 0, 0, 0,
		e.location,
	)
	if nowInLoc.Hour() < atHour {
		todayReset = todayReset.AddDate(0, 0, -1)
	}

	return lastActivityInLoc.Before(todayReset)
}

// checkIdleReset reports whether the session has been idle past idleMinutes.
func (e *SessionExpiry) checkIdleReset(session *models.Session, idleMinutes int, now time.Time) bool {
	if idleMinutes <= 0 {
		return false
	}

	lastActivity := session.UpdatedAt
	if lastActivity.IsZero() {
		lastActivity = session.CreatedAt
	}
	if lastActivity.IsZero() {
		return false
	}

	return now.Sub(lastActivity) >= time.Duration(idleMinutes)*time.Minute
}

// GetNextResetTime returns the next scheduled daily reset time, or the zero
// time if the configured mode has no daily component.
func (e *SessionExpiry) GetNextResetTime() time.Time {
	mode := strings.ToLower(strings.TrimSpace(e.cfg.Mode))
	if mode != ResetModeDaily && mode != ResetModeDailyIdle {
		return time.Time{}
	}

	now := e.nowFunc().In(e.location)
	atHour := e.cfg.AtHour
	if atHour < 0 || atHour > 23 {
		atHour = 0
	}

	nextReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		atHour, 0, 0, 0,
		e.location,
	)
	if now.Hour() >= atHour {
		nextReset = nextReset.AddDate(0, 0, 1)
	}
	return nextReset
}

// ShouldResetSession is a convenience wrapper around NewSessionExpiry/CheckExpiry.
func ShouldResetSession(session *models.Session, cfg ResetConfig) bool {
	return NewSessionExpiry(cfg).CheckExpiry(session)
}
