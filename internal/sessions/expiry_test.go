package sessions

import (
	"testing"
	"time"

	"github.com/cocode/cocode/pkg/models"
)

func TestSessionExpiry_NeverMode(t *testing.T) {
	expiry := NewSessionExpiry(ResetConfig{Mode: ResetModeNever})

	session := &models.Session{
		UpdatedAt: time.Now().Add(-365 * 24 * time.Hour), // 1 year old
	}

	if expiry.CheckExpiry(session) {
		t.Error("CheckExpiry() with never mode should return false")
	}
}

func TestSessionExpiry_EmptyModeTreatedAsNever(t *testing.T) {
	expiry := NewSessionExpiry(ResetConfig{})
	session := &models.Session{UpdatedAt: time.Now().Add(-365 * 24 * time.Hour)}
	if expiry.CheckExpiry(session) {
		t.Error("CheckExpiry() with empty mode should return false")
	}
}

func TestSessionExpiry_NilSession(t *testing.T) {
	expiry := NewSessionExpiry(ResetConfig{Mode: ResetModeIdle, IdleMinutes: 1})
	if expiry.CheckExpiry(nil) {
		t.Error("CheckExpiry(nil) should return false")
	}
}

func TestSessionExpiry_DailyMode(t *testing.T) {
	fixedNow := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

	expiry := NewSessionExpiryWithLocation(ResetConfig{
		Mode:   ResetModeDaily,
		AtHour: 9,
	}, time.UTC)
	expiry.SetNowFunc(func() time.Time { return fixedNow })

	tests := []struct {
		name      string
		updatedAt time.Time
		expected  bool
	}{
		{"updated before today's reset should expire", time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC), true},
		{"updated after today's reset should not expire", time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), false},
		{"updated yesterday should expire", time.Date(2024, 1, 14, 20, 0, 0, 0, time.UTC), true},
		{"updated a week ago should expire", time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &models.Session{UpdatedAt: tt.updatedAt}
			if got := expiry.CheckExpiry(session); got != tt.expected {
				t.Errorf("CheckExpiry() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSessionExpiry_DailyMode_BeforeResetHour(t *testing.T) {
	fixedNow := time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)

	expiry := NewSessionExpiryWithLocation(ResetConfig{
		Mode:   ResetModeDaily,
		AtHour: 9,
	}, time.UTC)
	expiry.SetNowFunc(func() time.Time { return fixedNow })

	tests := []struct {
		name      string
		updatedAt time.Time
		expected  bool
	}{
		{"updated yesterday before reset should expire", time.Date(2024, 1, 14, 8, 0, 0, 0, time.UTC), true},
		{"updated yesterday after reset should not expire", time.Date(2024, 1, 14, 10, 0, 0, 0, time.UTC), false},
		{"updated earlier today should not expire", time.Date(2024, 1, 15, 5, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &models.Session{UpdatedAt: tt.updatedAt}
			if got := expiry.CheckExpiry(session); got != tt.expected {
				t.Errorf("CheckExpiry() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSessionExpiry_IdleMode(t *testing.T) {
	fixedNow := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

	expiry := NewSessionExpiry(ResetConfig{
		Mode:        ResetModeIdle,
		IdleMinutes: 30,
	})
	expiry.SetNowFunc(func() time.Time { return fixedNow })

	tests := []struct {
		name      string
		updatedAt time.Time
		expected  bool
	}{
		{"active 5 minutes ago should not expire", fixedNow.Add(-5 * time.Minute), false},
		{"active 29 minutes ago should not expire", fixedNow.Add(-29 * time.Minute), false},
		{"active exactly 30 minutes ago should expire", fixedNow.Add(-30 * time.Minute), true},
		{"active 1 hour ago should expire", fixedNow.Add(-1 * time.Hour), true},
		{"active yesterday should expire", fixedNow.Add(-24 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &models.Session{UpdatedAt: tt.updatedAt}
			if got := expiry.CheckExpiry(session); got != tt.expected {
				t.Errorf("CheckExpiry() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSessionExpiry_IdleMode_ZeroIdleMinutesNeverExpires(t *testing.T) {
	expiry := NewSessionExpiry(ResetConfig{Mode: ResetModeIdle, IdleMinutes: 0})
	session := &models.Session{UpdatedAt: time.Now().Add(-365 * 24 * time.Hour)}
	if expiry.CheckExpiry(session) {
		t.Error("CheckExpiry() with IdleMinutes=0 should never expire")
	}
}

func TestSessionExpiry_DailyIdleMode(t *testing.T) {
	fixedNow := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

	expiry := NewSessionExpiryWithLocation(ResetConfig{
		Mode:        ResetModeDailyIdle,
		AtHour:      9,
		IdleMinutes: 60,
	}, time.UTC)
	expiry.SetNowFunc(func() time.Time { return fixedNow })

	tests := []struct {
		name      string
		updatedAt time.Time
		expected  bool
	}{
		{"active after reset, not idle - should not expire", fixedNow.Add(-30 * time.Minute), false},
		{"active after reset, but idle - should expire", fixedNow.Add(-90 * time.Minute), true},
		{"active before reset - should expire (daily triggers)", time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC), true},
		{"yesterday but not idle - should expire (daily triggers)", time.Date(2024, 1, 14, 20, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &models.Session{UpdatedAt: tt.updatedAt}
			if got := expiry.CheckExpiry(session); got != tt.expected {
				t.Errorf("CheckExpiry() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSessionExpiry_FallsBackToCreatedAt(t *testing.T) {
	fixedNow := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

	expiry := NewSessionExpiry(ResetConfig{Mode: ResetModeIdle, IdleMinutes: 30})
	expiry.SetNowFunc(func() time.Time { return fixedNow })

	session := &models.Session{CreatedAt: fixedNow.Add(-1 * time.Hour)}
	if !expiry.CheckExpiry(session) {
		t.Error("CheckExpiry() should fall back to CreatedAt when UpdatedAt is zero")
	}
}

func TestSessionExpiry_NoActivityNeverExpires(t *testing.T) {
	expiry := NewSessionExpiry(ResetConfig{Mode: ResetModeIdle, IdleMinutes: 30})
	if expiry.CheckExpiry(&models.Session{}) {
		t.Error("CheckExpiry() with no activity timestamps should not expire")
	}
}

func TestSessionExpiry_CheckExpiryWithConfig(t *testing.T) {
	fixedNow := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	expiry := NewSessionExpiry(ResetConfig{Mode: ResetModeNever})
	expiry.SetNowFunc(func() time.Time { return fixedNow })

	session := &models.Session{UpdatedAt: fixedNow.Add(-2 * time.Hour)}
	override := ResetConfig{Mode: ResetModeIdle, IdleMinutes: 30}

	if !expiry.CheckExpiryWithConfig(session, override) {
		t.Error("CheckExpiryWithConfig() should apply the override config, not the checker's own")
	}
	if expiry.CheckExpiry(session) {
		t.Error("CheckExpiry() should still use the checker's own never-reset config")
	}
}

func TestSessionExpiry_GetNextResetTime(t *testing.T) {
	fixedNow := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

	daily := NewSessionExpiryWithLocation(ResetConfig{Mode: ResetModeDaily, AtHour: 9}, time.UTC)
	daily.SetNowFunc(func() time.Time { return fixedNow })
	want := time.Date(2024, 1, 16, 9, 0, 0, 0, time.UTC)
	if got := daily.GetNextResetTime(); !got.Equal(want) {
		t.Errorf("GetNextResetTime() = %v, want %v", got, want)
	}

	idleOnly := NewSessionExpiry(ResetConfig{Mode: ResetModeIdle, IdleMinutes: 30})
	if got := idleOnly.GetNextResetTime(); !got.IsZero() {
		t.Errorf("GetNextResetTime() for idle-only mode = %v, want zero", got)
	}
}

func TestShouldResetSession(t *testing.T) {
	session := &models.Session{UpdatedAt: time.Now().Add(-365 * 24 * time.Hour)}
	if ShouldResetSession(session, ResetConfig{Mode: ResetModeNever}) {
		t.Error("ShouldResetSession() with never mode should return false")
	}
	if !ShouldResetSession(session, ResetConfig{Mode: ResetModeIdle, IdleMinutes: 1}) {
		t.Error("ShouldResetSession() with a stale idle session should return true")
	}
}
