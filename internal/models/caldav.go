package models

import "time"

// CaldavConfig is a user's calendar connection with the password already decrypted.
type CaldavConfig struct {
	UserID       string    `json:"user_id"`
	ServerURL    string    `json:"server_url"`
	Username     string    `json:"username"`
	Password     string    `json:"-"`
	CalendarPath string    `json:"calendar_path"`
	Enabled      bool      `json:"enabled"`
	SyncNotes    bool      `json:"sync_notes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether items should be mirrored for this config.
func (c *CaldavConfig) Active() bool {
	return c != nil && c.Enabled && c.ServerURL != ""
}
