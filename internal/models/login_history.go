package models

import "time"

// LoginHistoryEntry is an append-only record of a completed login attempt,
// read back over a rolling window to drive anomaly detection.
type LoginHistoryEntry struct {
	ID                string    `db:"id"`
	PrincipalID       string    `db:"principal_id"`
	OriginAddress     string    `db:"origin_address"`
	UserAgent         string    `db:"user_agent"`
	DeviceFingerprint string    `db:"device_fingerprint"`
	Success           bool      `db:"success"`
	Timestamp         time.Time `db:"created_at"`
}

// DeviceRecord tracks a device fingerprint seen for a principal.
type DeviceRecord struct {
	PrincipalID string     `db:"principal_id"`
	Fingerprint string     `db:"fingerprint"`
	UserAgent   string     `db:"user_agent"`
	FirstSeen   time.Time  `db:"first_seen"`
	LastSeen    time.Time  `db:"last_seen"`
	Trusted     bool       `db:"trusted"`
}

// AnomalyResult carries the outcome of comparing a login against recent history.
// It is observational only; no gate blocks on it.
type AnomalyResult struct {
	IsNewLocation bool
	IsNewDevice   bool
}
