package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/tgrange/bastion/internal/models"
)

const (
	anomalyLookback     = 30 * 24 * time.Hour
	anomalyHistoryLimit = 10
)

// LoginHistoryReader is the slice of the credential store the detector needs.
// The query must return successful logins only; failed attempts say nothing
// about where the principal legitimately signs in from.
type LoginHistoryReader interface {
	GetRecentSuccessfulLogins(ctx context.Context, principalID string, since time.Time, limit int) ([]*models.LoginHistoryEntry, error)
}

// AnomalyDetector compares a login's origin address and device fingerprint
// against recent successful-login history. It is a pure read; callers decide
// whether to notify, challenge, or merely log.
type AnomalyDetector struct {
	history LoginHistoryReader
}

// NewAnomalyDetector creates an AnomalyDetector backed by the given history reader.
func NewAnomalyDetector(history LoginHistoryReader) *AnomalyDetector {
	return &AnomalyDetector{history: history}
}

// Evaluate flags a login as new-location when no recent successful login came
// from the same origin address, and new-device when a fingerprint was supplied
// and none of the recent entries match it.
func (d *AnomalyDetector) Evaluate(ctx context.Context, principalID, originAddress, deviceFingerprint string) (models.AnomalyResult, error) {
	since := time.Now().Add(-anomalyLookback)
	entries, err := d.history.GetRecentSuccessfulLogins(ctx, principalID, since, anomalyHistoryLimit)
	if err != nil {
		return models.AnomalyResult{}, fmt.Errorf("failed to load login history: %w", err)
	}

	result := models.AnomalyResult{
		IsNewLocation: true,
		IsNewDevice:   deviceFingerprint != "",
	}
	for _, entry := range entries {
		if entry.OriginAddress == originAddress {
			result.IsNewLocation = false
		}
		if deviceFingerprint != "" && entry.DeviceFingerprint == deviceFingerprint {
			result.IsNewDevice = false
		}
	}

	// A principal with no successful history is on a first login, not an anomaly.
	if len(entries) == 0 {
		return models.AnomalyResult{}, nil
	}
	return result, nil
}

// Fingerprint derives a stable device fingerprint from origin address and
// user agent, for callers that cannot supply a client-side one.
func Fingerprint(originAddress, userAgent string) string {
	sum := sha256.Sum256([]byte(originAddress + ":" + userAgent))
	return fmt.Sprintf("%x", sum)[:32]
}
