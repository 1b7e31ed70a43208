// Package consent gates fix ingestion on a tourist's recorded privacy
// preferences and, when requested, anonymizes the fix before it is
// stored or fanned out. Absence of a recorded consent is treated as no
// consent, never as an implicit opt-in.
package consent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"

	"github.com/touristsafety/trackengine/internal/domain"
)

// Store holds one Consent record per tourist. It is a small, rarely
// written map guarded by a single RWMutex — consent changes are
// infrequent compared to the fix-ingestion hot path, so this does not
// need the sharding internal/tourists uses.
type Store struct {
	mu   sync.RWMutex
	byID map[string]domain.Consent
	salt []byte
}

// New builds a Store. salt is mixed into every anonymized tourist id so
// that the hash cannot be reversed by rainbow-tabling known tourist ids;
// it should be a long random value loaded from configuration, not
// checked into source control.
func New(salt []byte) *Store {
	return &Store{byID: make(map[string]domain.Consent), salt: salt}
}

// Set records or replaces a tourist's consent preference.
func (s *Store) Set(c domain.Consent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.TouristID] = c
}

// Get returns a tourist's recorded consent, or ok=false if none exists.
func (s *Store) Get(touristID string) (domain.Consent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[touristID]
	return c, ok
}

// Decision is the result of checking a tourist's consent before
// ingesting a fix.
type Decision struct {
	Allow         bool
	Anonymize     bool
	RetentionDays int
}

// MaxRetentionDays caps a record's retention budget; a record with no
// usable value falls back to the cap rather than being kept forever.
const MaxRetentionDays = 365

// Check returns whether a fix from touristID may be ingested and, if
// so, whether it must be anonymized and how long its history row may be
// retained. Absence of a consent record, or a record with
// LocationSharing disabled, is ConsentRequired.
func (s *Store) Check(touristID string) (Decision, error) {
	c, ok := s.Get(touristID)
	if !ok || !c.ConsentGiven || !c.LocationSharing {
		return Decision{}, domain.ConsentRequired("location sharing consent has not been granted")
	}
	retention := c.RetentionDays
	if retention < 1 || retention > MaxRetentionDays {
		retention = MaxRetentionDays
	}
	return Decision{Allow: true, Anonymize: c.Anonymize, RetentionDays: retention}, nil
}

// Anonymize returns a copy of f with coordinates rounded to 2 decimal
// places (roughly 1.1km of ambiguity at the equator) and identifying
// strings stripped, per the engine's anonymization contract.
func (s *Store) Anonymize(f domain.Fix) domain.Fix {
	out := f
	out.Latitude = roundTo(f.Latitude, 2)
	out.Longitude = roundTo(f.Longitude, 2)
	out.DeviceInfo = ""
	out.NetworkInfo = ""
	return out
}

// AnonymizedTouristID returns a stable, salted hash of touristID
// suitable for use in place of the raw id wherever an anonymized fix is
// stored or fanned out. It is stable for a given (salt, touristID) pair
// so repeated fixes from the same tourist can still be correlated
// without revealing the underlying id.
func (s *Store) AnonymizedTouristID(touristID string) string {
	mac := hmac.New(sha256.New, s.salt)
	_, _ = mac.Write([]byte(touristID))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// AnonymizedDisplayName reduces a display name to its first character
// followed by asterisks, e.g. "Alexandra" -> "A********".
func AnonymizedDisplayName(name string) string {
	runes := []rune(name)
	if len(runes) == 0 {
		return ""
	}
	out := make([]rune, len(runes))
	out[0] = runes[0]
	for i := 1; i < len(runes); i++ {
		out[i] = '*'
	}
	return string(out)
}

func roundTo(v float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(v*mult) / mult
}
