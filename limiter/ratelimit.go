package limiter

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Known API identifiers seeded at startup
const (
	IdentifierLogin          = "login"
	IdentifierTestDatasource = "test_datasource"
)

// RateLimit describes one quota policy. Values are replaced, never mutated.
type RateLimit struct {
	Identifier     string        `json:"identifier"`
	Limit          int64         `json:"limit"`           // bucket capacity
	RefillAmount   int64         `json:"refill_amount"`   // tokens added per interval, 0 never refills
	RefillInterval time.Duration `json:"refill_interval"` // >= 1ms
}

// NewRateLimit returns a policy that refills the whole capacity every interval
func NewRateLimit(identifier string, limit int64, interval time.Duration) RateLimit {
	return RateLimit{
		Identifier:     identifier,
		Limit:          limit,
		RefillAmount:   limit,
		RefillInterval: interval,
	}
}

// Validate implements validator.Validatable
func (r RateLimit) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Identifier, validation.Required),
		validation.Field(&r.Limit, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.RefillAmount, validation.Min(int64(0)), validation.Max(r.Limit)),
		validation.Field(&r.RefillInterval, validation.Required, validation.Min(time.Millisecond)),
	)
}

// Configuration derives the bucket configuration
func (r RateLimit) Configuration() BucketConfiguration {
	return BucketConfiguration{
		Capacity: r.Limit,
		Refill:   Intervally(r.RefillAmount, r.RefillInterval),
	}
}

// DefaultRateLimits presets for the statically known identifiers
func DefaultRateLimits() []RateLimit {
	return []RateLimit{
		NewRateLimit(IdentifierLogin, 5, 24*time.Hour),
		NewRateLimit(IdentifierTestDatasource, 3, 5*time.Second),
	}
}

// Refill adds Amount tokens at the end of every whole Interval
type Refill struct {
	Amount   int64
	Interval time.Duration
}

// Intervally 按固定间隔整块补充令牌
func Intervally(amount int64, interval time.Duration) Refill {
	return Refill{Amount: amount, Interval: interval}
}

// BucketConfiguration immutable bucket descriptor, comparable with ==
type BucketConfiguration struct {
	Capacity int64
	Refill   Refill
}

// BucketKey addresses a bucket in the store: identifier for the global quota,
// identifier+userID for a per-user quota
func BucketKey(identifier, userID string) string {
	return identifier + userID
}
