package campaigns

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zapblast/zapblast/internal/health"
	"github.com/zapblast/zapblast/internal/pacing"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RetryPolicyConfig is the retry section of campaign config. It is persisted
// as a RetryPolicy row at create time.
type RetryPolicyConfig struct {
	Enabled          bool  `json:"enabled"`
	MaxAttempts      *int  `json:"maxAttempts,omitempty" validate:"omitempty,min=0"`
	BaseDelaySeconds *int  `json:"baseDelaySeconds,omitempty" validate:"omitempty,min=0"`
	BatchSize        *int  `json:"batchSize,omitempty" validate:"omitempty,min=1"`
	HourlyCap        *int  `json:"hourlyCap,omitempty" validate:"omitempty,min=1"`
	WindowedOnly     bool  `json:"windowedOnly"`
	WindowStartHour  *int  `json:"windowStartHour,omitempty" validate:"omitempty,min=0,max=23"`
	WindowEndHour    *int  `json:"windowEndHour,omitempty" validate:"omitempty,min=0,max=24"`
	WindowDays       []int `json:"windowDays,omitempty" validate:"omitempty,dive,min=0,max=6"`
}

// Config is the per-campaign configuration blob. Every field has a safe
// default; unknown fields are rejected at decode time.
type Config struct {
	Shuffle              *bool                `json:"shuffle,omitempty"`
	AccountAge           string               `json:"accountAge,omitempty" validate:"omitempty,oneof=NEW WARMING ESTABLISHED"`
	RespectBusinessHours *bool                `json:"respectBusinessHours,omitempty"`
	BusinessHours        *pacing.WindowConfig `json:"businessHours,omitempty"`
	Pacing               *pacing.Overrides    `json:"pacing,omitempty"`
	SkipPhoneValidation  bool                 `json:"skipPhoneValidation,omitempty"`
	RevalidateOnResume   bool                 `json:"revalidateOnResume,omitempty"`
	AutoResume           bool                 `json:"autoResume,omitempty"`
	MaxAttempts          *int                 `json:"maxAttempts,omitempty" validate:"omitempty,min=0"`
	RetryPolicy          *RetryPolicyConfig   `json:"retryPolicy,omitempty"`
	HealthThresholds     *health.Thresholds   `json:"healthThresholds,omitempty"`
}

// ParseConfig decodes a config blob strictly: unknown fields fail instead of
// silently riding along, the way loose request bodies used to.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrUnknownConfigKey, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// ShuffleEnabled defaults to true.
func (c *Config) ShuffleEnabled() bool {
	return c.Shuffle == nil || *c.Shuffle
}

// RespectWindow defaults to true.
func (c *Config) RespectWindow() bool {
	return c.RespectBusinessHours == nil || *c.RespectBusinessHours
}

// Tier resolves the account-age tier, defaulting to NEW.
func (c *Config) Tier() pacing.Tier {
	return pacing.ParseTier(c.AccountAge)
}

// MessageMaxAttempts defaults to 3.
func (c *Config) MessageMaxAttempts() int {
	if c.MaxAttempts != nil {
		return *c.MaxAttempts
	}
	return 3
}

// BuildRetryPolicy materializes the retry section into a policy row, or nil
// when the section is absent.
func (c *Config) BuildRetryPolicy(campaignID string) *RetryPolicy {
	rc := c.RetryPolicy
	if rc == nil {
		return nil
	}
	p := &RetryPolicy{
		CampaignID:      campaignID,
		Enabled:         rc.Enabled,
		MaxAttempts:     c.MessageMaxAttempts(),
		BaseDelay:       5 * time.Minute,
		BatchSize:       10,
		HourlyCap:       30,
		WindowedOnly:    rc.WindowedOnly,
		WindowStartHour: 9,
		WindowEndHour:   17,
	}
	if rc.MaxAttempts != nil {
		p.MaxAttempts = *rc.MaxAttempts
	}
	if rc.BaseDelaySeconds != nil {
		p.BaseDelay = time.Duration(*rc.BaseDelaySeconds) * time.Second
	}
	if rc.BatchSize != nil {
		p.BatchSize = *rc.BatchSize
	}
	if rc.HourlyCap != nil {
		p.HourlyCap = *rc.HourlyCap
	}
	if rc.WindowStartHour != nil {
		p.WindowStartHour = *rc.WindowStartHour
	}
	if rc.WindowEndHour != nil {
		p.WindowEndHour = *rc.WindowEndHour
	}
	for _, d := range rc.WindowDays {
		p.WindowDays = append(p.WindowDays, time.Weekday(d))
	}
	return p
}
