package profile

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// Store implements domain.ClientConfigStore. Profile blobs are parsed as
// YAML, which also accepts the JSON the dispatcher historically produced.
type Store struct {
	validate *validator.Validate
}

// NewStore constructs a profile store.
func NewStore() *Store {
	return &Store{validate: validator.New()}
}

// wireProfile mirrors the blob layout so presence of the sender and policy
// sections can be checked before field validation.
type wireProfile struct {
	CampaignID int                `yaml:"campaign_id"`
	Sender     *domain.Sender     `yaml:"sender"`
	Policy     *domain.SendPolicy `yaml:"policy"`
}

// Transform parses and validates a raw profile blob. All validation
// failures wrap domain.ErrInvalidProfile so worker startup can
// distinguish them from transport problems.
func (s *Store) Transform(raw []byte) (domain.CampaignProfile, error) {
	var w wireProfile
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return domain.CampaignProfile{}, fmt.Errorf("op=profile.transform: %w: %v", domain.ErrInvalidProfile, err)
	}
	if w.Sender == nil {
		return domain.CampaignProfile{}, fmt.Errorf("op=profile.transform: %w: missing sender section", domain.ErrInvalidProfile)
	}
	if w.Policy == nil {
		return domain.CampaignProfile{}, fmt.Errorf("op=profile.transform: %w: missing policy section", domain.ErrInvalidProfile)
	}

	p := domain.CampaignProfile{CampaignID: w.CampaignID, Sender: *w.Sender, Policy: *w.Policy}
	if err := s.validate.Struct(p); err != nil {
		return domain.CampaignProfile{}, fmt.Errorf("op=profile.transform: %w: %v", domain.ErrInvalidProfile, err)
	}
	if err := validatePolicy(p.Policy); err != nil {
		return domain.CampaignProfile{}, fmt.Errorf("op=profile.transform: %w", err)
	}
	return p, nil
}

func validatePolicy(pol domain.SendPolicy) error {
	if pol.MaxDailySends != nil && *pol.MaxDailySends <= 0 {
		return fmt.Errorf("%w: max_daily_sends must be positive, got %d", domain.ErrInvalidProfile, *pol.MaxDailySends)
	}
	for _, d := range pol.SendDaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: send_days_of_week entry %d outside 0..6", domain.ErrInvalidProfile, d)
		}
	}
	for _, hhmm := range []string{pol.SendStart, pol.SendEnd} {
		if hhmm == "" {
			continue
		}
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("%w: bad HH:MM time %q", domain.ErrInvalidProfile, hhmm)
		}
	}
	return nil
}
