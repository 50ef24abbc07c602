package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"outbound-voice/internal/campaigns"
)

// campaignDefaultsFile is the YAML shape of CAMPAIGN_DEFAULTS_FILE:
//
//	defaults:
//	  timezone: America/New_York
//	  pacing:
//	    delay_seconds: 45
//	  business_hours:
//	    enabled: true
//	    days: [0, 1, 2, 3, 4]
//	    start: "09:00"
//	    end: "18:00"
type campaignDefaultsFile struct {
	Defaults campaigns.Settings `yaml:"defaults"`
}

// LoadCampaignDefaults reads campaign settings defaults. An empty path yields
// the built-in defaults. Fields the file leaves out keep their built-in value.
func LoadCampaignDefaults(path string) (campaigns.Settings, error) {
	if path == "" {
		return campaigns.DefaultSettings(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return campaigns.Settings{}, fmt.Errorf("campaign defaults: %w", err)
	}
	return ParseCampaignDefaults(b)
}

func ParseCampaignDefaults(b []byte) (campaigns.Settings, error) {
	var f campaignDefaultsFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return campaigns.Settings{}, fmt.Errorf("campaign defaults: parse: %w", err)
	}
	s := f.Defaults.WithDefaults(campaigns.DefaultSettings())
	if err := s.Validate(); err != nil {
		return campaigns.Settings{}, fmt.Errorf("campaign defaults: %w", err)
	}
	return s, nil
}
