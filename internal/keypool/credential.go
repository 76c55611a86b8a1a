// Package keypool rotates provider credentials under token-bucket, quota and cooldown limits.
package keypool

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider identifies a metered external API.
type Provider string

// Supported providers.
const (
	// ProviderOpenSearch serves document counts.
	ProviderOpenSearch Provider = "opensearch"
	// ProviderAdSearch serves related keywords.
	ProviderAdSearch Provider = "adsearch"
)

// Providers lists every supported provider.
var Providers = []Provider{ProviderOpenSearch, ProviderAdSearch}

// Credential is one set of provider secrets plus its rate and quota limits.
type Credential struct {
	Label    string   `json:"label" mapstructure:"label"`
	Provider Provider `json:"provider" mapstructure:"provider"`

	// OpenSearch secrets.
	ClientID     string `json:"clientId,omitempty" mapstructure:"client_id"`
	ClientSecret string `json:"clientSecret,omitempty" mapstructure:"client_secret"`

	// AdSearch secrets.
	AccessKey  string `json:"accessLicense,omitempty" mapstructure:"access_key"`
	SecretKey  string `json:"secret,omitempty" mapstructure:"secret_key"`
	CustomerID string `json:"customerId,omitempty" mapstructure:"customer_id"`

	QPS   int `json:"qps" mapstructure:"qps"`
	Daily int `json:"daily" mapstructure:"daily"`
}

// Capacity is the token bucket ceiling.
func (c Credential) Capacity() int {
	return 2 * c.QPS
}

// Validate checks the fields required by the credential's provider.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.Label) == "" {
		return fmt.Errorf("credential label is required")
	}
	if c.QPS < 1 {
		return fmt.Errorf("credential %s: qps must be >= 1", c.Label)
	}
	if c.Daily < 1 {
		return fmt.Errorf("credential %s: daily must be >= 1", c.Label)
	}
	switch c.Provider {
	case ProviderOpenSearch:
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("credential %s: client_id and client_secret are required", c.Label)
		}
	case ProviderAdSearch:
		if c.AccessKey == "" || c.SecretKey == "" || c.CustomerID == "" {
			return fmt.Errorf("credential %s: access_key, secret_key and customer_id are required", c.Label)
		}
	default:
		return fmt.Errorf("credential %s: unknown provider %q", c.Label, c.Provider)
	}
	return nil
}

// ParseCredentialsJSON decodes a JSON array of credentials for provider, the format
// used by the NAVER_OPENAPI_KEYS and NAVER_SEARCHAD_KEYS environment variables.
// Entries missing qps or daily default to 1 and 25000.
func ParseCredentialsJSON(provider Provider, raw string) ([]Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var creds []Credential
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("decode %s credentials: %w", provider, err)
	}
	for i := range creds {
		creds[i].Provider = provider
		if creds[i].QPS == 0 {
			creds[i].QPS = 1
		}
		if creds[i].Daily == 0 {
			creds[i].Daily = 25000
		}
	}
	return creds, nil
}
