package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Type discriminates the credential variants a file may hold.
type Type string

const (
	TypeOAuth  Type = "oauth"
	TypeAPIKey Type = "api_key"
	TypeCert   Type = "cert"
)

// Credential is the parsed content of a credential file.
type Credential struct {
	Type Type `json:"type" yaml:"type"`

	// OAuth
	AccessToken  string `json:"access_token,omitempty" yaml:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty" yaml:"refresh_token"`
	ExpiryMS     int64  `json:"expiry_ms,omitempty" yaml:"expiry_ms"` // unix millis, 0 = unknown

	// API key
	Key       string `json:"key,omitempty" yaml:"key"`
	ExpiresAt int64  `json:"expires_at,omitempty" yaml:"expires_at"` // unix seconds, 0 = never

	// Cert
	CertPath string `json:"cert_path,omitempty" yaml:"cert_path"`
	KeyPath  string `json:"key_path,omitempty" yaml:"key_path"`
}

// ParseFile reads and parses a credential file. JSON is tried first, then
// YAML, matching the file formats backends actually produce.
func ParseFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	var cred Credential
	if jsonErr := json.Unmarshal(data, &cred); jsonErr != nil {
		if yamlErr := yaml.Unmarshal(data, &cred); yamlErr != nil {
			return nil, fmt.Errorf("credential file is neither valid JSON (%v) nor YAML (%v)", jsonErr, yamlErr)
		}
	}
	return &cred, nil
}

// ValidateStructure checks fields required by the credential's type.
func (c *Credential) ValidateStructure() []string {
	var problems []string
	switch c.Type {
	case TypeOAuth:
		if c.AccessToken == "" && c.RefreshToken == "" {
			problems = append(problems, "oauth credential needs access_token or refresh_token")
		}
	case TypeAPIKey:
		if c.Key == "" {
			problems = append(problems, "api_key credential needs key")
		}
	case TypeCert:
		if c.CertPath == "" || c.KeyPath == "" {
			problems = append(problems, "cert credential needs cert_path and key_path")
		}
		if c.CertPath != "" {
			if _, err := os.Stat(c.CertPath); err != nil {
				problems = append(problems, fmt.Sprintf("cert_path: %v", err))
			}
		}
		if c.KeyPath != "" {
			if _, err := os.Stat(c.KeyPath); err != nil {
				problems = append(problems, fmt.Sprintf("key_path: %v", err))
			}
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown credential type %q", c.Type))
	}
	return problems
}

// Expired reports whether the credential is past its expiry at the given
// instant. Credentials without an expiry never expire.
func (c *Credential) Expired(now time.Time) bool {
	switch c.Type {
	case TypeOAuth:
		return c.ExpiryMS > 0 && now.UnixMilli() >= c.ExpiryMS
	case TypeAPIKey:
		return c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt
	default:
		return false
	}
}

// NearExpiry reports whether the credential expires within the margin.
func (c *Credential) NearExpiry(now time.Time, margin time.Duration) bool {
	if c.Type != TypeOAuth || c.ExpiryMS <= 0 {
		return false
	}
	return now.Add(margin).UnixMilli() >= c.ExpiryMS
}

// Refreshable reports whether an expired credential can be renewed.
func (c *Credential) Refreshable() bool {
	return c.Type == TypeOAuth && c.RefreshToken != ""
}

// Secret returns the bearer material connectors put on the wire.
func (c *Credential) Secret() string {
	switch c.Type {
	case TypeOAuth:
		return c.AccessToken
	case TypeAPIKey:
		return c.Key
	default:
		return ""
	}
}
