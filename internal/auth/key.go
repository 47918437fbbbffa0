package auth

import (
	"encoding/json"
	"fmt"
	"os"
)

// googleTokenURL is the default OAuth2 token endpoint for service accounts.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// ServiceAccountKey is the subset of a Google service-account key file
// needed for the JWT-bearer grant.
type ServiceAccountKey struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// LoadKey reads a service-account key JSON from the configured path.
func LoadKey(path string) (*ServiceAccountKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read key file %s: %w", path, err)
	}

	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("cannot parse key file %s: %w", path, err)
	}

	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("key file %s: client_email and private_key are required", path)
	}
	if key.TokenURI == "" {
		key.TokenURI = googleTokenURL
	}

	return &key, nil
}
