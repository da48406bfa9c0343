package auth

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

// ResolveClientSecret returns secret when set, otherwise looks the secret up in the OS
// keyring under (service, clientID). Pipelines pass the secret through the environment;
// the keyring covers runs from a developer workstation.
func ResolveClientSecret(service, clientID, secret string) (string, error) {
	if secret != "" {
		return secret, nil
	}
	if service == "" || clientID == "" {
		return "", fmt.Errorf("%w: no client secret configured", ErrAuth)
	}
	s, err := keyring.Get(service, clientID)
	if err != nil {
		return "", fmt.Errorf("%w: keyring lookup %s/%s: %v", ErrAuth, service, clientID, err)
	}
	return s, nil
}

// StoreClientSecret saves a secret for later keyring lookups.
func StoreClientSecret(service, clientID, secret string) error {
	return keyring.Set(service, clientID, secret)
}
