package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// DiscoverKeysURL resolves the issuer's signing key endpoint through OIDC
// discovery. The issuer in the discovery document must match exactly.
func DiscoverKeysURL(ctx context.Context, issuer string, client *http.Client) (string, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", issuer, err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("discover %s: %w", issuer, err)
	}
	if meta.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}
	return meta.JWKSURI, nil
}
