// Package claims verifies signed claims embedded in an artifact
// (spec §3, §4.A) as JWTs, using the same library fastertools-ftl pulls
// in for its own signed-artifact handling.
package claims

import (
	"fmt"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

// registeredClaims mirrors jwt.RegisteredClaims plus the capability tags
// wasmCloud-style claims embed in the custom section.
type registeredClaims struct {
	jwt.RegisteredClaims
	Tags []string `json:"tags,omitempty"`
}

// Verifier checks a signed claims token against a trusted issuer key.
type Verifier struct {
	keyFunc jwt.Keyfunc
}

// NewVerifier builds a Verifier that validates tokens with keyFunc, the
// standard jwt.Keyfunc used to resolve the signing key by token header
// (kid, alg); callers typically close over a fixed ed25519/HMAC key or a
// small trusted-issuer keyset.
func NewVerifier(keyFunc jwt.Keyfunc) *Verifier {
	return &Verifier{keyFunc: keyFunc}
}

// Verify parses and validates tokenString, returning the decoded Claims.
// An expired or unverifiable token is reported as herr.ClaimsInvalid.
func (v *Verifier) Verify(tokenString string) (*types.Claims, error) {
	var claims registeredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc)
	if err != nil {
		return nil, herr.Wrap(herr.ClaimsInvalid, "claims token failed verification", err)
	}
	if !token.Valid {
		return nil, herr.New(herr.ClaimsInvalid, "claims token is not valid")
	}

	var expiration time.Time
	if claims.ExpiresAt != nil {
		expiration = claims.ExpiresAt.Time
	}

	subject := claims.Subject
	issuer := claims.Issuer
	if subject == "" {
		return nil, herr.New(herr.ClaimsInvalid, "claims token is missing a subject")
	}

	return &types.Claims{
		Subject:    subject,
		Issuer:     issuer,
		Tags:       claims.Tags,
		Expiration: expiration,
	}, nil
}

// CheckExpiration returns herr.ClaimsInvalid if c has expired as of now.
func CheckExpiration(c *types.Claims, now time.Time) error {
	if c.Expired(now) {
		return herr.New(herr.ClaimsInvalid, fmt.Sprintf("claims for %q expired at %s", c.Subject, c.Expiration))
	}
	return nil
}
