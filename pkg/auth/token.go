package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SystemTokenTTL bounds how long a minted CI credential stays valid; long
// enough for a job to fetch its tree and post artifacts, short enough to not
// outlive the pipeline by much.
const SystemTokenTTL = 15 * time.Minute

const (
	systemUsername = "plectr-ci-system"
	systemEmail    = "ci@plectr.internal"
)

// MintSystemToken issues a short-lived credential injected into job_request
// messages so runners can call back into the HTTP surface.
func MintSystemToken(secret []byte) (string, error) {
	claims := &Claims{
		PreferredUsername: systemUsername,
		Email:             systemEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(SystemTokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign system token: %w", err)
	}
	return token, nil
}
