package auth

import (
	"net/http"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Claims is the token payload understood by JWT.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwtlib.RegisteredClaims
}

// JWT verifies HMAC-signed bearer tokens and maps their claims to an identity.
type JWT struct {
	secret []byte
}

// NewJWT returns a provider verifying tokens signed with secret.
func NewJWT(secret []byte) *JWT {
	return &JWT{secret: secret}
}

// Identify verifies the request's bearer token.
func (j *JWT) Identify(r *http.Request) (chat.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return chat.Identity{}, ErrNoIdentity
	}

	var claims Claims
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (interface{}, error) {
		return j.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return chat.Identity{}, errors.Wrap(err, "verify token")
	}

	id := chat.Identity{ID: claims.Subject, Name: claims.Name, Email: claims.Email}
	if !id.Known() {
		return chat.Identity{}, ErrNoIdentity
	}
	return id, nil
}

// Issue signs an HS256 token for user, valid for ttl. It is used by the
// terminal client and tests; production tokens come from the auth service.
func (j *JWT) Issue(user chat.Identity, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		Name:  user.Name,
		Email: user.Email,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(j.secret)
}
