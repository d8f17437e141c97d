package access

import (
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/qvarnlabs/qvarn/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware.
type JwtMiddlewareBuilder struct {
	// PublicKeyPEM is the PEM-encoded RSA public key tokens are
	// verified against.
	PublicKeyPEM string
	// Issuer is the accepted issuer for the token.
	Issuer string
	// Audience is the accepted audience for the token.
	Audience string
}

// headerAccessBy names the effective user for trusted clients. Its
// value is a JWT whose sub is the user; the token is not re-verified,
// trusted clients vouch for it.
const headerAccessBy = "Qvarn-Access-By"

type tokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer
// tokens against the configured key, issuer and audience.
//
// The decoded claims are stored in the request context. GET /version is
// the single route served without a token; every other request without
// a valid token is answered with http.StatusUnauthorized.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) (mux.MiddlewareFunc, error) {
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(jmb.PublicKeyPEM))
	if err != nil {
		return nil, err
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/version" {
				h.ServeHTTP(w, r)
				return
			}
			rlog := logger.FromContext(r.Context())

			tokenString := bearerToken(r)
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := verify(tokenString, publicKey, jmb.Issuer, jmb.Audience)
			if err != nil {
				rlog.Infoln("token rejected:", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.HasScope(ScopeTrustedClient) {
				if accessToken := r.Header.Get(headerAccessBy); accessToken != "" {
					claims.AccessBy = unverifiedSubject(accessToken)
				}
			}
			ctx := ContextWithClaims(r.Context(), claims)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, claims.Subject)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 8 && strings.EqualFold(bearer[:7], "bearer ") {
		return bearer[7:]
	}
	return ""
}

func verify(tokenString string, key *rsa.PublicKey, issuer, audience string) (*Claims, error) {
	var claims tokenClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
	_, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	if issuer != "" && !claims.VerifyIssuer(issuer, true) {
		return nil, jwt.ErrTokenInvalidIssuer
	}
	if audience != "" && !claims.VerifyAudience(audience, true) {
		return nil, jwt.ErrTokenInvalidAudience
	}
	decoded := &Claims{
		Subject: claims.Subject,
		Scopes:  SplitScopes(claims.Scope),
	}
	if len(claims.Audience) > 0 {
		decoded.Audience = claims.Audience[0]
	}
	return decoded, nil
}

// unverifiedSubject extracts the sub of a token without verifying its
// signature.
func unverifiedSubject(tokenString string) string {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
