// -----------------------------------------------------------------------
// Token Service - JWT access/refresh bundles and verification
// -----------------------------------------------------------------------

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/common"
	"github.com/ternarybob/toolbox/internal/models"
)

// Token type values carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenService mints and verifies the access/refresh JWT pair. Key
// material is parsed once at construction; the service is safe for
// concurrent use.
type TokenService struct {
	issuer     string
	method     jwt.SigningMethod
	signKey    interface{}
	verifyKey  interface{}
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenService parses the configured algorithm and key material. HS*
// algorithms sign and verify with the shared secret; RS*/ES* use the PEM
// keypair from config.
func NewTokenService(config *common.AuthConfig) (*TokenService, error) {
	alg := strings.ToUpper(config.JWTAlgorithm)
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("unsupported JWT algorithm %q", config.JWTAlgorithm)
	}

	service := &TokenService{
		issuer:     config.Issuer,
		method:     method,
		accessTTL:  time.Duration(config.AccessTokenTTLSeconds) * time.Second,
		refreshTTL: time.Duration(config.RefreshTokenTTLSeconds) * time.Second,
	}

	switch {
	case strings.HasPrefix(alg, "HS"):
		secret := []byte(config.JWTSecret)
		service.signKey = secret
		service.verifyKey = secret
	case strings.HasPrefix(alg, "RS"):
		private, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(config.JWTPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("invalid RSA private key: %w", err)
		}
		public, err := jwt.ParseRSAPublicKeyFromPEM([]byte(config.JWTPublicKey))
		if err != nil {
			return nil, fmt.Errorf("invalid RSA public key: %w", err)
		}
		service.signKey = private
		service.verifyKey = public
	case strings.HasPrefix(alg, "ES"):
		private, err := jwt.ParseECPrivateKeyFromPEM([]byte(config.JWTPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("invalid EC private key: %w", err)
		}
		public, err := jwt.ParseECPublicKeyFromPEM([]byte(config.JWTPublicKey))
		if err != nil {
			return nil, fmt.Errorf("invalid EC public key: %w", err)
		}
		service.signKey = private
		service.verifyKey = public
	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", config.JWTAlgorithm)
	}

	return service, nil
}

// NewSessionID derives the session identifier embedded in both tokens of a
// bundle.
func (t *TokenService) NewSessionID(userID string) string {
	return fmt.Sprintf("%s:%d", userID, time.Now().UTC().Unix())
}

func (t *TokenService) encode(claims jwt.MapClaims, ttl time.Duration, tokenType string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims["iss"] = t.issuer
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = expiresAt.Unix()
	claims["jti"] = uuid.New().String()
	claims["typ"] = tokenType

	token := jwt.NewWithClaims(t.method, claims)
	signed, err := token.SignedString(t.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, expiresAt, nil
}

// IssueBundle mints the access/refresh pair for a user. The refresh token
// carries the extra token_use claim consumed by the refresh flow.
func (t *TokenService) IssueBundle(userID string, roles []string, provider, sessionID, displayName string) (*models.TokenBundle, error) {
	if roles == nil {
		roles = []string{}
	}

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub":      userID,
			"roles":    roles,
			"sid":      sessionID,
			"provider": provider,
			"name":     displayName,
		}
	}

	accessToken, accessExpires, err := t.encode(base(), t.accessTTL, TokenTypeAccess)
	if err != nil {
		return nil, err
	}

	refreshClaims := base()
	refreshClaims["token_use"] = TokenTypeRefresh
	refreshToken, refreshExpires, err := t.encode(refreshClaims, t.refreshTTL, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	return &models.TokenBundle{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpires,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpires,
		SessionID:        sessionID,
		TokenType:        "bearer",
	}, nil
}

// Decode verifies signature, issuer, and time claims, returning the
// normalized claims. Expired tokens surface as "Token expired"; every
// other failure collapses to "Token validation failed".
func (t *TokenService) Decode(token string) (*models.Claims, error) {
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (interface{}, error) {
		return t.verifyKey, nil
	},
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.New(apperrors.KindUnauthorized, "Token expired")
		}
		return nil, apperrors.Wrap(apperrors.KindUnauthorized, err, "Token validation failed")
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.New(apperrors.KindUnauthorized, "Token validation failed")
	}
	return claimsFromMap(mapClaims), nil
}

// DecodeLenient verifies only the signature, ignoring time claims. Logout
// uses it to attribute the action even when the token already expired.
func (t *TokenService) DecodeLenient(token string) (*models.Claims, error) {
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (interface{}, error) {
		return t.verifyKey, nil
	},
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnauthorized, err, "Token validation failed")
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.New(apperrors.KindUnauthorized, "Token validation failed")
	}
	return claimsFromMap(mapClaims), nil
}

// DecodeAccess verifies a token and requires typ=access.
func (t *TokenService) DecodeAccess(token string) (*models.Claims, error) {
	claims, err := t.Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, apperrors.New(apperrors.KindUnauthorized, "Invalid token type")
	}
	return claims, nil
}

// DecodeRefresh verifies a token and requires both typ=refresh and
// token_use=refresh, so an access token can never rotate a session.
func (t *TokenService) DecodeRefresh(token string) (*models.Claims, error) {
	claims, err := t.Decode(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh || claims.TokenUse != TokenTypeRefresh {
		return nil, apperrors.New(apperrors.KindUnauthorized, "Invalid token type")
	}
	return claims, nil
}

func claimsFromMap(m jwt.MapClaims) *models.Claims {
	claims := &models.Claims{Roles: []string{}}
	if sub, ok := m["sub"].(string); ok {
		claims.Subject = sub
	}
	if sid, ok := m["sid"].(string); ok {
		claims.SessionID = sid
	}
	if provider, ok := m["provider"].(string); ok {
		claims.Provider = provider
	}
	if name, ok := m["name"].(string); ok {
		claims.Name = name
	}
	if typ, ok := m["typ"].(string); ok {
		claims.TokenType = typ
	}
	if use, ok := m["token_use"].(string); ok {
		claims.TokenUse = use
	}
	if jti, ok := m["jti"].(string); ok {
		claims.JTI = jti
	}
	if exp, ok := m["exp"].(float64); ok {
		claims.ExpiresAt = int64(exp)
	}
	if raw, ok := m["roles"].([]interface{}); ok {
		for _, item := range raw {
			if role, isString := item.(string); isString {
				claims.Roles = append(claims.Roles, role)
			}
		}
	}
	return claims
}

// HashToken returns the SHA-256 hex digest sessions store instead of the
// raw refresh token.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
