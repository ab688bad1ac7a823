package pipeline

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/transport"
)

// AuthJWT verifies bearer tokens and attaches the principal to the
// request. Requests without a token pass through anonymous; routes
// that demand auth tags reject them downstream.
type AuthJWT struct {
	alg       string
	method    jwt.SigningMethod
	verifyKey any
	signKey   any
	issuer    string
	ttl       time.Duration
	tagsClaim string
}

// NewAuthJWT loads the signing material. HS algorithms verify and sign
// with the shared secret; RS algorithms verify with the public key and
// sign only when a private key file is configured.
func NewAuthJWT(cfg config.JWTConfig) (*AuthJWT, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", alg)
	}

	a := &AuthJWT{
		alg:       alg,
		method:    method,
		issuer:    cfg.Issuer,
		ttl:       cfg.TTL,
		tagsClaim: cfg.TagsClaim,
	}
	if a.ttl <= 0 {
		a.ttl = time.Hour
	}
	if a.tagsClaim == "" {
		a.tagsClaim = "tags"
	}

	switch {
	case strings.HasPrefix(alg, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("jwt algorithm %s needs a secret", alg)
		}
		key := []byte(cfg.Secret)
		a.verifyKey = key
		a.signKey = key

	case strings.HasPrefix(alg, "RS"):
		if cfg.PublicKeyFile == "" {
			return nil, fmt.Errorf("jwt algorithm %s needs a public key file", alg)
		}
		pub, err := loadRSAPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		a.verifyKey = pub
		if cfg.PrivateKeyFile != "" {
			priv, err := loadRSAPrivateKey(cfg.PrivateKeyFile)
			if err != nil {
				return nil, err
			}
			a.signKey = priv
		}

	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", alg)
	}
	return a, nil
}

func (a *AuthJWT) Name() string { return "auth_jwt" }
func (a *AuthJWT) Order() int   { return OrderAuthJWT }

func (a *AuthJWT) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		if req.Auth != nil {
			// WS messages inherit the principal verified at upgrade.
			return next(ctx, req)
		}
		token := TokenFrom(req.Header, req.Query)
		if token == "" {
			return next(ctx, req)
		}
		auth, err := a.Verify(token)
		if err != nil {
			return err
		}
		req.Auth = auth
		req.AuthTags = append(req.AuthTags, auth.Tags...)
		return next(ctx, req)
	}
}

// TokenFrom extracts a bearer token from the Authorization header or,
// for transports that cannot set headers, the token query parameter.
func TokenFrom(header http.Header, query url.Values) string {
	if h := header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	if query != nil {
		return query.Get("token")
	}
	return ""
}

// Verify parses and validates a token, returning the principal.
func (a *AuthJWT) Verify(token string) (*transport.AuthInfo, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{a.alg})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	tok, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return a.verifyKey, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return nil, errkind.New(errkind.NotAuthenticated, "invalid_token", "token verification failed")
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errkind.New(errkind.NotAuthenticated, "invalid_token", "unexpected claims shape")
	}
	sub, _ := claims.GetSubject()
	return &transport.AuthInfo{
		Identity: sub,
		Tags:     claimTags(claims, a.tagsClaim),
		Backend:  "jwt",
	}, nil
}

// CanMint reports whether signing material is available.
func (a *AuthJWT) CanMint() bool { return a.signKey != nil }

// Mint issues a token for subject carrying the given auth tags plus
// any extra claims. Registered claim names in extra are ignored.
func (a *AuthJWT) Mint(subject string, tags []string, extra map[string]any) (string, time.Time, error) {
	if a.signKey == nil {
		return "", time.Time{}, errkind.New(errkind.NotAvailable, "no_signing_key", "token minting is not configured")
	}
	now := time.Now()
	expires := now.Add(a.ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	if len(tags) > 0 {
		claims[a.tagsClaim] = tags
	}
	for k, v := range extra {
		switch k {
		case "sub", "iat", "exp", "iss", a.tagsClaim:
		default:
			claims[k] = v
		}
	}
	signed, err := jwt.NewWithClaims(a.method, claims).SignedString(a.signKey)
	if err != nil {
		return "", time.Time{}, errkind.Wrap(err, errkind.Internal, "token signing failed")
	}
	return signed, expires, nil
}

func claimTags(claims jwt.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	default:
		return nil
	}
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return key, nil
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse jwt private key: %w", err)
	}
	return key, nil
}
