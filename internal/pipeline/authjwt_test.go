package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/transport"
)

func newHSAuth(t *testing.T) *AuthJWT {
	t.Helper()
	a, err := NewAuthJWT(config.JWTConfig{
		Secret:    "test-secret-for-auth",
		Algorithm: "HS256",
		Issuer:    "gantry-test",
		TTL:       time.Minute,
		TagsClaim: "tags",
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAuthJWTMintAndVerify(t *testing.T) {
	a := newHSAuth(t)

	token, expires, err := a.Mint("user-7", []string{"user", "admin"}, map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(expires) <= 0 {
		t.Fatal("minted token already expired")
	}

	auth, err := a.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Identity != "user-7" {
		t.Fatalf("identity = %q, want user-7", auth.Identity)
	}
	if len(auth.Tags) != 2 || auth.Tags[0] != "user" || auth.Tags[1] != "admin" {
		t.Fatalf("tags = %v", auth.Tags)
	}
	if auth.Backend != "jwt" {
		t.Fatalf("backend = %q", auth.Backend)
	}
}

func TestAuthJWTWrapAttachesPrincipal(t *testing.T) {
	a := newHSAuth(t)
	token, _, err := a.Mint("user-1", []string{"user"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got *transport.AuthInfo
	h := a.Wrap(func(ctx context.Context, req *transport.Request) error {
		got = req.Auth
		return nil
	})

	req := newReq(t, "GET", "/x", map[string]string{"Authorization": "Bearer " + token})
	run(t, h, req)

	if got == nil || got.Identity != "user-1" {
		t.Fatalf("auth = %+v, want user-1", got)
	}
	if !req.HasAuthTag("user") {
		t.Fatal("auth tag not merged onto request")
	}
}

func TestAuthJWTAnonymousPassThrough(t *testing.T) {
	a := newHSAuth(t)
	called := false
	h := a.Wrap(func(ctx context.Context, req *transport.Request) error {
		called = true
		if req.Auth != nil {
			t.Fatalf("unexpected principal %+v", req.Auth)
		}
		return nil
	})
	run(t, h, newReq(t, "GET", "/x", nil))
	if !called {
		t.Fatal("anonymous request blocked")
	}
}

func TestAuthJWTRejectsBadToken(t *testing.T) {
	a := newHSAuth(t)
	h := a.Wrap(func(ctx context.Context, req *transport.Request) error {
		t.Fatal("handler ran with invalid token")
		return nil
	})

	req := newReq(t, "GET", "/x", map[string]string{"Authorization": "Bearer garbage.token.here"})
	err := h(context.Background(), req)
	if errkind.KindOf(err) != errkind.NotAuthenticated {
		t.Fatalf("err = %v, want NotAuthenticated", err)
	}
}

func TestAuthJWTRejectsWrongIssuer(t *testing.T) {
	minter, err := NewAuthJWT(config.JWTConfig{
		Secret: "test-secret-for-auth", Algorithm: "HS256",
		Issuer: "someone-else", TTL: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := minter.Mint("user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	a := newHSAuth(t)
	if _, err := a.Verify(token); errkind.KindOf(err) != errkind.NotAuthenticated {
		t.Fatalf("wrong-issuer verify err = %v, want NotAuthenticated", err)
	}
}

func TestTokenFrom(t *testing.T) {
	req := newReq(t, "GET", "/x?token=query-token", nil)
	if got := TokenFrom(req.Header, req.Query); got != "query-token" {
		t.Fatalf("query extraction = %q", got)
	}

	req = newReq(t, "GET", "/x", map[string]string{"Authorization": "Bearer abc"})
	if got := TokenFrom(req.Header, req.Query); got != "abc" {
		t.Fatalf("header extraction = %q", got)
	}

	// Basic auth is not ours to consume.
	req = newReq(t, "GET", "/x", map[string]string{"Authorization": "Basic dXNlcjpwdw=="})
	if got := TokenFrom(req.Header, req.Query); got != "" {
		t.Fatalf("extraction = %q, want empty for non-bearer scheme", got)
	}
}
