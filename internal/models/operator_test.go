package models

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestShake256Hex(t *testing.T) {
	t.Parallel()

	if got := Shake256Hex("", 16); got != "" {
		t.Errorf("empty input = %q", got)
	}
	a, b := Shake256Hex("hello", 16), Shake256Hex("hello", 16)
	if a != b || len(a) != 32 {
		t.Errorf("Shake256Hex(hello) = %q / %q", a, b)
	}
	if Shake256Hex("world", 16) == a {
		t.Error("different inputs collide")
	}
}

func TestGenSecret(t *testing.T) {
	t.Parallel()

	s, err := GenSecret(secretLength)
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != secretLength {
		t.Errorf("len = %d", len(s))
	}
	for _, r := range s {
		if !strings.ContainsRune(secretAlphabet, r) {
			t.Fatalf("unexpected rune %q", r)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	op := &Operator{ID: 1, Name: "alice", Password: "$2a$10$hash"}
	token, err := CreateToken(op, "secret")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := VerifyToken(token, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Operator != "alice" || claims.H != Shake256Hex(op.Password, shake256Length) {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := VerifyToken(token, "other"); err == nil {
		t.Error("token verified with the wrong secret")
	}
}

func TestVerifyTokenRejectsExpiredAndUnsigned(t *testing.T) {
	t.Parallel()

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		Operator: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	s, err := expired.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyToken(s, "secret"); err == nil {
		t.Error("expired token accepted")
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{Operator: "alice"})
	s, err = noExp.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyToken(s, "secret"); err == nil {
		t.Error("token without expiry accepted")
	}
}
