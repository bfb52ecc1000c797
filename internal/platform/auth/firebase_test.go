package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubFirebaseClient struct {
	token   *firebaseauth.Token
	err     error
	plain   int
	revoked int
}

func (s *stubFirebaseClient) VerifyIDToken(context.Context, string) (*firebaseauth.Token, error) {
	s.plain++
	return s.token, s.err
}

func (s *stubFirebaseClient) VerifyIDTokenAndCheckRevoked(context.Context, string) (*firebaseauth.Token, error) {
	s.revoked++
	return s.token, s.err
}

func TestFirebaseVerifierRevocationCheck(t *testing.T) {
	client := &stubFirebaseClient{token: &firebaseauth.Token{UID: "buyer-1"}}

	token, err := newFirebaseVerifier(client).VerifyIDToken(context.Background(), "tok")
	if err != nil || token.UID != "buyer-1" {
		t.Fatalf("verify: token=%+v err=%v", token, err)
	}
	if client.plain != 1 || client.revoked != 0 {
		t.Fatalf("expected plain verification by default, got plain=%d revoked=%d", client.plain, client.revoked)
	}

	if _, err := newFirebaseVerifier(client, WithRevocationCheck(true)).VerifyIDToken(context.Background(), "tok"); err != nil {
		t.Fatalf("verify with revocation check: %v", err)
	}
	if client.plain != 1 || client.revoked != 1 {
		t.Fatalf("expected revocation-aware verification, got plain=%d revoked=%d", client.plain, client.revoked)
	}
}

func TestFirebaseVerifierPassesUnclassifiedErrors(t *testing.T) {
	backendErr := errors.New("auth backend unreachable")
	verifier := newFirebaseVerifier(&stubFirebaseClient{err: backendErr})

	if _, err := verifier.VerifyIDToken(context.Background(), "tok"); !errors.Is(err, backendErr) {
		t.Fatalf("expected backend error, got %v", err)
	}
	var nilVerifier *FirebaseVerifier
	if _, err := nilVerifier.VerifyIDToken(context.Background(), "tok"); err == nil {
		t.Fatal("expected error from uninitialised verifier")
	}
}

func TestRequireFirebaseAuthRejectsRevokedSession(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{err: ErrTokenRevoked})
	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for a revoked session")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1:pay", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `"token_revoked"`) {
		t.Fatalf("expected token_revoked code, got %s", body)
	}
}

