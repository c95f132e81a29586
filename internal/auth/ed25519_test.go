package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/debemdeboas/kbpreview/internal/auth/testdata"
	"github.com/debemdeboas/kbpreview/internal/config"
	"github.com/debemdeboas/kbpreview/internal/model"
)

func newTestProvider(t *testing.T) *Ed25519AuthProvider {
	t.Helper()
	p, err := NewEd25519AuthProvider(testdata.PublicKeyPEM, "Authorization", testdata.Editor)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	p.setChallenge(testdata.Challenge)
	return p
}

func signChallenge(t *testing.T, challenge []byte) string {
	t.Helper()
	block, _ := pem.Decode([]byte(testdata.PrivateKeyPEM))
	if block == nil {
		t.Fatal("Failed to decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key.(ed25519.PrivateKey), challenge))
}

func ecdsaPublicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate ECDSA key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal ECDSA key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestNewEd25519AuthProvider(t *testing.T) {
	testCases := []struct {
		name      string
		publicKey string
		errorMsg  string
	}{
		{name: "Ed25519 key", publicKey: testdata.PublicKeyPEM},
		{name: "Not PEM", publicKey: "not-a-pem", errorMsg: "failed to parse PEM block containing the public key"},
		{name: "ECDSA key", publicKey: ecdsaPublicKeyPEM(t), errorMsg: "key is not an Ed25519 public key"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewEd25519AuthProvider(tc.publicKey, "X-Signature", testdata.Editor)
			if tc.errorMsg != "" {
				if err == nil || err.Error() != tc.errorMsg {
					t.Fatalf("Expected error %q, got %v", tc.errorMsg, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if p.headerName != "X-Signature" || p.userID != testdata.Editor {
				t.Errorf("Unexpected provider fields: header %q, user %q", p.headerName, p.userID)
			}
			if p.cookieName != config.CookieAuthToken {
				t.Errorf("Expected cookie %q, got %q", config.CookieAuthToken, p.cookieName)
			}
			if len(p.GetChallenge()) != 32 {
				t.Errorf("Expected a 32 byte challenge, got %d", len(p.GetChallenge()))
			}
		})
	}
}

func TestWithHeaderAuthorization(t *testing.T) {
	p := newTestProvider(t)
	valid := signChallenge(t, testdata.Challenge)

	testCases := []struct {
		name   string
		header string
		cookie string
		signed bool
	}{
		{name: "Signed header", header: valid, signed: true},
		{name: "Signed cookie", cookie: valid, signed: true},
		{name: "Header wins over a bad cookie", header: valid, cookie: "bogus", signed: true},
		{name: "Bad header hides a good cookie", header: "bogus", cookie: valid},
		{name: "Signature of another challenge", header: signChallenge(t, []byte("other"))},
		{name: "Anonymous"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/editor/publish", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: config.CookieAuthToken, Value: tc.cookie})
			}

			var got model.UserID
			var ok bool
			rr := httptest.NewRecorder()
			p.WithHeaderAuthorization()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, ok = UserIDFromContext(r.Context())
			})).ServeHTTP(rr, req)

			if ok != tc.signed {
				t.Fatalf("Expected signed=%v, got %v (user %q)", tc.signed, ok, got)
			}
			if tc.signed && got != testdata.Editor {
				t.Errorf("Expected user %q, got %q", testdata.Editor, got)
			}
			if rr.Code != http.StatusOK {
				t.Errorf("Middleware must not block, got %d", rr.Code)
			}
		})
	}
}

func TestEnforceUserAndGetID(t *testing.T) {
	p := newTestProvider(t)

	t.Run("Signed in", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(ContextWithUserID(context.Background(), testdata.Editor))
		rr := httptest.NewRecorder()

		userID, err := p.EnforceUserAndGetID(rr, req)
		if err != nil || userID != testdata.Editor {
			t.Fatalf("Expected %q, got %q, %v", testdata.Editor, userID, err)
		}
		if rr.Body.Len() != 0 {
			t.Errorf("Expected nothing written, got %q", rr.Body.String())
		}
	})

	t.Run("Anonymous", func(t *testing.T) {
		rr := httptest.NewRecorder()
		_, err := p.EnforceUserAndGetID(rr, httptest.NewRequest(http.MethodPost, "/", nil))
		if !errors.Is(err, ErrNoUser) {
			t.Fatalf("Expected ErrNoUser, got %v", err)
		}
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rr.Code)
		}
		if rr.Header().Get(config.HHxRedirect) != LoginUrlPath {
			t.Errorf("Expected redirect to %s, got %q", LoginUrlPath, rr.Header().Get(config.HHxRedirect))
		}
	})
}

func TestChallengeRotation(t *testing.T) {
	p := newTestProvider(t)

	first := p.GetChallenge()
	first[0] ^= 0xff
	if p.GetChallenge()[0] == first[0] {
		t.Fatal("GetChallenge must return a copy")
	}

	sig, _ := base64.StdEncoding.DecodeString(signChallenge(t, testdata.Challenge))
	if !p.Verify(sig) {
		t.Fatal("Expected signature of the current challenge to verify")
	}
	if err := p.RefreshChallenge(); err != nil {
		t.Fatalf("Unexpected error refreshing challenge: %v", err)
	}
	if string(p.GetChallenge()) == string(testdata.Challenge) {
		t.Error("Expected a new challenge")
	}
	if p.Verify(sig) {
		t.Error("Expected signature of a replaced challenge to be rejected")
	}
	if p.Verify([]byte("short")) {
		t.Error("Expected malformed signature to be rejected")
	}
}

func TestOpenProvider(t *testing.T) {
	p := NewOpenProvider("admin")

	var got model.UserID
	p.WithHeaderAuthorization()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserIDFromContext(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got != "admin" {
		t.Errorf("Expected user admin in context, got %q", got)
	}

	rr := httptest.NewRecorder()
	userID, err := p.EnforceUserAndGetID(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if err != nil || userID != "admin" {
		t.Errorf("Expected every request to be allowed, got %q, %v", userID, err)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("Expected no response to be written, got %d", rr.Code)
	}
}
