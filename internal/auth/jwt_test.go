package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// newTestKey generates an RSA key pair and returns the private key plus the
// PKIX-encoded public key PEM the validator consumes.
func newTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestNewJWTValidator(t *testing.T) {
	_, publicPEM := newTestKey(t)

	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{
			name:         "valid PKIX public key",
			publicKeyPEM: publicPEM,
			expectError:  false,
		},
		{
			name:         "invalid PEM format",
			publicKeyPEM: "invalid-pem",
			expectError:  true,
		},
		{
			name:         "empty public key",
			publicKeyPEM: "",
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.publicKeyPEM, "test-issuer", "test-audience")

			if tt.expectError {
				if err == nil {
					t.Error("NewJWTValidator() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if validator == nil {
				t.Fatal("NewJWTValidator() should return non-nil validator")
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	key, publicPEM := newTestKey(t)
	otherKey, _ := newTestKey(t)

	validator, err := NewJWTValidator(publicPEM, "test-issuer", "test-audience")
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}

	baseClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": "test-issuer",
			"aud": "test-audience",
			"sub": "oms-batch-job",
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}

	tests := []struct {
		name       string
		token      func() string
		wantCaller string
		expectErr  bool
	}{
		{
			name:       "valid token",
			token:      func() string { return signToken(t, key, baseClaims()) },
			wantCaller: "oms-batch-job",
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := baseClaims()
				c["iss"] = "someone-else"
				return signToken(t, key, c)
			},
			expectErr: true,
		},
		{
			name: "wrong audience",
			token: func() string {
				c := baseClaims()
				c["aud"] = "other-api"
				return signToken(t, key, c)
			},
			expectErr: true,
		},
		{
			name: "missing sub claim",
			token: func() string {
				c := baseClaims()
				delete(c, "sub")
				return signToken(t, key, c)
			},
			expectErr: true,
		},
		{
			name: "expired token",
			token: func() string {
				c := baseClaims()
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				return signToken(t, key, c)
			},
			expectErr: true,
		},
		{
			name:      "signed with wrong key",
			token:     func() string { return signToken(t, otherKey, baseClaims()) },
			expectErr: true,
		},
		{
			name: "HMAC signing method rejected",
			token: func() string {
				token := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
				s, err := token.SignedString([]byte("shared-secret"))
				if err != nil {
					t.Fatalf("sign token: %v", err)
				}
				return s
			},
			expectErr: true,
		},
		{
			name:      "garbage token",
			token:     func() string { return "not.a.token" },
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, err := validator.ValidateToken(tt.token())

			if tt.expectErr {
				if err == nil {
					t.Error("ValidateToken() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() unexpected error: %v", err)
			}
			if caller != tt.wantCaller {
				t.Errorf("ValidateToken() caller = %q, want %q", caller, tt.wantCaller)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	key, publicPEM := newTestKey(t)
	validator, err := NewJWTValidator(publicPEM, "test-issuer", "test-audience")
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}

	validToken := signToken(t, key, jwt.MapClaims{
		"iss": "test-issuer",
		"aud": "test-audience",
		"sub": "oms-batch-job",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name       string
		validator  *JWTValidator
		authHeader string
		wantStatus int
		wantCaller string
	}{
		{
			name:       "valid token",
			validator:  validator,
			authHeader: "Bearer " + validToken,
			wantStatus: http.StatusOK,
			wantCaller: "oms-batch-job",
		},
		{
			name:       "missing header",
			validator:  validator,
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "not a bearer token",
			validator:  validator,
			authHeader: "Basic dXNlcjpwYXNz",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid token",
			validator:  validator,
			authHeader: "Bearer garbage",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "nil validator disables auth",
			validator:  nil,
			authHeader: "",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCaller string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotCaller = CallerFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/v1/events", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()

			tt.validator.Middleware(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("middleware status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCaller != "" && gotCaller != tt.wantCaller {
				t.Errorf("caller = %q, want %q", gotCaller, tt.wantCaller)
			}
		})
	}
}
