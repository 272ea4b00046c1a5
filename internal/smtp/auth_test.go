package smtp

import (
	"encoding/base64"
	"errors"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func testAuthenticator() *Authenticator {
	return NewAuthenticator(true, []Credential{
		{Username: "Printer", Password: "s3cret"},
		{Username: "scanner", Password: "other"},
	})
}

func TestAuthenticator_Required(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		auth *Authenticator
		want bool
	}{
		{name: "required", auth: testAuthenticator(), want: true},
		{name: "not required", auth: NewAuthenticator(false, nil), want: false},
		{name: "nil", auth: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.auth.Required(); got != tt.want {
				t.Errorf("Required(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		wantUser string
		wantErr  error
	}{
		{name: "exact", username: "Printer", password: "s3cret", wantUser: "Printer"},
		{name: "username case-insensitive", username: "PRINTER", password: "s3cret", wantUser: "Printer"},
		{name: "second credential", username: "scanner", password: "other", wantUser: "scanner"},
		{name: "password case-sensitive", username: "printer", password: "S3CRET", wantErr: ErrBadCredentials},
		{name: "password of other user", username: "printer", password: "other", wantErr: ErrBadCredentials},
		{name: "unknown user", username: "nobody", password: "s3cret", wantErr: ErrBadCredentials},
		{name: "empty", wantErr: ErrBadCredentials},
	}

	auth := testAuthenticator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := auth.Verify(tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error: got %v, want %v", err, tt.wantErr)
			}
			if got != tt.wantUser {
				t.Errorf("username: got %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		encoded  string
		wantUser string
		wantErr  error
	}{
		{name: "no authzid", encoded: b64("\x00printer\x00s3cret"), wantUser: "Printer"},
		{name: "with authzid", encoded: b64("admin\x00printer\x00s3cret"), wantUser: "Printer"},
		{name: "wrong password", encoded: b64("\x00printer\x00nope"), wantErr: ErrBadCredentials},
		{name: "invalid base64", encoded: "!!!not-base64", wantErr: ErrMalformedAuth},
		{name: "missing field", encoded: b64("printer\x00s3cret"), wantErr: ErrMalformedAuth},
	}

	auth := testAuthenticator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := auth.VerifyPlain(tt.encoded)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error: got %v, want %v", err, tt.wantErr)
			}
			if got != tt.wantUser {
				t.Errorf("username: got %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		user     string
		pass     string
		wantUser string
		wantErr  error
	}{
		{name: "success", user: b64("scanner"), pass: b64("other"), wantUser: "scanner"},
		{name: "wrong password", user: b64("scanner"), pass: b64("s3cret"), wantErr: ErrBadCredentials},
		{name: "invalid base64 user", user: "%%%", pass: b64("other"), wantErr: ErrMalformedAuth},
		{name: "invalid base64 pass", user: b64("scanner"), pass: "%%%", wantErr: ErrMalformedAuth},
	}

	auth := testAuthenticator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := auth.VerifyLogin(tt.user, tt.pass)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error: got %v, want %v", err, tt.wantErr)
			}
			if got != tt.wantUser {
				t.Errorf("username: got %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestNewAuthenticator_SkipsEmptyUsernames(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator(true, []Credential{{Username: "", Password: ""}})
	if _, err := auth.Verify("", ""); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("empty credential must never match, got %v", err)
	}
}
