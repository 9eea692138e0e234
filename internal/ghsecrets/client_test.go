package ghsecrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPublicKeyFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/photos/actions/secrets/public-key" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghp_test" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github.v3+json" {
			t.Errorf("accept = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":"dGVzdC1rZXk=","key_id":"42"}`))
	}))
	defer srv.Close()

	c := NewClient("ghp_test", WithBaseURL(srv.URL))
	key, err := c.PublicKey(context.Background(), "acme", "photos")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.Key != "dGVzdC1rZXk=" || key.KeyID != "42" {
		t.Fatalf("key = %+v", key)
	}
}

func TestPublicKeyAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	}))
	defer srv.Close()

	c := NewClient("ghp_bad", WithBaseURL(srv.URL))
	_, err := c.PublicKey(context.Background(), "acme", "photos")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestPublicKeyMissingKeyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"key":"dGVzdC1rZXk="}`))
	}))
	defer srv.Close()

	c := NewClient("ghp_test", WithBaseURL(srv.URL))
	_, err := c.PublicKey(context.Background(), "acme", "photos")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestPutSecretUpsert(t *testing.T) {
	type putBody struct {
		EncryptedValue string `json:"encrypted_value"`
		KeyID          string `json:"key_id"`
	}
	var puts []putBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %q", r.Method)
		}
		if r.URL.Path != "/repos/acme/photos/actions/secrets/AWS_REGION" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body putBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		puts = append(puts, body)
		// First call creates, the second replaces.
		if len(puts) == 1 {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient("ghp_test", WithBaseURL(srv.URL))
	for range 2 {
		if err := c.PutSecret(context.Background(), "acme", "photos", "AWS_REGION", "Y2lwaGVy", "42"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(puts) != 2 {
		t.Fatalf("puts = %d, want 2", len(puts))
	}
	for _, body := range puts {
		if body.KeyID != "42" || body.EncryptedValue != "Y2lwaGVy" {
			t.Fatalf("body = %+v", body)
		}
	}
}

func TestPutSecretFailureCarriesStoreMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer srv.Close()

	c := NewClient("ghp_test", WithBaseURL(srv.URL))
	err := c.PutSecret(context.Background(), "acme", "photos", "AWS_REGION", "Y2lwaGVy", "42")
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("err = %v, want ErrPublishFailed", err)
	}
	if got := err.Error(); !strings.Contains(got, "Validation Failed") {
		t.Fatalf("error %q does not carry store message", got)
	}
}

func TestPutSecretRetriesTransientFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient("ghp_test", WithBaseURL(srv.URL))
	c.http.RetryWaitMin = 0
	c.http.RetryWaitMax = 0
	if err := c.PutSecret(context.Background(), "acme", "photos", "AWS_REGION", "Y2lwaGVy", "42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
