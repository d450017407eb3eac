package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tanq16/mediaq/internal/utils"
	"golang.org/x/oauth2"
)

type fakePresigner struct {
	bucket, key string
	expires     time.Duration
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.bucket, f.key = *params.Bucket, *params.Key
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://" + f.bucket + ".s3.amazonaws.com/" + f.key + "?X-Amz-Signature=abc", Method: http.MethodGet}, nil
}

func TestResolvePassthrough(t *testing.T) {
	r := NewResolver("", 0)
	got, err := r.Resolve(context.Background(), "https://cdn.example.com/a.mp4?x=1")
	if err != nil || got != "https://cdn.example.com/a.mp4?x=1" {
		t.Errorf("unexpected %q (%v)", got, err)
	}
	if _, err := r.Resolve(context.Background(), "ftp://example.com/a.mp4"); err == nil {
		t.Error("expected unsupported scheme error")
	}
}

func TestResolveS3(t *testing.T) {
	fake := &fakePresigner{}
	r := NewResolver("media", time.Hour)
	r.presigner = fake

	got, err := r.Resolve(context.Background(), "s3://my-bucket/shows/ep1.mkv")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if fake.bucket != "my-bucket" || fake.key != "shows/ep1.mkv" || fake.expires != time.Hour {
		t.Errorf("unexpected presign input %+v", fake)
	}
	if got != "https://my-bucket.s3.amazonaws.com/shows/ep1.mkv?X-Amz-Signature=abc" {
		t.Errorf("unexpected URL %q", got)
	}
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := ParseS3URL("s3://b/dir/file.mp4")
	if err != nil || bucket != "b" || key != "dir/file.mp4" {
		t.Errorf("unexpected %q %q %v", bucket, key, err)
	}
	for _, bad := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3://bucket/dir/"} {
		if _, _, err := ParseS3URL(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSupported(t *testing.T) {
	for raw, want := range map[string]bool{
		"https://example.com/a.mp4": true,
		"http://example.com":        true,
		"s3://bucket/key.mp4":       true,
		"s3://bucket":               false,
		"ftp://example.com/a":       false,
		"not a url":                 false,
	} {
		if got := Supported(raw); got != want {
			t.Errorf("Supported(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestClientCredentialsToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc123","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var gotAuth string
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer media.Close()

	ts, err := TokenSource(context.Background(), AuthConfig{TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret"})
	if err != nil || ts == nil {
		t.Fatalf("TokenSource: %v", err)
	}
	client := utils.NewHTTPClient(utils.HTTPClientConfig{TokenSource: ts})
	req, _ := http.NewRequest(http.MethodGet, media.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer abc123" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}

func TestTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	data, _ := json.Marshal(&oauth2.Token{AccessToken: "filetoken", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)})
	os.WriteFile(path, data, 0600)

	ts, err := TokenSource(context.Background(), AuthConfig{TokenFile: path})
	if err != nil {
		t.Fatalf("TokenSource: %v", err)
	}
	tok, err := ts.Token()
	if err != nil || tok.AccessToken != "filetoken" {
		t.Errorf("unexpected token %+v (%v)", tok, err)
	}

	expired, _ := json.Marshal(&oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)})
	os.WriteFile(path, expired, 0600)
	if _, err := TokenSource(context.Background(), AuthConfig{TokenFile: path}); err == nil {
		t.Error("expected an error for an expired token")
	}

	if ts, err := TokenSource(context.Background(), AuthConfig{}); ts != nil || err != nil {
		t.Error("expected no token source without credentials")
	}
}
