package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		BaseURL:       srv.URL,
		ClientVersion: "7561851",
		SiteKey:       "site-key",
		UserAgent:     "replink-test",
	}
}

func TestFetchSuccess(t *testing.T) {
	var gotReq fetchRequest
	var gotCookie string
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if ck, err := r.Cookie("connect.sid"); err == nil {
			gotCookie = ck.Value
		}
		if r.Header.Get("X-Requested-With") != "replink-test" {
			t.Errorf("X-Requested-With = %q", r.Header.Get("X-Requested-With"))
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{"token":"tok-1","gurl":"wss://eval.example","conmanURL":"https://conman.example"}`))
	})

	md, err := c.Fetch(context.Background(), "abc", Credentials{SessionCookie: "sid", VerificationToken: "cap"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if md.Token != "tok-1" || md.GURL != "wss://eval.example" || md.ConmanURL != "https://conman.example" {
		t.Errorf("metadata = %+v", md)
	}
	if gotPath != "/data/repls/abc/get_connection_metadata" {
		t.Errorf("path = %q", gotPath)
	}
	if gotCookie != "sid" {
		t.Errorf("cookie = %q", gotCookie)
	}
	if gotReq.Captcha != "cap" || gotReq.Format != "pbuf" || gotReq.ClientVersion != "7561851" || gotReq.SiteKey != "site-key" {
		t.Errorf("request body = %+v", gotReq)
	}
}

func TestFetchOmitsEmptyCaptcha(t *testing.T) {
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.Write([]byte(`{"token":"t"}`))
	})
	if _, err := c.Fetch(context.Background(), "abc", Credentials{SessionCookie: "sid"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, ok := raw["captcha"]; ok {
		t.Errorf("captcha sent without a token: %v", raw)
	}
}

func TestFetchClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantVerify bool
		wantStatus int
		wantMsg    string
		wantAuth   bool
	}{
		{name: "captcha", status: 403, body: `{"message":"Captcha failed: xyz"}`, wantVerify: true},
		{name: "captcha case", status: 400, body: `{"message":"CAPTCHA FAILED"}`, wantVerify: true},
		{name: "rate limited", status: 403, body: `{"message":"rate limited"}`, wantStatus: 403, wantMsg: "rate limited"},
		{name: "plain text", status: 502, body: "bad gateway\n", wantStatus: 502, wantMsg: "bad gateway"},
		{name: "empty", status: 500, body: "", wantStatus: 500, wantMsg: "Internal Server Error"},
		{name: "unauthorized", status: 401, body: `{"message":"nope"}`, wantStatus: 401, wantMsg: "nope", wantAuth: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Fetch(context.Background(), "abc", Credentials{SessionCookie: "sid"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrVerificationRequired); got != tt.wantVerify {
				t.Fatalf("VerificationRequired = %v, want %v (err %v)", got, tt.wantVerify, err)
			}
			if tt.wantVerify {
				return
			}
			var be *BackendError
			if !errors.As(err, &be) {
				t.Fatalf("err = %v, want BackendError", err)
			}
			if be.Status != tt.wantStatus || be.Message != tt.wantMsg {
				t.Errorf("BackendError = (%d, %q), want (%d, %q)", be.Status, be.Message, tt.wantStatus, tt.wantMsg)
			}
			if got := errors.Is(err, ErrAuth); got != tt.wantAuth {
				t.Errorf("Is(ErrAuth) = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}

func TestFetchMalformed(t *testing.T) {
	for _, body := range []string{"not json", `{"gurl":"wss://x"}`} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
		_, err := c.Fetch(context.Background(), "abc", Credentials{SessionCookie: "sid"})
		if !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("body %q: err = %v, want ErrMalformedResponse", body, err)
		}
	}
}

func TestFetchMissingCookie(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	_, err := c.Fetch(context.Background(), "abc", Credentials{})
	if !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
	if called {
		t.Error("request sent without a cookie")
	}
}

func TestFetchAborted(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.Fetch(ctx, "abc", Credentials{SessionCookie: "sid"})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	var be *BackendError
	if errors.As(err, &be) {
		t.Error("aborted fetch must not look like a backend rejection")
	}
}
