package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func newClient(ts *httptest.Server, token string) *Client {
	return New(ts.URL, ts.URL, staticToken(token), 5*time.Second)
}

func TestMeSendsBearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "u1", "email": "u@example.com"})
	}))
	defer ts.Close()

	acc, err := newClient(ts, "tok-1").Me(context.Background())
	if err != nil {
		t.Fatalf("Me() error = %v", err)
	}
	if acc.ID != "u1" {
		t.Errorf("account id = %q, want u1", acc.ID)
	}
}

func TestUnauthorizedIsSentinel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := newClient(ts, "").Me(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Me() error = %v, want ErrUnauthorized", err)
	}

	_, err = newClient(ts, "").Classify(context.Background(), "", "hi")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Classify() error = %v, want ErrUnauthorized", err)
	}
}

func TestClassifySendsNullUserIDWhenAnonymous(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"message": "ok", "adminIssued": false})
	}))
	defer ts.Close()

	res, err := newClient(ts, "tok").Classify(context.Background(), "", "hello")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if res.Message != "ok" {
		t.Errorf("message = %q", res.Message)
	}
	if v, present := got["userId"]; !present || v != nil {
		t.Errorf("userId = %v (present=%v), want explicit null", v, present)
	}
	if got["message"] != "hello" {
		t.Errorf("message field = %v", got["message"])
	}
}

func TestCreateAdminRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/support/requests" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "r1", "userId": "u1", "status": "PENDING"})
	}))
	defer ts.Close()

	req, err := newClient(ts, "tok").CreateAdminRequest(context.Background(), "u1", "help")
	if err != nil {
		t.Fatalf("CreateAdminRequest() error = %v", err)
	}
	if req.ID != "r1" || req.Status != "PENDING" {
		t.Errorf("request = %+v", req)
	}
}

func TestAcceptRequestURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/support/requests/r1/accept" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["adminId"] != "a1" {
			t.Errorf("adminId = %q", body["adminId"])
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ACCEPTED"})
	}))
	defer ts.Close()

	if err := newClient(ts, "tok").AcceptRequest(context.Background(), "r1", "a1"); err != nil {
		t.Fatalf("AcceptRequest() error = %v", err)
	}
}

func TestServerErrorIncludesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database exploded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := newClient(ts, "tok").AwaitingRequests(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "database exploded"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not mention %q", err, want)
	}
}
