package wuzapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionConnected(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    bool
		wantErr bool
	}{
		{name: "connected", body: `{"code":200,"data":{"Connected":true,"LoggedIn":true}}`, want: true},
		{name: "disconnected", body: `{"data":{"Connected":false}}`, want: false},
		{name: "garbage", body: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/session/status" || r.Header.Get("Token") != "tok" {
					t.Errorf("unexpected request %s token=%q", r.URL.Path, r.Header.Get("Token"))
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			got, err := NewClient().SessionConnected(context.Background(), Account{URL: server.URL + "//", Token: "tok"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSendText(t *testing.T) {
	var got sendTextRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/send/text" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	err := NewClient().SendText(context.Background(), Account{URL: server.URL, Token: "tok"}, "5511987654321", "Olá")
	if err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if got.Phone != "5511987654321" || got.Body != "Olá" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSendText_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not logged in", http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := NewClient().SendText(context.Background(), Account{URL: server.URL, Token: "tok"}, "1", "x"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestForward_RelaysStatusAndBody(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session/connect" || r.Header.Get("Token") != "tok" {
			t.Errorf("unexpected request %s %s token=%q", r.Method, r.URL.Path, r.Header.Get("Token"))
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"already connected"}`))
	}))
	defer server.Close()

	resp, err := NewClient().Forward(context.Background(), Account{URL: server.URL + "/", Token: "tok"}, http.MethodPost, "/session/connect", json.RawMessage(`{"Immediate":true}`))
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	if resp.StatusCode != http.StatusConflict || string(resp.Body) != `{"error":"already connected"}` {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Body)
	}
	if gotBody["Immediate"] != true {
		t.Fatalf("expected body relayed, got %v", gotBody)
	}
}
