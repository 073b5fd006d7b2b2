package safehttp

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDenied(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.1.2.3", true},
		{"192.168.0.10", true},
		{"172.16.5.4", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		if got := Denied(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("Denied(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestClient_RefusesLoopback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached a loopback server")
	}))
	defer server.Close()

	_, err := NewClient(2 * time.Second).Get(server.URL)
	if !errors.Is(err, ErrDeniedAddress) {
		t.Errorf("Get() error = %v, want ErrDeniedAddress", err)
	}
}
