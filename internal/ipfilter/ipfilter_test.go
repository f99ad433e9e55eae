package ipfilter

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewCountsValidEntries(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		want    int
	}{
		{"empty", nil, 0},
		{"single ip", []string{"192.168.1.1"}, 1},
		{"cidr", []string{"10.0.0.0/8"}, 1},
		{"mixed", []string{"192.168.1.1", "10.0.0.0/8", "172.16.0.0/12"}, 3},
		{"whitespace trimmed", []string{"  192.168.1.1  ", " 10.0.0.0/8 "}, 2},
		{"invalid skipped", []string{"192.168.1.1", "notanip", "999.0.0.0/40"}, 1},
		{"ipv6", []string{"::1", "2001:db8::/32"}, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := New(tc.entries, testLogger())
			if f.Count() != tc.want {
				t.Errorf("Count() = %d, want %d", f.Count(), tc.want)
			}
			if f.Enabled() != (tc.want > 0) {
				t.Errorf("Enabled() = %v with %d nets", f.Enabled(), tc.want)
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		ip      string
		want    bool
	}{
		{"empty filter allows all", nil, "1.2.3.4", true},
		{"exact match", []string{"192.168.1.1"}, "192.168.1.1", true},
		{"exact mismatch", []string{"192.168.1.1"}, "192.168.1.2", false},
		{"cidr contains", []string{"192.168.0.0/16"}, "192.168.1.100", true},
		{"cidr excludes", []string{"192.168.0.0/16"}, "10.0.0.1", false},
		{"any of several", []string{"10.0.0.0/8", "172.16.0.0/12"}, "172.20.1.1", true},
		{"ipv6 cidr", []string{"2001:db8::/32"}, "2001:db8::1", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := New(tc.entries, testLogger())
			ip := net.ParseIP(tc.ip)
			if ip == nil {
				t.Fatalf("bad test ip %s", tc.ip)
			}
			if got := f.IsAllowed(ip); got != tc.want {
				t.Errorf("IsAllowed(%s) = %v, want %v", tc.ip, got, tc.want)
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	cases := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"forwarded-for single", "203.0.113.50", "", "127.0.0.1:12345", "203.0.113.50"},
		{"forwarded-for chain keeps first", "203.0.113.50, 70.41.3.18", "", "127.0.0.1:12345", "203.0.113.50"},
		{"real-ip", "", "198.51.100.25", "127.0.0.1:12345", "198.51.100.25"},
		{"forwarded-for beats real-ip", "203.0.113.50", "198.51.100.25", "127.0.0.1:12345", "203.0.113.50"},
		{"remote addr fallback", "", "", "192.168.1.100:54321", "192.168.1.100"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}

			ip := GetClientIP(req)
			if ip == nil || ip.String() != tc.want {
				t.Errorf("GetClientIP() = %v, want %s", ip, tc.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name    string
		entries []string
		client  string
		want    int
	}{
		{"empty filter passes", nil, "1.2.3.4", http.StatusOK},
		{"allowed", []string{"192.168.0.0/16"}, "192.168.1.100", http.StatusOK},
		{"denied", []string{"192.168.0.0/16"}, "10.0.0.1", http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := New(tc.entries, testLogger())

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tc.client + ":12345"
			rec := httptest.NewRecorder()
			f.Middleware(handler).ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
