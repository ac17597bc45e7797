package cache

import (
	"testing"
	"time"
)

func TestTokenEntry_IsExpired(t *testing.T) {
	tests := []struct {
		name   string
		expiry time.Time
		want   bool
	}{
		{
			name:   "expired token",
			expiry: time.Now().Add(-1 * time.Hour),
			want:   true,
		},
		{
			name:   "valid token",
			expiry: time.Now().Add(1 * time.Hour),
			want:   false,
		},
		{
			name:   "inside expiry skew",
			expiry: time.Now().Add(ExpirySkew / 2),
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &TokenEntry{
				Expiry: tt.expiry,
			}
			if got := entry.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenEntry_TTL(t *testing.T) {
	entry := &TokenEntry{Expiry: time.Now().Add(10 * time.Minute)}

	ttl := entry.TTL()
	want := 10*time.Minute - ExpirySkew
	if ttl > want || ttl < want-time.Second {
		t.Errorf("TTL() = %v, want about %v", ttl, want)
	}

	expired := &TokenEntry{Expiry: time.Now().Add(-time.Minute)}
	if got := expired.TTL(); got != 0 {
		t.Errorf("expired TTL() = %v, want 0", got)
	}
}
