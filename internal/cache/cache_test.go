package cache

import (
	"testing"
	"time"
)

func TestCache_GetSetInvalidate(t *testing.T) {
	c := New(true)
	defer c.Close()

	etag := c.Set(PrefixAlerts+"stats", []byte(`{"total":3}`), time.Minute)
	data, got, ok := c.Get(PrefixAlerts + "stats")
	if !ok || string(data) != `{"total":3}` || got != etag {
		t.Fatalf("Get() = %s, %s, %v", data, got, ok)
	}

	c.Set("other", []byte("x"), time.Minute)
	c.InvalidatePrefix(PrefixAlerts)
	if _, _, ok := c.Get(PrefixAlerts + "stats"); ok {
		t.Error("Get() after InvalidatePrefix found the entry")
	}
	if _, _, ok := c.Get("other"); !ok {
		t.Error("InvalidatePrefix dropped an unrelated key")
	}
}

func TestCache_Expiry(t *testing.T) {
	c := New(true)
	defer c.Close()
	c.Set("k", []byte("v"), -time.Second)
	if _, _, ok := c.Get("k"); ok {
		t.Error("Get() returned an expired entry")
	}
	c.evict()
	if n := c.Stats()["total_keys"]; n != 0 {
		t.Errorf("total_keys after evict = %v", n)
	}
}

func TestCache_Disabled(t *testing.T) {
	c := New(false)
	etag := c.Set("k", []byte("v"), time.Minute)
	if etag != ComputeETag([]byte("v")) {
		t.Errorf("Set() etag = %s", etag)
	}
	if _, _, ok := c.Get("k"); ok {
		t.Error("disabled cache returned an entry")
	}
}

func TestCheckETagMatch(t *testing.T) {
	etag := ComputeETag([]byte("v"))
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"*", true},
		{etag, true},
		{`W/"other", ` + etag, true},
		{`W/"other"`, false},
	}
	for _, tt := range tests {
		if got := CheckETagMatch(tt.header, etag); got != tt.want {
			t.Errorf("CheckETagMatch(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
