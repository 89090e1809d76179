package rest

import "testing"

func TestRouteBucketCollapsesMinorIDs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		segments   []string
		wantPath   string
		wantBucket string
	}{
		{
			name:       "channel message",
			segments:   []string{"channels", "111111111111111111", "messages", "222222222222222222"},
			wantPath:   "/channels/111111111111111111/messages/222222222222222222",
			wantBucket: "/channels/111111111111111111/messages/:id",
		},
		{
			name:       "guild member",
			segments:   []string{"guilds", "333333333333333333", "members", "444444444444444444"},
			wantPath:   "/guilds/333333333333333333/members/444444444444444444",
			wantBucket: "/guilds/333333333333333333/members/:id",
		},
		{
			name:       "webhook token is not a snowflake",
			segments:   []string{"webhooks", "555555555555555555", "some-token"},
			wantPath:   "/webhooks/555555555555555555/some-token",
			wantBucket: "/webhooks/555555555555555555/some-token",
		},
		{
			name:       "short number is not an id",
			segments:   []string{"channels", "123", "messages"},
			wantPath:   "/channels/123/messages",
			wantBucket: "/channels/123/messages",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRoute(tt.segments...)
			if r.Path() != tt.wantPath {
				t.Errorf("Path() = %q, want %q", r.Path(), tt.wantPath)
			}
			if r.Bucket() != tt.wantBucket {
				t.Errorf("Bucket() = %q, want %q", r.Bucket(), tt.wantBucket)
			}
		})
	}
}

func TestRouteBucketStableAcrossMinorIDs(t *testing.T) {
	t.Parallel()
	a := NewRoute("channels", "111111111111111111", "messages", "222222222222222222")
	b := NewRoute("channels", "111111111111111111", "messages", "999999999999999999")
	if a.Bucket() != b.Bucket() {
		t.Errorf("buckets differ: %q vs %q", a.Bucket(), b.Bucket())
	}

	// Distinct major-container ids must stay distinct.
	c := NewRoute("channels", "888888888888888888", "messages", "222222222222222222")
	if a.Bucket() == c.Bucket() {
		t.Errorf("buckets for different channels collide: %q", a.Bucket())
	}
}

func TestRouteReactionsFreezeBucket(t *testing.T) {
	t.Parallel()
	r := NewRoute("channels", "111111111111111111", "messages", "222222222222222222",
		"reactions", "%F0%9F%98%80", "@me")

	wantPath := "/channels/111111111111111111/messages/222222222222222222/reactions/%F0%9F%98%80/@me"
	if r.Path() != wantPath {
		t.Errorf("Path() = %q, want %q", r.Path(), wantPath)
	}
	wantBucket := "/channels/111111111111111111/messages/:id/reactions"
	if r.Bucket() != wantBucket {
		t.Errorf("Bucket() = %q, want %q", r.Bucket(), wantBucket)
	}
	if !r.IsReaction() {
		t.Error("IsReaction() = false, want true")
	}
}

func TestRouteJoinIsImmutable(t *testing.T) {
	t.Parallel()
	base := NewRoute("channels", "111111111111111111")
	msgs := base.Join("messages")
	pins := base.Join("pins")
	if msgs.Path() != "/channels/111111111111111111/messages" {
		t.Errorf("msgs path = %q", msgs.Path())
	}
	if pins.Path() != "/channels/111111111111111111/pins" {
		t.Errorf("pins path = %q", pins.Path())
	}
	if base.Path() != "/channels/111111111111111111" {
		t.Errorf("base mutated: %q", base.Path())
	}
}

func TestRouteKeyIncludesMethod(t *testing.T) {
	t.Parallel()
	r := NewRoute("channels", "111111111111111111", "messages")
	if got := r.Key("get"); got != "GET /channels/111111111111111111/messages" {
		t.Errorf("Key() = %q", got)
	}
	if r.Key("GET") == r.Key("POST") {
		t.Error("keys for different methods collide")
	}
}
