package domain

import "testing"

func TestAbsolutizeLink(t *testing.T) {
	base := "http://localhost:3000"

	tests := []struct {
		link string
		want string
	}{
		{"/my-orders", "http://localhost:3000/my-orders"},
		{"/catalog?sort=new", "http://localhost:3000/catalog?sort=new"},
		{"https://example.com/page", "https://example.com/page"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := AbsolutizeLink(tt.link, base); got != tt.want {
			t.Errorf("AbsolutizeLink(%q) = %q, want %q", tt.link, got, tt.want)
		}
	}

	// A broken base passes the link through untouched.
	if got := AbsolutizeLink("/x", "not a url"); got != "/x" {
		t.Errorf("AbsolutizeLink with bad base = %q, want /x", got)
	}
}

func TestIsExternalLink(t *testing.T) {
	base := "http://localhost:3000"
	if IsExternalLink("/my-orders", base) {
		t.Error("relative link reported external")
	}
	if !IsExternalLink("https://example.com/page", base) {
		t.Error("cross-origin link not reported external")
	}
}
