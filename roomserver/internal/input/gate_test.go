package input

import "testing"

func TestCheckACLDeniesMatchingDenyPattern(t *testing.T) {
	content := []byte(`{"deny":["evil.example.com"],"allow":["*"]}`)
	if CheckACL(content, "evil.example.com") {
		t.Fatal("expected server matching deny pattern to be rejected")
	}
}

func TestCheckACLAllowsEverythingWithEmptyAllowList(t *testing.T) {
	content := []byte(`{"deny":["evil.example.com"]}`)
	if !CheckACL(content, "good.example.com") {
		t.Fatal("expected empty allow list to mean allow-all")
	}
}

func TestCheckACLGlobMatchesWildcard(t *testing.T) {
	content := []byte(`{"allow":["*.example.com"],"deny":[]}`)
	if !CheckACL(content, "sub.example.com") {
		t.Fatal("expected wildcard allow pattern to match subdomain")
	}
	if CheckACL(content, "example.net") {
		t.Fatal("expected non-matching domain to be denied")
	}
}

func TestCheckACLDenyTakesPriorityOverAllow(t *testing.T) {
	content := []byte(`{"allow":["*"],"deny":["bad.example.com"]}`)
	if CheckACL(content, "bad.example.com") {
		t.Fatal("expected deny to take priority over a matching allow-all")
	}
}
