package pglock

import "testing"

func TestKeyDeterministicAndDistinct(t *testing.T) {
	a := Key("ns", "repo")
	b := Key("ns", "repo")
	if a != b {
		t.Fatalf("Key not deterministic: %d != %d", a, b)
	}
	c := Key("ns", "other")
	if a == c {
		t.Fatalf("Key collided for distinct repositories")
	}
	d := Key("other", "repo")
	if a == d {
		t.Fatalf("Key collided across namespace boundary (ns/repo confusable with other/repo)")
	}
}
