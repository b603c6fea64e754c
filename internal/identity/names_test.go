package identity

import "testing"

func TestExtractName(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"my name is alice", "Alice"},
		{"Hey there, my name is Bob.", "Bob"},
		{"i'm dave", "Dave"},
		{"I am Carol", "Carol"},
		{"call me max", "Max"},
		{"this is frank speaking", "Frank"},
		{"it's maria", "Maria"},
		{"what's the weather like", ""},
		{"i'm not sure", ""},
		{"i'm good thanks", ""},
		{"i'm ok", ""},
		{"my name is x", ""},
		{"i'm 42", ""},
	}
	for _, c := range cases {
		if got := ExtractName(c.text); got != c.want {
			t.Errorf("ExtractName(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestIsAffirmative(t *testing.T) {
	for _, text := range []string{"yes", "Yeah!", "yep that's right", "correct", "ok"} {
		if !IsAffirmative(text) {
			t.Errorf("IsAffirmative(%q) = false, want true", text)
		}
	}
	if IsAffirmative("never") {
		t.Error("IsAffirmative(never) = true, want false")
	}
}

func TestIsNegative(t *testing.T) {
	for _, text := range []string{"no", "Nope.", "that's wrong", "not me"} {
		if !IsNegative(text) {
			t.Errorf("IsNegative(%q) = false, want true", text)
		}
	}
	if IsNegative("yes") {
		t.Error("IsNegative(yes) = true, want false")
	}
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		id   string
		want string
	}{
		{"Anonymous_007", "Speaker 7"},
		{"Anonymous_001", "Speaker 1"},
		{"Anonymous_xyz", "Anonymous_xyz"},
		{"Alice", "Alice"},
	}
	for _, c := range cases {
		if got := DisplayName(c.id); got != c.want {
			t.Errorf("DisplayName(%q) = %q, want %q", c.id, got, c.want)
		}
	}
}
