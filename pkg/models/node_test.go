package models

import "testing"

func TestStatusSettled(t *testing.T) {
	settled := map[Status]bool{
		StatusIndexed:       true,
		StatusError:         true,
		StatusPending:       false,
		StatusPendingDelete: false,
		StatusUnknown:       false,
		StatusAbsent:        false,
	}
	for st, want := range settled {
		if st.Settled() != want {
			t.Errorf("%s.Settled() = %v, want %v", st, st.Settled(), want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"readme.md", "readme.md"},
		{"docs/guide.md", "guide.md"},
		{"docs/img/logo.png", "logo.png"},
	}
	for _, tc := range cases {
		n := Node{Name: tc.name}
		if got := n.DisplayName(); got != tc.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestIsDescendantOf(t *testing.T) {
	cases := []struct {
		name string
		dir  string
		want bool
	}{
		{"docs/a.txt", "docs", true},
		{"docs/sub/deep.txt", "docs", true},
		{"docs", "docs", false},
		{"docs-archive/a.txt", "docs", false},
		{"other.txt", "docs", false},
	}
	for _, tc := range cases {
		n := Node{Name: tc.name}
		if got := n.IsDescendantOf(tc.dir); got != tc.want {
			t.Errorf("IsDescendantOf(%q, %q) = %v, want %v", tc.name, tc.dir, got, tc.want)
		}
	}
}
