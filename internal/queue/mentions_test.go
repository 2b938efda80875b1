package queue

import (
	"strings"
	"testing"
)

func TestCanonicalizeMentions(t *testing.T) {
	known := []string{"Trexxak", "Drifter-7"}
	resolve := func(handle string) (string, bool) {
		for _, name := range known {
			if strings.EqualFold(name, handle) {
				return name, true
			}
		}
		return "", false
	}

	tests := []struct {
		in   string
		want string
	}{
		{"hi @trexxak how goes", "hi @Trexxak how goes"},
		{"@TREXXAK leads the raid", "@Trexxak leads the raid"},
		{"ping @drifter-7 and @trexxak", "ping @Drifter-7 and @Trexxak"},
		{"unknown @phantom stays", "unknown @phantom stays"},
		{"trailing dot @trexxak.", "trailing dot @Trexxak."},
		{"no mentions here", "no mentions here"},
		{"bare @ sign", "bare @ sign"},
	}
	for _, tt := range tests {
		if got := CanonicalizeMentions(tt.in, resolve); got != tt.want {
			t.Errorf("CanonicalizeMentions(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
