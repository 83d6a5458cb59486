package hint

import "testing"

func TestFormatBullets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "dash bullets", in: "- one\n- two", max: 3, want: "- one\n- two"},
		{name: "capped", in: "- a\n- b\n- c\n- d", max: 3, want: "- a\n- b\n- c"},
		{name: "star and dot markers", in: "* alpha\n• beta\n– gamma", max: 3, want: "- alpha\n- beta\n- gamma"},
		{name: "numbered", in: "1. first\n2) second", max: 3, want: "- first\n- second"},
		{name: "continuation folded", in: "- mention latency\n  and throughput\n- cite numbers", max: 3, want: "- mention latency and throughput\n- cite numbers"},
		{name: "preamble dropped", in: "Here are some points:\n- one", max: 3, want: "- one"},
		{name: "no markers", in: "Just say you led the migration.", max: 3, want: "- Just say you led the migration."},
		{name: "multi-line prose", in: "Talk about\nthe outage.", max: 3, want: "- Talk about the outage."},
		{name: "bold is not a bullet", in: "**Key**: be concise", max: 3, want: "- **Key**: be concise"},
		{name: "empty", in: "  \n ", max: 3, want: ""},
		{name: "empty bullets skipped", in: "-\n- real", max: 3, want: "- real"},
		{name: "default max", in: "- a\n- b\n- c\n- d", max: 0, want: "- a\n- b\n- c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FormatBullets(tt.in, tt.max); got != tt.want {
				t.Errorf("FormatBullets(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
