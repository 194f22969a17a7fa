package gmail

import "testing"

func TestFiltersMatch(t *testing.T) {
	meta := &MessageMeta{
		From:    "Alerts <alerts@example.com>",
		Subject: "Deploy finished",
		Snippet: "build 42 is live",
		Labels:  []string{"INBOX", "IMPORTANT"},
	}

	tests := []struct {
		name    string
		filters Filters
		want    bool
	}{
		{"empty matches all", Filters{}, true},
		{"from substring", Filters{FromContains: "alerts@"}, true},
		{"from mismatch", Filters{FromContains: "billing@"}, false},
		{"subject case-insensitive", Filters{SubjectContains: "deploy"}, true},
		{"query hits snippet", Filters{Query: "build 42"}, true},
		{"label include", Filters{LabelInclude: []string{"inbox"}}, true},
		{"label include missing", Filters{LabelInclude: []string{"SPAM"}}, false},
		{"label exclude", Filters{LabelExclude: []string{"IMPORTANT"}}, false},
		{"combined", Filters{FromContains: "example.com", SubjectContains: "finished", LabelExclude: []string{"SPAM"}}, true},
	}

	for _, tt := range tests {
		if got := tt.filters.Matches(meta); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseFilters(t *testing.T) {
	f := ParseFilters(map[string]any{
		"from_contains":    "boss@",
		"subject_contains": "urgent",
		"query":            "q",
		"label_include":    []any{"INBOX"},
		"label_exclude":    []any{"SPAM", ""},
	})

	if f.FromContains != "boss@" || f.SubjectContains != "urgent" || f.Query != "q" {
		t.Fatalf("parsed = %+v", f)
	}
	if len(f.LabelInclude) != 1 || len(f.LabelExclude) != 1 {
		t.Fatalf("labels = %+v / %+v", f.LabelInclude, f.LabelExclude)
	}
}

func TestParseFiltersNil(t *testing.T) {
	f := ParseFilters(nil)
	if !f.Matches(&MessageMeta{}) {
		t.Fatal("nil config should match everything")
	}
}
