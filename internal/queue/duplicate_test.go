package queue

import "testing"

func TestIsDuplicate(t *testing.T) {
	priors := []string{
		"The hull breach on deck seven is getting worse every cycle.",
		"Anyone else seeing ghost signals on the long-range array?",
	}

	tests := []struct {
		name      string
		text      string
		threshold float64
		want      bool
	}{
		{
			name:      "verbatim repeat",
			text:      "The hull breach on deck seven is getting worse every cycle.",
			threshold: 0.7,
			want:      true,
		},
		{
			name:      "light paraphrase over threshold",
			text:      "the hull breach on deck seven is getting worse, every single cycle",
			threshold: 0.7,
			want:      true,
		},
		{
			name:      "fresh content",
			text:      "Power rerouted through the auxiliary grid held up fine during the storm.",
			threshold: 0.7,
			want:      false,
		},
		{
			name:      "short text never flagged",
			text:      "hull breach worse",
			threshold: 0.7,
			want:      false,
		},
		{
			name:      "disabled threshold",
			text:      "The hull breach on deck seven is getting worse every cycle.",
			threshold: 0,
			want:      false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDuplicate(tt.text, priors, tt.threshold); got != tt.want {
				t.Errorf("isDuplicate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		raw     string
		wantErr bool
	}{
		{"valid reply", KindReply, `{"thread_id":"t1","author_id":"a1"}`, false},
		{"reply missing author", KindReply, `{"thread_id":"t1"}`, true},
		{"valid thread start", KindThreadStart, `{"thread_id":"t1","author_id":"a1","post_id":"p1","title":"hello"}`, false},
		{"thread start empty title", KindThreadStart, `{"thread_id":"t1","author_id":"a1","post_id":"p1","title":""}`, true},
		{"valid dm", KindDM, `{"sender_id":"a1","recipient_id":"a2"}`, false},
		{"dm missing recipient", KindDM, `{"sender_id":"a1"}`, true},
		{"not json", KindReply, `{{`, true},
		{"unknown kind", "poke", `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePayload(tt.kind, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePayload error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
