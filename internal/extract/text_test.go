package extract

import (
	"reflect"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"One sentence", []string{"One sentence"}},
		{"First one. Second one! Third?  Fourth.", []string{"First one.", "Second one!", "Third?", "Fourth."}},
		{"Costs $3.50 today. Really.", []string{"Costs $3.50 today.", "Really."}},
		{"Wait...\nWhat?", []string{"Wait...", "What?"}},
	}
	for _, tt := range tests {
		if got := SplitSentences(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitSentences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	in := "  Title \r\n\r\n\r\n\r\n-----\nBody\t\ttext   here  \n"
	if got := Normalize(in); got != "Title\n\nBody text here" {
		t.Fatalf("Normalize = %q", got)
	}
}
