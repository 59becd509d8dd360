package drive

import (
	"strings"
	"testing"

	"github.com/fruitsalade/pomelo/pkg/models"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "report.pdf", false},
		{"unicode", "návrh č. 3.txt", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"dotfile", ".bashrc", false},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"leading space", " a", true},
		{"trailing space", "a ", true},
		{"too long", strings.Repeat("x", 256), true},
		{"max length", strings.Repeat("x", 255), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				if _, ok := models.AsValidation(err); !ok {
					t.Errorf("error must be a ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		input string
		base  string
		ext   string
	}{
		{"report.pdf", "report", ".pdf"},
		{"archive.tar.gz", "archive.tar", ".gz"},
		{"noext", "noext", ""},
		{".bashrc", ".bashrc", ""},
		{"trailing.", "trailing", "."},
	}
	for _, tt := range tests {
		base, ext := SplitName(tt.input)
		if base != tt.base || ext != tt.ext {
			t.Errorf("SplitName(%q) = (%q, %q), want (%q, %q)", tt.input, base, ext, tt.base, tt.ext)
		}
	}
}

func TestAdjustName(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"report.pdf", 0, "report.pdf"},
		{"report.pdf", 1, "report (1).pdf"},
		{"report.pdf", 12, "report (12).pdf"},
		{"noext", 2, "noext (2)"},
		{".bashrc", 1, ".bashrc (1)"},
	}
	for _, tt := range tests {
		if got := AdjustName(tt.input, tt.n); got != tt.want {
			t.Errorf("AdjustName(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}
