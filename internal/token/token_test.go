package token

import (
	"strings"
	"testing"
)

func TestGenerate_Shape(t *testing.T) {
	tok, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	parts := strings.Split(tok, "-")
	if len(parts) != 2 {
		t.Fatalf("Generate() = %q, want two hyphen-joined words", tok)
	}
	for _, p := range parts {
		if p == "" {
			t.Errorf("Generate() = %q, has empty word segment", tok)
		}
	}
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		seen[tok] = true
	}

	if len(seen) < 45 {
		t.Errorf("only %d unique tokens out of 50 generated, suspiciously low entropy", len(seen))
	}
}

func TestGenerate_WordsFromList(t *testing.T) {
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	for i := 0; i < 20; i++ {
		tok, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		parts := strings.Split(tok, "-")
		for _, p := range parts {
			if !wordSet[p] {
				t.Errorf("token %q contains word %q not in wordlist", tok, p)
			}
		}
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"ocean-forest", true},
		{"custom-token", true},
		{"", false},
		{"singleword", false},
		{"-leadinghyphen", false},
		{"trailinghyphen-", false},
	}

	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			if got := Valid(c.in); got != c.want {
				t.Errorf("Valid(%q) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}
