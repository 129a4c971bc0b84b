package artifact

import (
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestNewComputesDigest(t *testing.T) {
	a := New("server", "1.21", []byte("hello"))

	want := digest.Digest("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	if a.Digest != want {
		t.Errorf("digest = %s, want %s", a.Digest, want)
	}
	if !a.Matches(want) {
		t.Error("Matches() = false for own digest")
	}
	if a.Size() != 5 {
		t.Errorf("Size() = %d, want 5", a.Size())
	}
	if !strings.Contains(a.String(), "server@1.21") {
		t.Errorf("String() = %q", a.String())
	}
}

func TestMatchesRejectsOtherDigest(t *testing.T) {
	a := New("x", "", []byte("hello"))
	other := digest.SHA256.FromString("world")

	if a.Matches(other) {
		t.Error("Matches() = true for unrelated digest")
	}
	if a.Matches(digest.Digest("garbage")) {
		t.Error("Matches() = true for invalid digest")
	}
}

func TestParseDigest(t *testing.T) {
	hexSum := "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"

	tests := []struct {
		name    string
		input   string
		want    digest.Digest
		wantErr bool
	}{
		{
			name:  "bare_hex_uppercase",
			input: hexSum,
			want:  digest.Digest("sha256:" + strings.ToLower(hexSum)),
		},
		{
			name:  "full_digest",
			input: "sha256:" + strings.ToLower(hexSum),
			want:  digest.Digest("sha256:" + strings.ToLower(hexSum)),
		},
		{name: "empty", input: "  ", wantErr: true},
		{name: "short_hex", input: "abcd", wantErr: true},
		{name: "not_hex", input: strings.Repeat("z", 64), wantErr: true},
		{name: "bad_algorithm", input: "md5:abcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDigest(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestShort(t *testing.T) {
	d := digest.SHA256.FromString("hello")
	if got := Short(d); got != "2cf24dba5fb0" {
		t.Errorf("Short() = %q", got)
	}
}
