package variant

import "testing"

func TestNegotiate(t *testing.T) {
	cases := []struct {
		name   string
		accept string
		want   Format
	}{
		{"no header", "", FormatOriginal},
		{"avif only", "image/avif", FormatAVIF},
		{"webp only", "image/webp", FormatWebP},
		{"avif preferred over webp", "image/webp,image/avif", FormatAVIF},
		{"chrome header", "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8", FormatAVIF},
		{"safari-style webp", "image/webp,image/png,image/svg+xml,image/*;q=0.8,video/*;q=0.8,*/*;q=0.5", FormatWebP},
		{"wildcard only", "*/*", FormatOriginal},
		{"image wildcard only", "image/*", FormatOriginal},
		{"unsupported types", "text/html,application/xhtml+xml", FormatOriginal},
		{"q zero excludes avif", "image/avif;q=0,image/webp", FormatWebP},
		{"q zero excludes all", "image/avif;q=0,image/webp;q=0", FormatOriginal},
		{"whitespace and case", " IMAGE/AVIF ; q=0.9 , image/webp", FormatAVIF},
		{"garbage q treated as 1", "image/webp;q=banana", FormatWebP},
	}

	for _, tc := range cases {
		if got := Negotiate(tc.accept); got != tc.want {
			t.Errorf("%s: Negotiate(%q) = %s, want %s", tc.name, tc.accept, got, tc.want)
		}
	}
}
