package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgv(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr string
	}{
		{name: "empty", input: "", want: nil},
		{name: "placeholder", input: "xdg-open {path}", want: []string{"xdg-open", "{path}"}},
		{name: "double quoted spaces", input: `editor --title "Nacht Bericht"`, want: []string{"editor", "--title", "Nacht Bericht"}},
		{name: "single quoted spaces", input: `editor --title 'Nacht Bericht'`, want: []string{"editor", "--title", "Nacht Bericht"}},
		{name: "escaped space", input: `editor Nacht\ Bericht`, want: []string{"editor", "Nacht Bericht"}},
		{name: "single quotes are literal", input: `editor 'a\b'`, want: []string{"editor", `a\b`}},
		{name: "escape inside double quotes", input: `editor "say \"hi\""`, want: []string{"editor", `say "hi"`}},
		{name: "empty quoted word", input: `editor --profile "" {path}`, want: []string{"editor", "--profile", "", "{path}"}},
		{name: "adjacent quoted parts", input: `editor --file="{path}".bak`, want: []string{"editor", "--file={path}.bak"}},
		{name: "leading comment", input: `# xdg-open {path}`, want: nil},
		{name: "unterminated quote", input: `editor "oops`, wantErr: "unterminated quote"},
		{name: "unterminated single quote", input: `editor 'oops`, wantErr: "unterminated quote"},
		{name: "unterminated escape", input: `editor hello\`, wantErr: "unterminated escape"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseArgv(tc.input)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestMustParseArgvPanicsOnInvalidInput(t *testing.T) {
	require.Panics(t, func() {
		_ = mustParseArgv(`editor "unterminated`)
	})
}
