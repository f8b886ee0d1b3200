package slug

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	cases := []struct {
		name     string
		parent   string
		expected string
	}{
		{"Auth Flow", "", "auth-flow"},
		{"  leading and trailing  ", "", "leading-and-trailing"},
		{"snake_case_name", "", "snake-case-name"},
		{"C++ Parser!!", "", "c-parser"},
		{"multiple   spaces", "", "multiple-spaces"},
		{"Auth Flow", "auth-module", "auth-module/auth-flow"},
		{"---", "", "concept"},
		{"", "", "concept"},
	}

	for _, tc := range cases {
		require.Equal(t, tc.expected, Generate(tc.name, tc.parent), "name=%q parent=%q", tc.name, tc.parent)
	}
}

func TestWithSuffix(t *testing.T) {
	require.Equal(t, "auth-flow-2", WithSuffix("auth-flow", 2))
	require.Equal(t, "auth-flow-13", WithSuffix("auth-flow", 13))
}
