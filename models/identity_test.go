package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePackageIdentity(t *testing.T) {
	cases := []struct {
		input   string
		name    string
		version string
		wantErr bool
	}{
		{input: "serde", name: "serde"},
		{input: "serde@1.0.200", name: "serde", version: "1.0.200"},
		{input: " tokio@1.38.0 ", name: "tokio", version: "1.38.0"},
		{input: "pkg:cargo/rand@0.8.5", name: "rand", version: "0.8.5"},
		{input: "pkg:npm/left-pad@1.0.0", wantErr: true},
		{input: "", wantErr: true},
		{input: "@1.0.0", wantErr: true},
		{input: "a/b", wantErr: true},
	}

	for _, c := range cases {
		t.Run(c.input, func(t *testing.T) {
			id, err := ParsePackageIdentity(c.input)
			if c.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.name, id.Name())
			assert.Equal(t, c.version, id.Version())
		})
	}
}

func TestPackageIdentityWithVersion(t *testing.T) {
	id, err := NewPackageIdentity("serde", "")
	require.NoError(t, err)

	pinned := id.WithVersion("1.0.0")

	assert.False(t, id.HasVersion())
	assert.Equal(t, "serde", id.String())
	assert.Equal(t, "serde@1.0.0", pinned.String())
	assert.Equal(t, "pkg:cargo/serde@1.0.0", pinned.Purl().String())
}
