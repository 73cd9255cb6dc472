package mixer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatByName(t *testing.T) {
	f, ok := FormatByName("application/json")
	require.True(t, ok)
	assert.Equal(t, JSONFormat.Name, f.Name)

	f, ok = FormatByName("application/json; charset=utf-8")
	require.True(t, ok, "media type parameters are ignored")
	assert.Equal(t, JSONFormat.Name, f.Name)

	f, ok = FormatByName("Application/X-YAML")
	require.True(t, ok, "matching is case-insensitive")
	assert.Equal(t, YAMLFormat.Name, f.Name)

	_, ok = FormatByName("text/html")
	assert.False(t, ok)
}

func TestEffectiveFormat(t *testing.T) {
	assert.Equal(t, YAMLFormat.Name, EffectiveFormat([]string{"application/x-yaml"}).Name)
	assert.Equal(t, JSONFormat.Name, EffectiveFormat(nil).Name, "no declaration falls back to JSON")
	assert.Equal(t, JSONFormat.Name, EffectiveFormat([]string{"text/html"}).Name,
		"unsupported declaration falls back to JSON")
}

func TestFormatsRoundTrip(t *testing.T) {
	payload := map[string]any{"result": map[string]any{"id": "7", "name": "alpha"}}
	for _, f := range Formats {
		data, err := f.Encode(payload)
		require.NoError(t, err, f.Name)
		var out map[string]any
		require.NoError(t, f.Decode(data, &out), f.Name)
		assert.Contains(t, out, "result", f.Name)
	}
}
