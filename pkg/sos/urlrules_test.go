package sos

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRules(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "url-rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadURLRules(t *testing.T) {
	t.Parallel()

	t.Run("full file", func(t *testing.T) {
		t.Parallel()

		path := writeRules(t, `
incoming_url_regex:
  - name: hash_first
    pattern: '^https?://[^/]+/h/(?P<hash>[0-9a-f-]+)/(?P<object_name>.*)$'
  - name: host_hash
    pattern: '^https?://(?P<hash>[0-9a-f]+)\.[^/]+/(?P<object_name>.*)$'
outgoing_url_format:
  X-CDN-URI: http://{hash_mod}.cdn.example.com/{hash}
outgoing_url_format_head:
  X-CDN-URI: http://head.cdn.example.com/{hash}
not_a_format_section:
  ignored: value
`)

		rules, sections, err := loadURLRules(path)
		require.NoError(t, err)

		require.Len(t, rules, 2)
		assert.Equal(t, "hash_first", rules[0].Name)
		assert.Equal(t, "host_hash", rules[1].Name)
		assert.True(t, rules[0].Regexp.MatchString("http://edge.cdn.example.com/h/abc123/obj.jpg"))

		require.Len(t, sections, 2)
		assert.Equal(t,
			"http://{hash_mod}.cdn.example.com/{hash}",
			sections["outgoing_url_format"]["X-CDN-URI"])
		assert.Equal(t,
			"http://head.cdn.example.com/{hash}",
			sections["outgoing_url_format_head"]["X-CDN-URI"])
	})

	t.Run("missing incoming rules", func(t *testing.T) {
		t.Parallel()

		path := writeRules(t, `
outgoing_url_format:
  X-CDN-URI: http://cdn.example.com/{hash}
`)

		_, _, err := loadURLRules(path)
		assert.ErrorIs(t, err, ErrNoIncomingRules)
	})

	t.Run("bad pattern", func(t *testing.T) {
		t.Parallel()

		path := writeRules(t, `
incoming_url_regex:
  - name: broken
    pattern: '^https?://(unclosed'
`)

		_, _, err := loadURLRules(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, _, err := loadURLRules(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
