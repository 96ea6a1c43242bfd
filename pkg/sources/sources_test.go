package sources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Adda-Baaj/khobor-ingest/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("BBC_FEED", "https://feeds.bbci.co.uk/news/rss.xml")
	path := writeFile(t, "sources.yaml", `
sources:
  - id: BBC
    feeds: ["${BBC_FEED}", "  "]
    mode: Simple
    hard_domains: ["www.BBC.co.uk", "bbc.com"]
    language: english
    country: international
  - id: prothomalo
    feeds: ["https://www.prothomalo.com/feed"]
    enabled: false
    mode: hybrid
    parser: readability
`)

	reg, err := Load(path)
	require.NoError(t, err)

	bbc, ok := reg.ByID("bbc")
	require.True(t, ok)
	assert.Equal(t, []string{"https://feeds.bbci.co.uk/news/rss.xml"}, bbc.Feeds)
	assert.Equal(t, domain.ModeSimple, bbc.Mode)
	assert.Equal(t, []string{"bbc.co.uk", "bbc.com"}, bbc.HardDomains)
	assert.True(t, bbc.EnabledValue())
	assert.Equal(t, "bbc", bbc.ParserName())

	pa, ok := reg.ByID("prothomalo")
	require.True(t, ok)
	assert.False(t, pa.EnabledValue())
	assert.Equal(t, "readability", pa.ParserName())
	assert.Empty(t, pa.HardDomains)

	assert.Len(t, reg.All(), 2)
	enabled := reg.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "bbc", enabled[0].ID)
	require.NoError(t, reg.Validate())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "sources.json", `{"sources":[{"id":"a","feeds":["https://a.test/rss"],"mode":"rss_only"}]}`)

	reg, err := Load(path)
	require.NoError(t, err)
	src, ok := reg.ByID("a")
	require.True(t, ok)
	assert.Equal(t, domain.ModeRSSOnly, src.Mode)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing mode": `
sources:
  - id: a
    feeds: ["https://a.test/rss"]
`,
		"unknown mode": `
sources:
  - id: a
    feeds: ["https://a.test/rss"]
    mode: turbo
`,
		"feeds not a list": `
sources:
  - id: a
    feeds: "https://a.test/rss"
    mode: simple
`,
		"hard domains not a list": `
sources:
  - id: a
    feeds: ["https://a.test/rss"]
    mode: hybrid
    hard_domains: a.test
`,
		"feeds missing": `
sources:
  - id: a
    mode: simple
`,
		"duplicate ids": `
sources:
  - id: a
    feeds: []
    mode: simple
  - id: A
    feeds: []
    mode: simple
`,
		"empty": `sources: []`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "sources.yaml", body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateCatchesHandBuiltRegistry(t *testing.T) {
	reg := &Registry{sources: []Source{{ID: "x", Mode: "fast"}}}
	assert.ErrorIs(t, reg.Validate(), ErrInvalidConfig)

	var nilReg *Registry
	assert.ErrorIs(t, nilReg.Validate(), ErrInvalidConfig)
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"www.Example.com":                 "example.com",
		"https://www.bbc.co.uk/news/a-1":  "bbc.co.uk",
		"en.prothomalo.com":               "en.prothomalo.com",
		"http://user@www.test.com:8080/x": "test.com",
		"  ":                              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeDomain(in), in)
	}
}
