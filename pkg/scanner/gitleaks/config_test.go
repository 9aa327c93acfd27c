package gitleaks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mockAllowlistOnlyConfig = `
[allowlist]
paths = ['''testdata''']
`

const mockConfig = `
[allowlist]
paths = ['''testdata''']

[[rules]]
id = "define-class"
description = "Defines classes from raw bytes"
regex = '''defineClass'''
tags = ["category:class_loading", "severity:3"]
`

const mockBadSeverityConfig = `
[[rules]]
id = "define-class"
regex = '''defineClass'''
tags = ["category:class_loading", "severity:9"]
`

func TestParseConfig(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		cfg, err := ParseConfig(mockConfig)
		assert.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "testdata", cfg.Allowlists[0].Paths[0].String())
		assert.Contains(t, cfg.Rules, "define-class")
	})

	t.Run("AllowlistOnlyConfig", func(t *testing.T) {
		_, err := ParseConfig(mockAllowlistOnlyConfig)
		assert.Error(t, err)
	})

	t.Run("BadSeverity", func(t *testing.T) {
		_, err := ParseConfig(mockBadSeverityConfig)
		assert.ErrorContains(t, err, "invalid severity tag")
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		rawConfig := "\ninvalid_key = \"value\"\n"
		_, err := ParseConfig(rawConfig)
		assert.Error(t, err)
	})

	t.Run("EmptyConfig", func(t *testing.T) {
		rawConfig := ""
		_, err := ParseConfig(rawConfig)
		assert.Error(t, err)
	})

	t.Run("DefaultRules", func(t *testing.T) {
		cfg, err := ParseConfig(DefaultRules)
		require.NoError(t, err)

		categories := map[string]bool{}
		for _, rule := range cfg.Rules {
			meta, err := ParseRuleMeta(rule.Tags)
			require.NoError(t, err)
			categories[meta.Category] = true
		}

		for _, category := range []string{
			"authentication", "file_paths", "class_loading", "obfuscation",
			"network", "reflection", "urls", "executables", "deprecated",
		} {
			assert.True(t, categories[category], "missing category %s", category)
		}
	})
}

func TestParseRuleMeta(t *testing.T) {
	meta, err := ParseRuleMeta([]string{"java", "category:urls", "severity:3"})
	assert.NoError(t, err)
	assert.Equal(t, RuleMeta{Category: "urls", Severity: 3}, meta)

	meta, err = ParseRuleMeta(nil)
	assert.NoError(t, err)
	assert.Equal(t, RuleMeta{Category: DefaultCategory, Severity: 0}, meta)

	_, err = ParseRuleMeta([]string{"severity:high"})
	assert.Error(t, err)

	_, err = ParseRuleMeta([]string{"severity:-1"})
	assert.Error(t, err)
}
