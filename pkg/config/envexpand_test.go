package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutesVariables(t *testing.T) {
	t.Setenv("HIVECORE_TEST_HOST", "db.internal")
	t.Setenv("HIVECORE_TEST_PORT", "5433")

	out := ExpandEnv([]byte("host: {{.HIVECORE_TEST_HOST}}:{{.HIVECORE_TEST_PORT}}"))
	assert.Equal(t, "host: db.internal:5433", string(out))
}

func TestExpandEnvMissingVariableIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("password: '{{.HIVECORE_TEST_DEFINITELY_UNSET}}'"))
	assert.Equal(t, "password: ''", string(out))
}

func TestExpandEnvPreservesDollarSigns(t *testing.T) {
	in := []byte(`pattern: "swarm_${SWARM_ID}_.*"`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("value: {{.unclosed")
	assert.Equal(t, in, ExpandEnv(in))
}
