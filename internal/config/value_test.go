package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		key  string
		raw  string
		want any
	}{
		{"process.stop_grace", "750ms", 750 * time.Millisecond},
		{"journal.retention", "72h", 72 * time.Hour},
		{"process.kill_tree", "true", true},
		{"journal.enabled", "0", false},
		{"server.port", "8080", 8080},
		{"server.host", "0.0.0.0", "0.0.0.0"},
		{"log.level", "debug", "debug"},
		{"transcoder.min_version", ">= 5.1", ">= 5.1"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := ParseValue(tt.key, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseValue_Rejects(t *testing.T) {
	cases := map[string]string{
		"no.such.key":        "1",
		"process":            "x",
		"process.stop_grace": "soon",
		"journal.retention":  "-1h",
		"process.kill_tree":  "maybe",
		"server.port":        "70000",
		"log.level":          "loud",
		"log.format":         "xml",
	}
	for key, raw := range cases {
		_, err := ParseValue(key, raw)
		assert.Error(t, err, "%s=%s", key, raw)
	}
}
