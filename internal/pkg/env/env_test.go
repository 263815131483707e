package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"PAY_INT":      "7",
		"PAY_BAD_INT":  "seven",
		"PAY_DURATION": "90s",
		"PAY_BOOL":     "true",
	}
	defer func() { Env = nil }()

	assert.Equal(t, 7, GetEnvInt("PAY_INT", 1))
	assert.Equal(t, 1, GetEnvInt("PAY_BAD_INT", 1))
	assert.Equal(t, 3, GetEnvInt("PAY_MISSING", 3))
	assert.Equal(t, 90*time.Second, GetEnvDuration("PAY_DURATION", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("PAY_MISSING", time.Minute))
	assert.True(t, GetEnvBool("PAY_BOOL", false))
	assert.False(t, GetEnvBool("PAY_MISSING", false))
}

func TestGetEnvFallsBackToProcessEnvironment(t *testing.T) {
	Env = map[string]string{}
	t.Setenv("PAY_FROM_OS", "os-value")

	assert.Equal(t, "os-value", GetEnv("PAY_FROM_OS", "def"))
	assert.Equal(t, "def", GetEnv("PAY_NOT_SET_ANYWHERE", "def"))
}
