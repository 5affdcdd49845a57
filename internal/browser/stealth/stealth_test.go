package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBuildScript(t *testing.T) {
	persona := Persona{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/126.0.0.0",
		Platform:  "Win32",
		Languages: []string{"en-US", "en"},
		Width:     1366,
		Height:    900,
	}

	script, err := BuildScript(persona)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "const UIPILOT_PERSONA = {"), "persona must be defined before the evasions run")
	assert.Contains(t, script, `"platform":"Win32"`)
	assert.Contains(t, script, `"languages":["en-US","en"]`)
	assert.Contains(t, script, "'webdriver'")
	assert.True(t, strings.Contains(script, evasionsScript))
}

func TestPlatformFor(t *testing.T) {
	assert.Equal(t, "Win32", PlatformFor("Mozilla/5.0 (Windows NT 10.0; Win64; x64)"))
	assert.Equal(t, "MacIntel", PlatformFor("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)"))
	assert.Equal(t, "Linux x86_64", PlatformFor("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"))
	assert.Equal(t, "", PlatformFor("curl/8.0"))
}

func TestApply_BuildsTasks(t *testing.T) {
	action := Apply(Persona{UserAgent: "ua"}, zaptest.NewLogger(t))
	assert.NotNil(t, action)
}
