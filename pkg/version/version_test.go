package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	t.Parallel()

	info := Get()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.NotEmpty(t, info.Commit)
}

func TestInfoString(t *testing.T) {
	t.Parallel()

	info := Info{
		Version:   "v1.0.0",
		Commit:    "0123456789abcdef0123",
		GoVersion: "go1.24.5",
		Platform:  "linux/amd64",
	}

	assert.Equal(t, "archgen v1.0.0 (0123456789ab, go1.24.5, linux/amd64)", info.String())

	info.Date = "2026-01-02"
	assert.True(t, strings.HasSuffix(info.String(), " built 2026-01-02"))
}
