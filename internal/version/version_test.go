package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := [3]string{Version, GitSHA, BuildTime}
	defer func() { Version, GitSHA, BuildTime = old[0], old[1], old[2] }()

	assert.Equal(t, "presenced dev (unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "0.4.1", "0123456789abcdef0123", "2026-03-02T09:00:00Z"
	assert.Equal(t, "presenced 0.4.1 (0123456789ab, built 2026-03-02T09:00:00Z)", String())
}
