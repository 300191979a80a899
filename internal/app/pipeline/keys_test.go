package pipeline

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewKey(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	key := NewKey(now, "webm")
	assert.Regexp(t, regexp.MustCompile(`^2024-05-01/kurento1714557600000-[0-9a-f]{10}\.webm$`), key)
	assert.NotEqual(t, key, NewKey(now, "webm"))
}

func TestDebugKey(t *testing.T) {
	assert.Equal(t, "debug/2024-05-01/kurento1-x.json", DebugKey("2024-05-01/kurento1-x.webm"))
}
