package pipeline

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const debugPrefix = "debug/"

// NewKey builds an artifact key like 2024-05-01/kurento1714560000000-1a2b3c4d5e.webm.
func NewKey(now time.Time, ext string) string {
	rnd := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("%s/kurento%d-%s.%s", now.Format("2006-01-02"), now.UnixMilli(), rnd, ext)
}

// DebugKey maps an artifact key into the diagnostic dump namespace.
func DebugKey(key string) string {
	return debugPrefix + strings.TrimSuffix(key, path.Ext(key)) + ".json"
}
