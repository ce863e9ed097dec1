package dispatch

import (
	"strings"
	"time"

	"github.com/seantiz/shardline/internal/model"
)

const rootTimeLayout = "2006-01-02_15-04-05.000000"

// NewRoot returns a fresh output root for a dispatch started at t, in the form
// <timestamp>_<suffix>. The suffix keeps roots distinct when two dispatches
// start within the same microsecond.
func NewRoot(t time.Time) string {
	id := strings.ToLower(model.NewID())
	return t.UTC().Format(rootTimeLayout) + "_" + id[len(id)-4:]
}
