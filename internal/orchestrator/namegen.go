package orchestrator

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

var nameAdjectives = []string{
	"amber", "arctic", "azure", "bold", "bright", "calm", "cedar", "clear",
	"coral", "cosmic", "crimson", "dawn", "deep", "eager", "emerald", "frosty",
	"gentle", "golden", "granite", "hidden", "indigo", "iron", "jade", "keen",
	"lunar", "misty", "nimble", "noble", "opal", "polar", "quiet", "rapid",
	"rustic", "silent", "silver", "solar", "steady", "swift", "tidal", "vivid",
}

var nameNouns = []string{
	"badger", "birch", "brook", "canyon", "cliff", "condor", "crane", "delta",
	"dune", "eagle", "falcon", "finch", "fjord", "fox", "glacier", "grove",
	"harbor", "hawk", "heron", "island", "juniper", "lake", "lark", "lynx",
	"maple", "mesa", "otter", "owl", "peak", "pine", "raven", "reef",
	"ridge", "river", "sparrow", "spruce", "summit", "tide", "willow", "wren",
}

// GenerateSessionName returns a random "adjective-noun" name.
func GenerateSessionName() string {
	return nameAdjectives[randInt(len(nameAdjectives))] + "-" + nameNouns[randInt(len(nameNouns))]
}

// GenerateUniqueSessionName returns a name for which taken reports false.
// After 10 collisions it appends a short random suffix.
func GenerateUniqueSessionName(taken func(string) bool) string {
	for range 10 {
		name := GenerateSessionName()
		if taken == nil || !taken(name) {
			return name
		}
	}
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return GenerateSessionName() + "-" + suffix
}

// randInt returns a cryptographically random int in [0, n).
func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return int(time.Now().UnixNano() % int64(n))
	}
	return int(v.Int64())
}
