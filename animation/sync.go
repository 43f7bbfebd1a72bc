package animation

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// SyncMode decides how a single wave is distributed over several
// channels.
type SyncMode int

const (
	// All channels follow the wave together
	Sync SyncMode = iota
	// One shared coin flip decides for all channels
	RandomSync
	// Every channel has its own coin flip
	RandomUnsync
	// Odd channels get the inverted wave
	Staggered
)

var syncModeNames = map[SyncMode]string{
	Sync:         "Sync",
	RandomSync:   "RandomSync",
	RandomUnsync: "RandomUnsync",
	Staggered:    "Staggered",
}

func (m SyncMode) String() string {
	if name, ok := syncModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// ParseSyncMode is the inverse of String. Matching ignores case.
func ParseSyncMode(name string) (SyncMode, error) {
	for mode, n := range syncModeNames {
		if strings.EqualFold(n, name) {
			return mode, nil
		}
	}
	return Sync, fmt.Errorf("unknown sync mode %q", name)
}

// Resolve distributes the wave value level (0..1) to the channel at
// index according to mode. coins holds one coin flip per channel; the
// first one is the shared coin.
func Resolve(mode SyncMode, index int, level float64, coins []bool) float64 {
	switch mode {
	case Staggered:
		if index%2 == 1 {
			return 1 - level
		}
		return level
	case RandomSync:
		return gate(level, coin(coins, 0))
	case RandomUnsync:
		return gate(level, coin(coins, index))
	default:
		return level
	}
}

func gate(level float64, open bool) float64 {
	if open {
		return level
	}
	return 0
}

func coin(coins []bool, index int) bool {
	if index < 0 || index >= len(coins) {
		return false
	}
	return coins[index]
}

// Coins is the random state shared by all channels of one LED array and
// used by the two random sync modes. It is not safe for concurrent use;
// the render loop owns it.
type Coins struct {
	flips []bool
	drawn time.Time
	rng   *rand.Rand
}

// NewCoins creates the coin state for n channels, all flips false.
func NewCoins(n int, rng *rand.Rand) *Coins {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Coins{
		flips: make([]bool, n),
		rng:   rng,
	}
}

// Refresh draws a new set of flips when at least interval has passed
// since the last draw. An interval of zero or less never redraws.
// Returns true when new flips were drawn.
func (c *Coins) Refresh(now time.Time, interval time.Duration) bool {
	if interval <= 0 || now.Sub(c.drawn) < interval {
		return false
	}
	for i := range c.flips {
		c.flips[i] = c.rng.Intn(2) == 1
	}
	c.drawn = now
	return true
}

// Flips returns the current flips. The slice is owned by c.
func (c *Coins) Flips() []bool {
	return c.flips
}
