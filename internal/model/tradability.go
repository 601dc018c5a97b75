package model

import (
	"encoding/json"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Capability is one permitted operation on an asset.
type Capability string

const (
	Sell            Capability = "SELL"
	Buy             Capability = "BUY"
	AddLiquidity    Capability = "ADD_LIQUIDITY"
	RemoveLiquidity Capability = "REMOVE_LIQUIDITY"
)

var allCapabilities = []Capability{Sell, Buy, AddLiquidity, RemoveLiquidity}

// Tradability is the set of capabilities currently granted to an asset.
// The zero value grants nothing.
type Tradability struct {
	set mapset.Set[Capability]
}

// NewTradability returns a set holding caps.
func NewTradability(caps ...Capability) Tradability {
	return Tradability{set: mapset.NewThreadUnsafeSet(caps...)}
}

// FullyTradable grants every capability.
func FullyTradable() Tradability { return NewTradability(allCapabilities...) }

func (t Tradability) Contains(c Capability) bool {
	return t.set != nil && t.set.Contains(c)
}

// Clone returns an independent copy.
func (t Tradability) Clone() Tradability {
	if t.set == nil {
		return NewTradability()
	}
	return Tradability{set: t.set.Clone()}
}

// Capabilities returns the granted capabilities in a stable order.
func (t Tradability) Capabilities() []Capability {
	if t.set == nil {
		return []Capability{}
	}
	caps := t.set.ToSlice()
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

func (t Tradability) Equal(o Tradability) bool {
	if t.set == nil || o.set == nil {
		return len(t.Capabilities()) == len(o.Capabilities())
	}
	return t.set.Equal(o.set)
}

func (t Tradability) String() string {
	return fmt.Sprint(t.Capabilities())
}

func (t Tradability) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Capabilities())
}

func (t *Tradability) UnmarshalJSON(data []byte) error {
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return err
	}
	for _, c := range caps {
		switch c {
		case Sell, Buy, AddLiquidity, RemoveLiquidity:
		default:
			return fmt.Errorf("model: unknown capability %q", c)
		}
	}
	*t = NewTradability(caps...)
	return nil
}
