package stableswap_test

import (
	"testing"
	"time"

	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/stableswap"
)

func TestAmplification(t *testing.T) {
	rampUp := model.StablePool{InitialAmplification: 100, FinalAmplification: 200, InitialBlock: 10, FinalBlock: 20}
	rampDown := model.StablePool{InitialAmplification: 200, FinalAmplification: 100, InitialBlock: 10, FinalBlock: 20}
	flat := model.StablePool{InitialAmplification: 50, FinalAmplification: 50}

	tests := []struct {
		name  string
		pool  model.StablePool
		block uint64
		want  uint64
	}{
		{"before window", rampUp, 5, 100},
		{"at start", rampUp, 10, 100},
		{"midway", rampUp, 15, 150},
		{"partial", rampUp, 12, 120},
		{"at end", rampUp, 20, 200},
		{"after window", rampUp, 1000, 200},
		{"down midway", rampDown, 15, 150},
		{"down partial", rampDown, 13, 170},
		{"down after", rampDown, 21, 100},
		{"no ramp", flat, 0, 50},
		{"no ramp later", flat, 99, 50},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := stableswap.Amplification(tc.pool, tc.block); got != tc.want {
				t.Errorf("Amplification(block %d) = %d, want %d", tc.block, got, tc.want)
			}
		})
	}
}

func TestWallClock(t *testing.T) {
	clock := stableswap.WallClock(time.Now().Add(-time.Minute), 6*time.Second)
	if b := clock(); b < 9 || b > 10 {
		t.Errorf("expected block 10 after one minute of 6s blocks, got %d", b)
	}
	if b := stableswap.WallClock(time.Now().Add(time.Hour), time.Second)(); b != 0 {
		t.Errorf("future genesis should be block 0, got %d", b)
	}
	if b := stableswap.WallClock(time.Now(), 0)(); b != 0 {
		t.Errorf("zero block time should be block 0, got %d", b)
	}
}
