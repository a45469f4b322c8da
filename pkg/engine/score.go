package engine

import (
	"math"
	"sort"
	"sync"
)

// ScoreConfig tunes the compatibility score rule
type ScoreConfig struct {
	Ceiling          float64 `yaml:"ceiling" json:"ceiling"`
	Floor            float64 `yaml:"floor" json:"floor"`
	DecayStep        float64 `yaml:"decay_step" json:"decayStep"`
	ExhaustedPenalty float64 `yaml:"exhausted_penalty" json:"exhaustedPenalty"`
	RecoveryAlpha    float64 `yaml:"recovery_alpha" json:"recoveryAlpha"`
}

// DefaultScoreConfig returns the 0-100 scale defaults
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		Ceiling:          100,
		Floor:            0,
		DecayStep:        10,
		ExhaustedPenalty: 25,
		RecoveryAlpha:    0.25,
	}
}

// ScoreEntry is one (device, category) score, used for snapshots
type ScoreEntry struct {
	DeviceID string  `json:"deviceId"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

type scoreKey struct {
	device   string
	category string
}

// ScoreBook holds compatibility scores. Only the engine writes to it.
type ScoreBook struct {
	config ScoreConfig

	mu     sync.RWMutex
	scores map[scoreKey]float64
}

func newScoreBook(config ScoreConfig) *ScoreBook {
	if config.Ceiling <= config.Floor {
		config = DefaultScoreConfig()
	}
	return &ScoreBook{config: config, scores: make(map[scoreKey]float64)}
}

// Get returns the current score; unseen pairs sit at the ceiling
func (b *ScoreBook) Get(deviceID, category string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.scores[scoreKey{deviceID, category}]; ok {
		return s
	}
	return b.config.Ceiling
}

// Device returns every category score recorded for a device
func (b *ScoreBook) Device(deviceID string) map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64)
	for k, s := range b.scores {
		if k.device == deviceID {
			out[k.category] = s
		}
	}
	return out
}

// Snapshot lists every score ordered by device and category
func (b *ScoreBook) Snapshot() []ScoreEntry {
	b.mu.RLock()
	out := make([]ScoreEntry, 0, len(b.scores))
	for k, s := range b.scores {
		out = append(out, ScoreEntry{DeviceID: k.device, Category: k.category, Score: s})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// succeeded applies the success rule for a candidate at index and returns the new score
func (b *ScoreBook) succeeded(deviceID, category string, index int) float64 {
	return b.update(deviceID, category, func(s float64) float64 {
		if index == 0 {
			return s + b.config.RecoveryAlpha*(b.config.Ceiling-s)
		}
		return s - float64(index)*b.config.DecayStep
	})
}

// exhausted applies the failure rule for a chain of n candidates
func (b *ScoreBook) exhausted(deviceID, category string, n int) float64 {
	return b.update(deviceID, category, func(s float64) float64 {
		return s - float64(max(n-1, 0))*b.config.DecayStep - b.config.ExhaustedPenalty
	})
}

func (b *ScoreBook) update(deviceID, category string, rule func(float64) float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := scoreKey{deviceID, category}
	s, ok := b.scores[key]
	if !ok {
		s = b.config.Ceiling
	}
	s = b.clamp(rule(s))
	b.scores[key] = s
	return s
}

func (b *ScoreBook) restore(entries []ScoreEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if e.DeviceID == "" || e.Category == "" || math.IsNaN(e.Score) {
			continue
		}
		b.scores[scoreKey{e.DeviceID, e.Category}] = b.clamp(e.Score)
	}
}

func (b *ScoreBook) clamp(s float64) float64 {
	return math.Max(b.config.Floor, math.Min(b.config.Ceiling, s))
}
