package biz

import (
	"phashguard/internal/conf"
	"phashguard/internal/pkg/hash"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewHasher,
	NewMatchEngineFromConf,
	NewBlacklistStore,
	NewActionGate,
	NewClassifierBridge,
	NewModerationUsecase,
)

// NewMatchEngineFromConf builds the engine from required thresholds.
func NewMatchEngineFromConf(c *conf.Match) (*MatchEngine, error) {
	if c.StrictThreshold == nil || c.LenientThreshold == nil {
		return nil, ErrInvalidThresholds
	}
	return NewMatchEngine(*c.StrictThreshold, *c.LenientThreshold)
}

// NewHasher applies the pipeline's frame, size, dimension and download limits.
func NewHasher(c *conf.Pipeline) *hash.Hasher {
	return hash.NewHasher(
		hash.WithMaxFrames(c.MaxFrames),
		hash.WithMaxBytes(c.MaxImageBytes),
		hash.WithMaxPixels(c.MaxImagePixels),
		hash.WithTimeout(c.DownloadTimeout()),
	)
}
