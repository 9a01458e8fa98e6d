package biz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"phashguard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// Label is a classifier opinion.
type Label string

const (
	LabelMatch   Label = "match"
	LabelBenign  Label = "benign"
	LabelUnknown Label = "unknown"
)

// ClassificationResult is the bridge's answer. Confidence is within [0,1].
type ClassificationResult struct {
	Label        Label
	Confidence   float64
	Provider     string
	UsedFallback bool
}

func neutralResult() ClassificationResult {
	return ClassificationResult{Label: LabelUnknown, Confidence: 0, UsedFallback: true}
}

// ImagePayload is one image handed to classifiers. Providers use Data when
// present and URL otherwise. Digest keys the known-benign cache.
type ImagePayload struct {
	URL         string
	Data        []byte
	ContentType string
	Digest      string
}

type ClassifyPayload struct {
	Text   string
	Images []ImagePayload
}

// ProviderVerdict is what a single provider returns.
type ProviderVerdict struct {
	Label      Label
	Confidence float64
}

// ClassifierProvider is one remote or local classifier.
type ClassifierProvider interface {
	Name() string
	Classify(ctx context.Context, payload ClassifyPayload) (ProviderVerdict, error)
}

// ClassifierProviders is the ordered provider chain.
type ClassifierProviders []ClassifierProvider

// BenignCache remembers image digests already classified benign.
type BenignCache interface {
	Contains(ctx context.Context, digest string) (bool, error)
	Add(ctx context.Context, digest string) error
}

// ClassifierBridge calls providers in order until one gives a well-formed
// answer. It never returns an error.
type ClassifierBridge struct {
	providers   ClassifierProviders
	perProvider time.Duration
	retry       time.Duration
	overall     time.Duration
	veto        float64
	cache       BenignCache
	log         *log.Helper
}

// NewClassifierBridge creates a bridge. cache may be nil.
func NewClassifierBridge(c *conf.Classifier, m *conf.Match, providers ClassifierProviders, cache BenignCache, logger log.Logger) *ClassifierBridge {
	return &ClassifierBridge{
		providers:   providers,
		perProvider: c.PerProviderTimeout(),
		retry:       c.RetryTimeout(),
		overall:     c.OverallDeadline(),
		veto:        m.VetoConfidence,
		cache:       cache,
		log:         log.NewHelper(log.With(logger, "module", "biz/classifier")),
	}
}

// Providers returns the configured provider names in order.
func (b *ClassifierBridge) Providers() []string {
	names := make([]string, 0, len(b.providers))
	for _, p := range b.providers {
		names = append(names, p.Name())
	}
	return names
}

// Classify tries providers strictly in order. A first provider that fails
// without timing out gets one retry with the shorter retry timeout, taken
// only from budget the later providers do not need. Total wall time is
// bounded by the sum of provider timeouts and the overall deadline.
func (b *ClassifierBridge) Classify(ctx context.Context, payload ClassifyPayload) ClassificationResult {
	if len(b.providers) == 0 {
		return neutralResult()
	}
	if b.knownBenign(ctx, payload) {
		return ClassificationResult{Label: LabelBenign, Confidence: b.veto, Provider: "benign-cache"}
	}

	budget := time.Duration(len(b.providers)) * b.perProvider
	if b.overall > 0 && b.overall < budget {
		budget = b.overall
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for i, p := range b.providers {
		v, err := b.call(ctx, p, payload, b.perProvider)
		if err != nil && i == 0 && !errors.Is(err, ErrClassifierTimeout) && ctx.Err() == nil {
			if retry := b.retryTimeout(ctx); retry > 0 {
				b.log.Debugf("retrying classifier %s after: %v", p.Name(), err)
				v, err = b.call(ctx, p, payload, retry)
			}
		}
		if err == nil {
			err = validVerdict(v)
		}
		if err != nil {
			b.log.Warnf("classifier %s failed: %v", p.Name(), err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		res := ClassificationResult{
			Label:        v.Label,
			Confidence:   v.Confidence,
			Provider:     p.Name(),
			UsedFallback: i != 0,
		}
		if res.Label == LabelBenign && res.Confidence >= b.veto {
			b.rememberBenign(ctx, payload)
		}
		return res
	}
	return neutralResult()
}

// retryTimeout caps the retry so every later provider keeps its full
// timeout.
func (b *ClassifierBridge) retryTimeout(ctx context.Context) time.Duration {
	retry := b.retry
	if deadline, ok := ctx.Deadline(); ok {
		spare := time.Until(deadline) - time.Duration(len(b.providers)-1)*b.perProvider
		retry = min(retry, spare)
	}
	return retry
}

type callOutcome struct {
	v   ProviderVerdict
	err error
}

// call runs the provider in its own goroutine so a provider that ignores
// ctx is abandoned once the timeout fires.
func (b *ClassifierBridge) call(ctx context.Context, p ClassifierProvider, payload ClassifyPayload, timeout time.Duration) (ProviderVerdict, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan callOutcome, 1)
	go func() {
		v, err := p.Classify(cctx, payload)
		ch <- callOutcome{v: v, err: err}
	}()

	select {
	case o := <-ch:
		outcome := "ok"
		if o.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			o.err = fmt.Errorf("%w: %s after %s: %v", ErrClassifierTimeout, p.Name(), timeout, o.err)
		}
		if o.err != nil {
			outcome = "error"
			if !errors.Is(o.err, ErrClassifierUnavailable) && !errors.Is(o.err, ErrClassifierTimeout) {
				o.err = fmt.Errorf("%w: %s: %v", ErrClassifierUnavailable, p.Name(), o.err)
			}
		}
		classifierCallDuration.WithLabelValues(p.Name(), outcome).Observe(time.Since(start).Seconds())
		return o.v, o.err
	case <-cctx.Done():
		classifierCallDuration.WithLabelValues(p.Name(), "timeout").Observe(time.Since(start).Seconds())
		return ProviderVerdict{}, fmt.Errorf("%w: %s after %s", ErrClassifierTimeout, p.Name(), timeout)
	}
}

func validVerdict(v ProviderVerdict) error {
	if v.Label != LabelMatch && v.Label != LabelBenign {
		return fmt.Errorf("%w: label %q", ErrMalformedResult, v.Label)
	}
	if math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v", ErrMalformedResult, v.Confidence)
	}
	return nil
}

// knownBenign reports whether every image in an image-only payload is in
// the benign cache.
func (b *ClassifierBridge) knownBenign(ctx context.Context, payload ClassifyPayload) bool {
	if b.cache == nil || len(payload.Images) == 0 || payload.Text != "" {
		return false
	}
	for _, img := range payload.Images {
		if img.Digest == "" {
			return false
		}
		ok, err := b.cache.Contains(ctx, img.Digest)
		if err != nil {
			b.log.Warnf("benign cache lookup: %v", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (b *ClassifierBridge) rememberBenign(ctx context.Context, payload ClassifyPayload) {
	if b.cache == nil || payload.Text != "" {
		return
	}
	for _, img := range payload.Images {
		if img.Digest == "" {
			continue
		}
		if err := b.cache.Add(ctx, img.Digest); err != nil {
			b.log.Warnf("benign cache add: %v", err)
			return
		}
	}
}
