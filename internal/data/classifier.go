package data

import (
	"context"
	"errors"
	"fmt"

	"phashguard/internal/biz"
	"phashguard/internal/conf"
	"phashguard/internal/pkg/filter"
	"phashguard/internal/pkg/llm"
	"phashguard/internal/pkg/nsfw"

	"github.com/go-kratos/kratos/v2/log"
)

var (
	errNoText   = errors.New("payload has no text")
	errNoImages = errors.New("payload has no images")
)

// NewClassifierProviders builds the provider chain in the configured order.
func NewClassifierProviders(c *conf.Classifier, logger log.Logger) (biz.ClassifierProviders, func(), error) {
	helper := log.NewHelper(log.With(logger, "module", "data/classifier"))

	var (
		providers biz.ClassifierProviders
		closers   []func() error
	)
	cleanup := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				helper.Warnf("close classifier: %v", err)
			}
		}
	}

	for _, name := range c.Order {
		switch name {
		case "keyword":
			phrases := make([]filter.Phrase, 0, len(c.Keyword.Phrases))
			for _, p := range c.Keyword.Phrases {
				phrases = append(phrases, filter.Phrase{Text: p.Text, Category: p.Category, Score: p.Score})
			}
			providers = append(providers, &keywordProvider{matcher: filter.NewMatcher(phrases)})
		case "nsfw-http":
			cfg := nsfw.DefaultConfig()
			if c.NSFWHTTP.BaseURL != "" {
				cfg.BaseURL = c.NSFWHTTP.BaseURL
			}
			if c.NSFWHTTP.Threshold > 0 {
				cfg.Threshold = c.NSFWHTTP.Threshold
			}
			cfg.Timeout = c.PerProviderTimeout()
			client := nsfw.NewClient(cfg)
			providers = append(providers, &imageProvider{
				name:      name,
				threshold: client.Threshold(),
				detect: func(ctx context.Context, img biz.ImagePayload) (*nsfw.DetectionResult, error) {
					if len(img.Data) > 0 {
						return client.DetectFromBytes(ctx, img.Data)
					}
					return client.DetectFromURL(ctx, img.URL)
				},
			})
		case "nsfw-grpc":
			client, err := nsfw.NewGRPCClient(nsfw.GRPCConfig{
				Address: c.NSFWGRPC.Addr,
				Method:  c.NSFWGRPC.Method,
				Timeout: c.PerProviderTimeout(),
			})
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			closers = append(closers, client.Close)
			threshold := c.NSFWHTTP.Threshold
			if threshold <= 0 {
				threshold = nsfw.DefaultConfig().Threshold
			}
			providers = append(providers, &imageProvider{
				name:      name,
				threshold: threshold,
				detect: func(ctx context.Context, img biz.ImagePayload) (*nsfw.DetectionResult, error) {
					return client.Predict(ctx, img.Data, img.URL)
				},
			})
		case "ollama":
			cfg := llm.DefaultOllamaConfig()
			if c.Ollama.BaseURL != "" {
				cfg.BaseURL = c.Ollama.BaseURL
			}
			if c.Ollama.Model != "" {
				cfg.Model = c.Ollama.Model
			}
			cfg.Timeout = c.PerProviderTimeout()
			providers = append(providers, &llmProvider{name: name, client: llm.NewOllamaClient(cfg)})
		case "vllm":
			cfg := llm.DefaultVLLMConfig()
			if c.VLLM.BaseURL != "" {
				cfg.BaseURL = c.VLLM.BaseURL
			}
			if c.VLLM.Model != "" {
				cfg.Model = c.VLLM.Model
			}
			cfg.APIKey = c.VLLM.APIKey
			cfg.Timeout = c.PerProviderTimeout()
			providers = append(providers, &llmProvider{name: name, client: llm.NewVLLMClient(cfg)})
		default:
			cleanup()
			return nil, nil, fmt.Errorf("unknown classifier provider %q", name)
		}
	}

	helper.Infof("classifier chain: %v", c.Order)
	return providers, cleanup, nil
}

// keywordProvider matches scam phrases in message text.
type keywordProvider struct {
	matcher *filter.Matcher
}

func (p *keywordProvider) Name() string { return "keyword" }

// Classify has no opinion on text without a known phrase, so the chain
// moves on to the next provider.
func (p *keywordProvider) Classify(_ context.Context, payload biz.ClassifyPayload) (biz.ProviderVerdict, error) {
	if payload.Text == "" {
		return biz.ProviderVerdict{}, errNoText
	}
	m, ok := p.matcher.Score(payload.Text)
	if !ok {
		return biz.ProviderVerdict{}, fmt.Errorf("%w: no phrase matched", biz.ErrClassifierUnavailable)
	}
	score := m.Score
	if score <= 0 || score > 1 {
		score = 1
	}
	return biz.ProviderVerdict{Label: biz.LabelMatch, Confidence: score}, nil
}

// imageProvider scores every image; one flagged image flags the payload.
// Unflagged payloads fall through: a safe NSFW score says nothing about
// phishing.
type imageProvider struct {
	name      string
	threshold float64
	detect    func(ctx context.Context, img biz.ImagePayload) (*nsfw.DetectionResult, error)
}

func (p *imageProvider) Name() string { return p.name }

func (p *imageProvider) Classify(ctx context.Context, payload biz.ClassifyPayload) (biz.ProviderVerdict, error) {
	if len(payload.Images) == 0 {
		return biz.ProviderVerdict{}, errNoImages
	}
	var (
		flagged bool
		worst   float64
	)
	for _, img := range payload.Images {
		res, err := p.detect(ctx, img)
		if err != nil {
			return biz.ProviderVerdict{}, fmt.Errorf("%w: %s: %w", biz.ErrClassifierUnavailable, p.name, err)
		}
		if res.Flagged(p.threshold) {
			flagged = true
			worst = max(worst, res.NSFWScore)
		}
	}
	if !flagged {
		return biz.ProviderVerdict{}, fmt.Errorf("%w: %s: no image flagged", biz.ErrClassifierUnavailable, p.name)
	}
	return biz.ProviderVerdict{Label: biz.LabelMatch, Confidence: worst}, nil
}

type visionClassifier interface {
	Classify(ctx context.Context, r llm.Request) (*llm.Verdict, error)
}

// llmProvider asks a vision model whether the message is a scam.
type llmProvider struct {
	name   string
	client visionClassifier
}

func (p *llmProvider) Name() string { return p.name }

func (p *llmProvider) Classify(ctx context.Context, payload biz.ClassifyPayload) (biz.ProviderVerdict, error) {
	req := llm.Request{Text: payload.Text}
	for _, img := range payload.Images {
		req.Images = append(req.Images, llm.Image{Data: img.Data, URL: img.URL, ContentType: img.ContentType})
	}
	v, err := p.client.Classify(ctx, req)
	if err != nil {
		return biz.ProviderVerdict{}, fmt.Errorf("%w: %s: %w", biz.ErrClassifierUnavailable, p.name, err)
	}
	switch v.Label {
	case llm.LabelScam:
		return biz.ProviderVerdict{Label: biz.LabelMatch, Confidence: v.Confidence}, nil
	case llm.LabelBenign:
		return biz.ProviderVerdict{Label: biz.LabelBenign, Confidence: v.Confidence}, nil
	}
	return biz.ProviderVerdict{Label: biz.LabelUnknown}, nil
}
