// Package llm asks self-hosted vision language models whether a message is
// a phishing or scam post.
package llm

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Label is the model's classification.
type Label string

const (
	LabelScam   Label = "scam"
	LabelBenign Label = "benign"
)

// Image is sent inline when Data is set, otherwise by URL where the backend
// supports it.
type Image struct {
	Data        []byte
	URL         string
	ContentType string
}

// DataURI encodes Data as a data: URI.
func (i Image) DataURI() string {
	ct := i.ContentType
	if ct == "" {
		ct = http.DetectContentType(i.Data)
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Request is one classification.
type Request struct {
	Text   string
	Images []Image
}

// Verdict is the parsed model answer. Label is empty when the answer
// could not be parsed.
type Verdict struct {
	Label      Label
	Confidence float64
	Reason     string
	Response   string
	Model      string
}

const systemPrompt = `You are a moderation classifier for a gaming chat community.
Decide whether the message below is a scam: phishing links, fake giveaways,
fake "free nitro" or gift offers, crypto airdrops, account-selling, or a
screenshot used as bait. Screenshots of genuine game pulls are benign.

Answer with exactly three lines:
Verdict: scam or benign
Confidence: a number between 0 and 1
Reason: one short sentence`

func prompt(r Request) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")
	if r.Text != "" {
		fmt.Fprintf(&b, "Message text: %q\n", r.Text)
	} else {
		b.WriteString("Message text: (none)\n")
	}
	fmt.Fprintf(&b, "Attached images: %d\n", len(r.Images))
	return b.String()
}

var (
	verdictPattern    = regexp.MustCompile(`(?i)verdict:\s*\**\s*(scam|phishing|unsafe|benign|safe)`)
	confidencePattern = regexp.MustCompile(`(?i)confidence:\s*\**\s*([0-9]*\.?[0-9]+)(\s*%)?`)
	reasonPattern     = regexp.MustCompile(`(?i)reason:\s*(.+)`)
)

// parseVerdict reads the three-line answer. A missing confidence defaults
// to 0.5.
func parseVerdict(response, model string) Verdict {
	v := Verdict{Response: response, Model: model}
	m := verdictPattern.FindStringSubmatch(response)
	if len(m) < 2 {
		return v
	}
	switch strings.ToLower(m[1]) {
	case "scam", "phishing", "unsafe":
		v.Label = LabelScam
	default:
		v.Label = LabelBenign
	}

	v.Confidence = 0.5
	if c := confidencePattern.FindStringSubmatch(response); len(c) >= 2 {
		if f, err := strconv.ParseFloat(c[1], 64); err == nil {
			if c[2] != "" || f > 1 {
				f /= 100
			}
			v.Confidence = min(max(f, 0), 1)
		}
	}
	if r := reasonPattern.FindStringSubmatch(response); len(r) >= 2 {
		v.Reason = strings.TrimSpace(r[1])
	}
	return v
}
