// Package language infers the conversation language of inbound messages.
package language

import (
	"strings"

	"github.com/pemistahl/lingua-go"

	"github.com/salesrelay/salesrelay/pkg/logging"
)

// DefaultTag is used whenever detection fails or yields an unsupported language.
const DefaultTag = "en"

// supportedTags is the closed set of language tags the prompt templates cover.
var supportedTags = map[string]struct{}{
	"en": {},
	"ru": {},
}

// Classifier maps raw message text onto a supported language tag. It has
// no I/O and no persistence side effects of its own.
type Classifier struct {
	detector lingua.LanguageDetector
	logger   *logging.Logger
}

func NewClassifier(logger *logging.Logger) *Classifier {
	if logger == nil {
		logger = logging.Default()
	}
	// Build against all languages so a confident hit on an unsupported
	// language is distinguishable from a failed detection.
	detector := lingua.NewLanguageDetectorBuilder().
		FromAllLanguages().
		Build()
	return &Classifier{detector: detector, logger: logger}
}

// Classify returns the detected supported tag, falling back to DefaultTag
// on empty, ambiguous, or unsupported input. Failures are diagnostics,
// never errors.
func (c *Classifier) Classify(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		c.logger.Warn("language detection skipped for empty message")
		return DefaultTag
	}

	detected, ok := c.detector.DetectLanguageOf(text)
	if !ok {
		c.logger.Warn("language detection failed", "message", text)
		return DefaultTag
	}

	tag := strings.ToLower(detected.IsoCode639_1().String())
	if _, supported := supportedTags[tag]; !supported {
		c.logger.Warn("detected language is not supported, using default", "detected", tag)
		return DefaultTag
	}
	return tag
}
