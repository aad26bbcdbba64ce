// Package translate provides the translation collaborator used to answer
// questions asked in languages other than the corpus language.
package translate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"farmadvisor/internal/domain"
)

// Languages maps supported language codes to their names.
var Languages = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"ta": "Tamil",
}

// Normalize lowercases a language code and strips any region suffix
// ("en-IN" becomes "en").
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return code
}

// Noop returns the text unchanged.
type Noop struct{}

func (Noop) Translate(_ context.Context, text, _, _ string) (string, error) { return text, nil }

// Isolated wraps a Translator so that it can never fail or stall its caller:
// each call is bounded by Timeout and any error returns the source text.
type Isolated struct {
	inner   domain.Translator
	timeout time.Duration
	logger  *zap.Logger
}

// NewIsolated wraps inner. A nil inner behaves like Noop.
func NewIsolated(inner domain.Translator, timeout time.Duration, logger *zap.Logger) *Isolated {
	if inner == nil {
		inner = Noop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Isolated{inner: inner, timeout: timeout, logger: logger.Named("translate")}
}

// Translate always returns a nil error.
func (t *Isolated) Translate(ctx context.Context, text, from, to string) (string, error) {
	from, to = Normalize(from), Normalize(to)
	if text == "" || from == to || to == "" {
		return text, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		out, err := t.inner.Translate(ctx, text, from, to)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil || strings.TrimSpace(r.text) == "" {
			t.logger.Warn("translation failed, using source text",
				zap.String("from", from), zap.String("to", to), zap.Error(r.err))
			return text, nil
		}
		return r.text, nil
	case <-ctx.Done():
		t.logger.Warn("translation timed out, using source text",
			zap.String("from", from), zap.String("to", to), zap.Duration("timeout", t.timeout))
		return text, nil
	}
}

var (
	_ domain.Translator = Noop{}
	_ domain.Translator = (*Isolated)(nil)
)
