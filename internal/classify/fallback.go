package classify

import (
	"context"
	"log/slog"
)

// Fallback tries a primary classifier and falls back to a secondary when
// the primary fails. The primary's error tag is carried into the fallback
// result so the job trace shows which path produced the intent.
type Fallback struct {
	primary   Classifier
	secondary Classifier
	logger    *slog.Logger
}

func NewFallback(primary, secondary Classifier, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) Classify(ctx context.Context, req Request) (Result, error) {
	result, err := f.primary.Classify(ctx, req)
	if err == nil {
		return result, nil
	}

	f.logger.Warn("primary classifier failed, using fallback",
		slog.String("error", err.Error()),
	)

	fallbackResult, fallbackErr := f.secondary.Classify(ctx, req)
	if fallbackErr != nil {
		return fallbackResult, fallbackErr
	}
	if result.Err != "" {
		fallbackResult.Err = result.Err
	}
	return fallbackResult, nil
}
