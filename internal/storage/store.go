// Package storage persists session summaries when sessions terminate.
package storage

import (
	"context"

	"gridflow/models"
)

// SummaryStore saves the final record of a terminated session.
type SummaryStore interface {
	SaveSummary(ctx context.Context, summary models.SessionSummary) error
}

// Multi fans a summary out to several stores, returning the first error
// after attempting all of them.
type Multi []SummaryStore

func (m Multi) SaveSummary(ctx context.Context, summary models.SessionSummary) error {
	var firstErr error
	for _, s := range m {
		if err := s.SaveSummary(ctx, summary); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
