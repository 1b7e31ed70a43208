package ingest

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/domain"
)

// ProcessBatch ingests a buffered run of fixes for one tourist, e.g. a
// mobile client flushing its offline queue after reconnecting. Each fix
// goes through the full single-fix pipeline; a batch is not a
// transaction. Fixes are applied in client-timestamp order so the
// per-tourist monotonicity rule does not spuriously drop reordered
// queue entries.
//
// A fix that fails validation or rate limiting is skipped and the rest
// of the batch continues; ConsentRequired short-circuits the remainder
// because every later fix from the same tourist would fail identically.
// Returns the number of fixes accepted.
func (p *Pipeline) ProcessBatch(ctx context.Context, principal domain.Principal, fixes []domain.Fix) (int, error) {
	if len(fixes) == 0 {
		return 0, nil
	}

	ordered := make([]domain.Fix, len(fixes))
	copy(ordered, fixes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ClientTimestamp.Before(ordered[j].ClientTimestamp)
	})

	accepted := 0
	for _, f := range ordered {
		err := p.Ingest(ctx, principal, f)
		if err == nil {
			accepted++
			continue
		}
		if domain.IsKind(err, domain.KindConsentRequired) {
			return accepted, err
		}
		p.logger.Debug("batch fix rejected",
			zap.String("touristId", f.TouristID),
			zap.Error(err),
		)
	}
	return accepted, nil
}
