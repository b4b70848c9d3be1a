package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Violation is the first entry that breaks the running-balance chain.
type Violation struct {
	EntryID  string          `json:"entryId,omitempty"`
	Seq      int64           `json:"seq"`
	Reason   string          `json:"reason"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
}

// AuditReport is the result of re-walking a user's entry chain.
type AuditReport struct {
	UserID        string          `json:"userId"`
	Entries       int             `json:"entries"`
	StoredBalance decimal.Decimal `json:"storedBalance"`
	ChainBalance  decimal.Decimal `json:"chainBalance"`
	Consistent    bool            `json:"consistent"`
	Violation     *Violation      `json:"violation,omitempty"`
}

// Audit re-walks the user's entries in order and checks that every
// resulting balance equals the previous one plus the entry amount, that no
// balance was negative, that sequence numbers are gapless, and that the
// materialized balance equals the last resulting balance.
func (s *Service) Audit(ctx context.Context, userID string) (*AuditReport, error) {
	chain, err := s.store.Chain(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load entry chain: %w", err)
	}
	stored, err := s.store.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}

	report := &AuditReport{UserID: userID, Entries: len(chain), StoredBalance: stored}
	report.ChainBalance, report.Violation = walkChain(chain)

	if report.Violation == nil && !report.ChainBalance.Equal(stored) {
		report.Violation = &Violation{
			Reason:   "materialized balance differs from last resulting balance",
			Expected: report.ChainBalance,
			Actual:   stored,
		}
	}
	report.Consistent = report.Violation == nil

	if !report.Consistent {
		auditViolationsTotal.Inc()
		s.logger.Error("ledger chain violation",
			"user_id", userID, "seq", report.Violation.Seq, "reason", report.Violation.Reason,
			"expected", report.Violation.Expected.String(), "actual", report.Violation.Actual.String())
	}
	return report, nil
}

func walkChain(chain []*Entry) (decimal.Decimal, *Violation) {
	running := decimal.Zero
	for i, e := range chain {
		want := int64(i + 1)
		if e.Seq != want {
			return running, &Violation{
				EntryID: e.ID, Seq: e.Seq, Reason: "sequence gap",
				Expected: decimal.NewFromInt(want), Actual: decimal.NewFromInt(e.Seq),
			}
		}
		next := running.Add(e.Amount)
		if !e.ResultingBalance.Equal(next) {
			return running, &Violation{
				EntryID: e.ID, Seq: e.Seq, Reason: "resulting balance mismatch",
				Expected: next, Actual: e.ResultingBalance,
			}
		}
		if next.IsNegative() {
			return running, &Violation{
				EntryID: e.ID, Seq: e.Seq, Reason: "negative balance",
				Expected: decimal.Zero, Actual: next,
			}
		}
		running = next
	}
	return running, nil
}
