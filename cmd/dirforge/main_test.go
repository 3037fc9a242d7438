package main

import (
	"errors"
	"fmt"
	"testing"

	"dirforge/internal/budget"
	"dirforge/internal/campaign"
	"dirforge/internal/dedup"
	"dirforge/internal/phase"
	"dirforge/internal/store"
	"dirforge/internal/taxonomy"
)

func TestExitCode(t *testing.T) {
	budgetDenied := &phase.BudgetError{Service: budget.ServicePublish, Reason: budget.ReasonLifetimeCap}

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation failure", &taxonomy.ValidationError{BadCategories: []string{"karaoke"}}, exitValidation},
		{"budget abort", fmt.Errorf("%w: %w", campaign.ErrAborted, budgetDenied), exitBudget},
		{"published index outage", fmt.Errorf("%w: %w", campaign.ErrAborted,
			fmt.Errorf("%w: read timeout", dedup.ErrIdentityStoreUnavailable)), exitIdentity},
		{"local store outage", fmt.Errorf("%w: %w", campaign.ErrAborted,
			fmt.Errorf("%w: insert: disk I/O error", store.ErrUnavailable)), exitIdentity},
		{"bare store outage", store.ErrUnavailable, exitIdentity},
		{"generic failure", errors.New("no campaign in this workspace"), exitValidation},
	}

	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("%s: exitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
}
