package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Validator resolves requested codes into usable discounts and consumes
// their uses once an order is committed.
type Validator struct {
	repo Repository
	loc  *time.Location
	now  func() time.Time
}

// NewValidator creates a Validator. Dates are compared in loc; a nil loc
// means UTC.
func NewValidator(repo Repository, loc *time.Location) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	return &Validator{
		repo: repo,
		loc:  loc,
		now:  time.Now,
	}
}

// ValidateAndGet returns the discounts for codes, failing with *InvalidError
// on the first code that is repeated, unknown, outside its validity window or
// used up. It never modifies stored state, so calling it again yields the
// same outcome.
func (v *Validator) ValidateAndGet(ctx context.Context, codes []string) ([]Discount, error) {
	if len(codes) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if _, dup := seen[code]; dup {
			return nil, &InvalidError{Code: code, Reason: ReasonDuplicate}
		}
		seen[code] = struct{}{}
	}

	discounts, err := v.repo.GetByCodes(ctx, codes)
	if err != nil {
		return nil, errors.Wrap(err, "get discounts by codes")
	}

	if len(discounts) != len(codes) {
		found := make(map[string]struct{}, len(discounts))
		for _, d := range discounts {
			found[d.Code] = struct{}{}
		}
		for _, code := range codes {
			if _, ok := found[code]; !ok {
				return nil, &InvalidError{Code: code, Reason: ReasonNotFound}
			}
		}
	}

	today := v.today()
	for _, d := range discounts {
		if err := check(d, today); err != nil {
			return nil, err
		}
	}
	return discounts, nil
}

// DecrementUsage consumes one use of every discount. It must run inside the
// transaction that commits the order using them.
func (v *Validator) DecrementUsage(ctx context.Context, discounts []Discount) error {
	for _, d := range discounts {
		if _, err := v.repo.DecrementUses(ctx, d.ID); err != nil {
			if errors.Is(err, ErrExhausted) {
				return &InvalidError{Code: d.Code, Reason: ReasonNoRemainingUses}
			}
			return errors.Wrapf(err, "decrement uses of discount %q", d.Code)
		}
	}
	return nil
}

func (v *Validator) today() time.Time {
	return dateOf(v.now().In(v.loc))
}

func check(d Discount, today time.Time) error {
	switch {
	case today.Before(dateOf(d.ValidFrom)):
		return &InvalidError{Code: d.Code, Reason: ReasonNotYetValid}
	case today.After(dateOf(d.ValidUntil)):
		return &InvalidError{Code: d.Code, Reason: ReasonExpired}
	case d.RemainingUses <= 0:
		return &InvalidError{Code: d.Code, Reason: ReasonNoRemainingUses}
	}
	return nil
}

// dateOf drops the clock part of t, keeping its calendar date.
func dateOf(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}
