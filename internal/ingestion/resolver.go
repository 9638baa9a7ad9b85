package ingestion

import (
	"context"
	"errors"
	"fmt"
)

// CodeAliaser maps a facility code to its canonical form. aliasing.Resolver satisfies it.
type CodeAliaser interface {
	Resolve(code string) string
}

// FacilityResolver attributes a batch to a reference facility.
type FacilityResolver struct {
	store   FacilityStore
	aliases CodeAliaser
}

// NewFacilityResolver creates a resolver. aliases may be nil.
func NewFacilityResolver(store FacilityStore, aliases CodeAliaser) *FacilityResolver {
	return &FacilityResolver{store: store, aliases: aliases}
}

// Resolve finds the facility of batch. The id wins when both id and code are supplied; a code
// that does not belong to that facility is a validation error. Lookups by code go through the
// alias table first. Missing facilities yield ErrFacilityNotFound.
func (r *FacilityResolver) Resolve(ctx context.Context, batch *Batch) (*Facility, error) {
	if batch.FacilityID != "" {
		facility, err := r.store.FindFacilityByID(ctx, batch.FacilityID)
		if err != nil {
			return nil, lookupError("facilityId", batch.FacilityID, err)
		}

		if batch.FacilityCode != "" && r.canonical(batch.FacilityCode) != facility.Code {
			return nil, NewValidationError("facilityCode",
				fmt.Sprintf("does not match facility %s", facility.ID))
		}

		return facility, nil
	}

	if batch.FacilityCode == "" {
		return nil, NewValidationError("facilityId", "facilityId or facilityCode is required")
	}

	code := r.canonical(batch.FacilityCode)

	facility, err := r.store.FindFacilityByCode(ctx, code)
	if err != nil {
		return nil, lookupError("facilityCode", code, err)
	}

	return facility, nil
}

func (r *FacilityResolver) canonical(code string) string {
	if r.aliases == nil {
		return code
	}

	return r.aliases.Resolve(code)
}

func lookupError(field, value string, err error) error {
	if errors.Is(err, ErrFacilityNotFound) {
		return fmt.Errorf("%w: %s %q", ErrFacilityNotFound, field, value)
	}

	return fmt.Errorf("facility lookup by %s: %w", field, err)
}
