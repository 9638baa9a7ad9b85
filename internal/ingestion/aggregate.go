package ingestion

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"
)

type (
	visitKey struct {
		serviceCategory string
		unitType        string
		gender          string
		ageBucket       string
	}

	diagnosisKey struct {
		date      time.Time
		code      string
		gender    string
		ageBucket string
		role      string
	}
)

// AggregateVisits tallies raw visit records into visit facts and diagnosis facts for one date.
// Each visit counts once per distinct dimension tuple; its first diagnosis code is primary and
// the remaining codes secondary. Output order is deterministic.
func AggregateVisits(facilityID string, date time.Time, visits []VisitRecord) ([]VisitFact, []DiagnosisFact) {
	visitCounts := make(map[visitKey]uint32)
	diagnosisCounts := make(map[diagnosisKey]uint32)

	for _, v := range visits {
		visitCounts[visitKey{
			serviceCategory: v.ServiceCategory,
			unitType:        v.UnitType,
			gender:          v.Gender,
			ageBucket:       v.AgeBucket,
		}]++

		for i, code := range v.DiagnosisCodes {
			role := RoleSecondary
			if i == 0 {
				role = RolePrimary
			}

			diagnosisCounts[diagnosisKey{
				date:      date,
				code:      code,
				gender:    v.Gender,
				ageBucket: v.AgeBucket,
				role:      role,
			}]++
		}
	}

	visitFacts := make([]VisitFact, 0, len(visitCounts))
	for k, n := range visitCounts {
		visitFacts = append(visitFacts, VisitFact{
			FacilityID:      facilityID,
			Date:            date,
			ServiceCategory: k.serviceCategory,
			UnitType:        k.unitType,
			Gender:          k.gender,
			AgeBucket:       k.ageBucket,
			VisitCount:      n,
			UniquePatients:  n,
		})
	}

	slices.SortFunc(visitFacts, compareVisitFacts)

	return visitFacts, diagnosisFacts(facilityID, diagnosisCounts)
}

// AggregateDailyDiagnoses sums daily diagnosis lines that share date, code, gender, age bucket
// and role. Lines summing to zero cases produce no fact.
func AggregateDailyDiagnoses(facilityID string, lines []DailyDiagnosisLine) ([]DiagnosisFact, error) {
	sums := make(map[diagnosisKey]uint64)

	for _, l := range lines {
		date, err := parseDate(l.Date)
		if err != nil {
			return nil, err
		}

		sums[diagnosisKey{
			date:      date,
			code:      l.Code,
			gender:    l.Gender,
			ageBucket: l.AgeBucket,
			role:      l.Role,
		}] += uint64(l.Cases)
	}

	counts := make(map[diagnosisKey]uint32, len(sums))

	for k, n := range sums {
		if n > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s on %s: %d cases exceeds the supported maximum",
				ErrValidation, k.code, k.date.Format(DateLayout), n)
		}

		if n > 0 {
			counts[k] = uint32(n)
		}
	}

	return diagnosisFacts(facilityID, counts), nil
}

func diagnosisFacts(facilityID string, counts map[diagnosisKey]uint32) []DiagnosisFact {
	facts := make([]DiagnosisFact, 0, len(counts))
	for k, n := range counts {
		facts = append(facts, DiagnosisFact{
			FacilityID:     facilityID,
			Date:           k.date,
			Code:           k.code,
			Gender:         k.gender,
			AgeBucket:      k.ageBucket,
			Role:           k.role,
			CaseCount:      n,
			UniquePatients: n,
		})
	}

	slices.SortFunc(facts, compareDiagnosisFacts)

	return facts
}

func compareVisitFacts(a, b VisitFact) int {
	return cmp.Or(
		a.Date.Compare(b.Date),
		cmp.Compare(a.ServiceCategory, b.ServiceCategory),
		cmp.Compare(a.UnitType, b.UnitType),
		cmp.Compare(a.Gender, b.Gender),
		cmp.Compare(a.AgeBucket, b.AgeBucket),
	)
}

func compareDiagnosisFacts(a, b DiagnosisFact) int {
	return cmp.Or(
		a.Date.Compare(b.Date),
		cmp.Compare(a.Code, b.Code),
		cmp.Compare(a.Role, b.Role),
		cmp.Compare(a.Gender, b.Gender),
		cmp.Compare(a.AgeBucket, b.AgeBucket),
	)
}
