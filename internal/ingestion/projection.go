package ingestion

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// PeriodTable describes a normalized table: its natural key and the value columns an upsert
// overwrites. Column order matches PeriodRecord.Key and PeriodRecord.Values.
//
// RankColumn, when set, names a key column holding a 1-based rank. The other key columns then
// identify one ranking, and a submission replaces it: rows of that ranking ranked above the
// highest rank written are removed in the same transaction. Records must be sorted by rank.
type PeriodTable struct {
	Name         string
	KeyColumns   []string
	ValueColumns []string
	RankColumn   string
}

// ScopeColumns returns the key columns other than RankColumn.
func (t PeriodTable) ScopeColumns() []string {
	return slices.DeleteFunc(slices.Clone(t.KeyColumns), func(col string) bool { return col == t.RankColumn })
}

// Columns returns key columns followed by value columns.
func (t PeriodTable) Columns() []string {
	cols := make([]string, 0, len(t.KeyColumns)+len(t.ValueColumns))
	cols = append(cols, t.KeyColumns...)

	return append(cols, t.ValueColumns...)
}

// PeriodRecord is one normalized row.
type PeriodRecord struct {
	Key    []any
	Values []any
}

// Args returns the record's values in PeriodTable.Columns order.
func (r PeriodRecord) Args() []any {
	args := make([]any, 0, len(r.Key)+len(r.Values))
	args = append(args, r.Key...)

	return append(args, r.Values...)
}

var (
	monthlyKey = []string{"facility_id", "category", "month", "year"}
	dailyKey   = []string{"facility_id", "service_date"}

	StaffingTable      = PeriodTable{Name: "staffing_period", KeyColumns: monthlyKey, ValueColumns: []string{"jumlah", "target"}}
	MedicineStockTable = PeriodTable{
		Name: "medicine_stock_period", KeyColumns: monthlyKey, ValueColumns: []string{"stock", "minimum_stock", "unit"},
	}
	FinanceTable       = PeriodTable{Name: "finance_period", KeyColumns: monthlyKey, ValueColumns: []string{"budget", "realization"}}
	AntenatalCareTable = PeriodTable{Name: "antenatal_care_period", KeyColumns: monthlyKey, ValueColumns: []string{"visits", "target"}}
	ImmunizationTable  = PeriodTable{Name: "immunization_period", KeyColumns: monthlyKey, ValueColumns: []string{"covered", "target"}}
	ScreeningTable     = PeriodTable{
		Name: "screening_period", KeyColumns: monthlyKey, ValueColumns: []string{"screened", "positive", "target"},
	}
	RiskFactorTable = PeriodTable{
		Name:         "risk_factor_period",
		KeyColumns:   []string{"facility_id", "category", "gender", "month", "year"},
		ValueColumns: []string{"count"},
	}
	DentalExamTable = PeriodTable{Name: "dental_exam_period", KeyColumns: monthlyKey, ValueColumns: []string{"examined", "treated"}}
	TriageTable     = PeriodTable{Name: "triage_daily", KeyColumns: dailyKey, ValueColumns: []string{"red", "yellow", "green", "black"}}
	PharmacyTable   = PeriodTable{Name: "pharmacy_daily", KeyColumns: dailyKey, ValueColumns: []string{"prescriptions", "items"}}
	LabTable        = PeriodTable{Name: "lab_daily", KeyColumns: dailyKey, ValueColumns: []string{"tests", "abnormal"}}
	InpatientTable  = PeriodTable{
		Name: "inpatient_daily", KeyColumns: dailyKey, ValueColumns: []string{"admissions", "discharges", "bed_days", "occupied_beds"},
	}
	TopDiagnosisTable = PeriodTable{
		Name:         "top_diagnosis_period",
		KeyColumns:   []string{"facility_id", "month", "year", "rank"},
		ValueColumns: []string{"code", "cases"},
		RankColumn:   "rank",
	}
)

// PeriodTables returns every normalized table.
func PeriodTables() []PeriodTable {
	return []PeriodTable{
		StaffingTable, MedicineStockTable, FinanceTable,
		AntenatalCareTable, ImmunizationTable,
		ScreeningTable, RiskFactorTable, DentalExamTable,
		TriageTable, PharmacyTable, LabTable, InpatientTable,
		TopDiagnosisTable,
	}
}

type (
	// TableRecords groups the records destined for one table.
	TableRecords struct {
		Table   PeriodTable
		Records []PeriodRecord
	}

	// Projection is everything one event writes.
	Projection struct {
		Tables         []TableRecords
		VisitFacts     []VisitFact
		DiagnosisFacts []DiagnosisFact
	}
)

// Empty reports whether the projection writes nothing.
func (p *Projection) Empty() bool {
	if len(p.VisitFacts) > 0 || len(p.DiagnosisFacts) > 0 {
		return false
	}

	for _, t := range p.Tables {
		if len(t.Records) > 0 {
			return false
		}
	}

	return true
}

func (p *Projection) add(table PeriodTable, records []PeriodRecord) {
	if len(records) > 0 {
		p.Tables = append(p.Tables, TableRecords{Table: table, Records: records})
	}
}

// Project maps a validated payload to the rows it produces for facilityID.
func Project(facilityID string, payload Payload) (*Projection, error) {
	proj := &Projection{}

	switch e := payload.(type) {
	case *VisitEvent:
		date, err := parseDate(e.Date)
		if err != nil {
			return nil, err
		}

		proj.VisitFacts, proj.DiagnosisFacts = AggregateVisits(facilityID, date, e.Visits)
	case *ResourceEvent:
		projectResource(proj, facilityID, e)
	case *MaternalChildEvent:
		projectMaternalChild(proj, facilityID, e)
	case *ScreeningEvent:
		projectScreening(proj, facilityID, e)
	case *DailyServiceEvent:
		if err := projectDailyService(proj, facilityID, e); err != nil {
			return nil, err
		}
	case *DiagnosisEvent:
		if err := projectDiagnosis(proj, facilityID, e); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnhandledEventType, payload)
	}

	return proj, nil
}

func monthly(facilityID, category string, p Period) []any {
	return []any{facilityID, category, p.Month, p.Year}
}

func projectResource(proj *Projection, facilityID string, e *ResourceEvent) {
	staffing := make([]PeriodRecord, 0, len(e.Staffing))
	for _, l := range e.Staffing {
		staffing = append(staffing, PeriodRecord{Key: monthly(facilityID, l.Category, e.Period), Values: []any{l.Jumlah, l.Target}})
	}

	stock := make([]PeriodRecord, 0, len(e.MedicineStock))
	for _, l := range e.MedicineStock {
		stock = append(stock, PeriodRecord{
			Key:    monthly(facilityID, l.Category, e.Period),
			Values: []any{l.Stock, l.MinimumStock, l.Unit},
		})
	}

	finance := make([]PeriodRecord, 0, len(e.Finance))
	for _, l := range e.Finance {
		finance = append(finance, PeriodRecord{
			Key:    monthly(facilityID, l.Category, e.Period),
			Values: []any{l.Budget, l.Realization},
		})
	}

	proj.add(StaffingTable, staffing)
	proj.add(MedicineStockTable, stock)
	proj.add(FinanceTable, finance)
}

func projectMaternalChild(proj *Projection, facilityID string, e *MaternalChildEvent) {
	anc := make([]PeriodRecord, 0, len(e.AntenatalCare))
	for _, l := range e.AntenatalCare {
		anc = append(anc, PeriodRecord{Key: monthly(facilityID, l.Category, e.Period), Values: []any{l.Visits, l.Target}})
	}

	imm := make([]PeriodRecord, 0, len(e.Immunization))
	for _, l := range e.Immunization {
		imm = append(imm, PeriodRecord{Key: monthly(facilityID, l.Category, e.Period), Values: []any{l.Covered, l.Target}})
	}

	proj.add(AntenatalCareTable, anc)
	proj.add(ImmunizationTable, imm)
}

func projectScreening(proj *Projection, facilityID string, e *ScreeningEvent) {
	screening := make([]PeriodRecord, 0, len(e.Screening))
	for _, l := range e.Screening {
		screening = append(screening, PeriodRecord{
			Key:    monthly(facilityID, l.Category, e.Period),
			Values: []any{l.Screened, l.Positive, l.Target},
		})
	}

	risks := make([]PeriodRecord, 0, len(e.RiskFactors))
	for _, l := range e.RiskFactors {
		risks = append(risks, PeriodRecord{
			Key:    []any{facilityID, l.Category, l.Gender, e.Month, e.Year},
			Values: []any{l.Count},
		})
	}

	dental := make([]PeriodRecord, 0, len(e.DentalExams))
	for _, l := range e.DentalExams {
		dental = append(dental, PeriodRecord{Key: monthly(facilityID, l.Category, e.Period), Values: []any{l.Examined, l.Treated}})
	}

	proj.add(ScreeningTable, screening)
	proj.add(RiskFactorTable, risks)
	proj.add(DentalExamTable, dental)
}

func projectDailyService(proj *Projection, facilityID string, e *DailyServiceEvent) error {
	daily := func(date string, values ...any) (PeriodRecord, error) {
		d, err := parseDate(date)
		if err != nil {
			return PeriodRecord{}, err
		}

		return PeriodRecord{Key: []any{facilityID, d}, Values: values}, nil
	}

	triage := make([]PeriodRecord, 0, len(e.Triage))
	for _, day := range e.Triage {
		rec, err := daily(day.Date, day.Red, day.Yellow, day.Green, day.Black)
		if err != nil {
			return err
		}

		triage = append(triage, rec)
	}

	pharmacy := make([]PeriodRecord, 0, len(e.Pharmacy))
	for _, day := range e.Pharmacy {
		rec, err := daily(day.Date, day.Prescriptions, day.Items)
		if err != nil {
			return err
		}

		pharmacy = append(pharmacy, rec)
	}

	lab := make([]PeriodRecord, 0, len(e.Lab))
	for _, day := range e.Lab {
		rec, err := daily(day.Date, day.Tests, day.Abnormal)
		if err != nil {
			return err
		}

		lab = append(lab, rec)
	}

	inpatient := make([]PeriodRecord, 0, len(e.Inpatient))
	for _, day := range e.Inpatient {
		rec, err := daily(day.Date, day.Admissions, day.Discharges, day.BedDays, day.OccupiedBeds)
		if err != nil {
			return err
		}

		inpatient = append(inpatient, rec)
	}

	proj.add(TriageTable, triage)
	proj.add(PharmacyTable, pharmacy)
	proj.add(LabTable, lab)
	proj.add(InpatientTable, inpatient)

	return nil
}

func projectDiagnosis(proj *Projection, facilityID string, e *DiagnosisEvent) error {
	lines := slices.SortedFunc(slices.Values(e.TopDiagnoses), func(a, b TopDiagnosisLine) int {
		return cmp.Compare(a.Rank, b.Rank)
	})

	top := make([]PeriodRecord, 0, len(lines))
	for _, l := range lines {
		top = append(top, PeriodRecord{
			Key:    []any{facilityID, e.Month, e.Year, l.Rank},
			Values: []any{l.Code, l.Cases},
		})
	}

	proj.add(TopDiagnosisTable, top)

	facts, err := AggregateDailyDiagnoses(facilityID, e.DailyDiagnoses)
	if err != nil {
		return err
	}

	proj.DiagnosisFacts = facts

	return nil
}

func parseDate(value string) (time.Time, error) {
	d, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %w", ErrValidation, value, err)
	}

	return d, nil
}
