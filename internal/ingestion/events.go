package ingestion

// Gender codes as stored. Inbound M/F are normalized to L/P.
const (
	GenderMale   = "L"
	GenderFemale = "P"
)

// Unit types a visit can be recorded against.
const (
	UnitOutpatient = "rawat_jalan"
	UnitInpatient  = "rawat_inap"
	UnitEmergency  = "igd"
)

// Diagnosis roles. The first code on a visit is primary, the rest are secondary.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

type (
	// Period is the reporting month of a monthly event.
	Period struct {
		Month int `json:"month"`
		Year  int `json:"year"`
	}

	// VisitEvent carries raw per-visit records for one service date.
	VisitEvent struct {
		Date   string        `json:"date"`
		Visits []VisitRecord `json:"visits"`
	}

	// VisitRecord is one patient visit. Either AgeBucket or Age must be supplied.
	VisitRecord struct {
		ServiceCategory string   `json:"serviceCategory"`
		UnitType        string   `json:"unitType"`
		Gender          string   `json:"gender"`
		AgeBucket       string   `json:"ageBucket,omitempty"`
		Age             *int     `json:"age,omitempty"`
		DiagnosisCodes  []string `json:"diagnosisCodes,omitempty"`
	}

	// ResourceEvent carries staffing, medicine stock and finance lines for a month.
	ResourceEvent struct {
		Period

		Staffing      []StaffingLine      `json:"staffing,omitempty"`
		MedicineStock []MedicineStockLine `json:"medicineStock,omitempty"`
		Finance       []FinanceLine       `json:"finance,omitempty"`
	}

	StaffingLine struct {
		Category string `json:"category"`
		Jumlah   int    `json:"jumlah"`
		Target   int    `json:"target"`
	}

	MedicineStockLine struct {
		Category     string `json:"category"`
		Stock        int    `json:"stock"`
		MinimumStock int    `json:"minimumStock"`
		Unit         string `json:"unit,omitempty"`
	}

	FinanceLine struct {
		Category    string  `json:"category"`
		Budget      float64 `json:"budget"`
		Realization float64 `json:"realization"`
	}

	// MaternalChildEvent carries antenatal care and immunization coverage for a month.
	MaternalChildEvent struct {
		Period

		AntenatalCare []AntenatalCareLine `json:"antenatalCare,omitempty"`
		Immunization  []ImmunizationLine  `json:"immunization,omitempty"`
	}

	AntenatalCareLine struct {
		Category string `json:"category"`
		Visits   int    `json:"visits"`
		Target   int    `json:"target"`
	}

	ImmunizationLine struct {
		Category string `json:"category"`
		Covered  int    `json:"covered"`
		Target   int    `json:"target"`
	}

	// ScreeningEvent carries screening coverage, risk factors and dental exams for a month.
	ScreeningEvent struct {
		Period

		Screening   []ScreeningLine  `json:"screening,omitempty"`
		RiskFactors []RiskFactorLine `json:"riskFactors,omitempty"`
		DentalExams []DentalExamLine `json:"dentalExams,omitempty"`
	}

	ScreeningLine struct {
		Category string `json:"category"`
		Screened int    `json:"screened"`
		Positive int    `json:"positive"`
		Target   int    `json:"target"`
	}

	RiskFactorLine struct {
		Category string `json:"category"`
		Gender   string `json:"gender"`
		Count    int    `json:"count"`
	}

	DentalExamLine struct {
		Category string `json:"category"`
		Examined int    `json:"examined"`
		Treated  int    `json:"treated"`
	}

	// DailyServiceEvent carries per-day emergency triage, pharmacy, lab and inpatient statistics.
	DailyServiceEvent struct {
		Triage    []TriageDay    `json:"triage,omitempty"`
		Pharmacy  []PharmacyDay  `json:"pharmacy,omitempty"`
		Lab       []LabDay       `json:"lab,omitempty"`
		Inpatient []InpatientDay `json:"inpatient,omitempty"`
	}

	TriageDay struct {
		Date   string `json:"date"`
		Red    int    `json:"red"`
		Yellow int    `json:"yellow"`
		Green  int    `json:"green"`
		Black  int    `json:"black"`
	}

	PharmacyDay struct {
		Date          string `json:"date"`
		Prescriptions int    `json:"prescriptions"`
		Items         int    `json:"items"`
	}

	LabDay struct {
		Date     string `json:"date"`
		Tests    int    `json:"tests"`
		Abnormal int    `json:"abnormal"`
	}

	InpatientDay struct {
		Date         string `json:"date"`
		Admissions   int    `json:"admissions"`
		Discharges   int    `json:"discharges"`
		BedDays      int    `json:"bedDays"`
		OccupiedBeds int    `json:"occupiedBeds"`
	}

	// DiagnosisEvent carries a monthly top-diagnosis ranking and/or daily diagnosis counts.
	// Month and year are required only when TopDiagnoses is present.
	DiagnosisEvent struct {
		Period

		TopDiagnoses   []TopDiagnosisLine   `json:"topDiagnoses,omitempty"`
		DailyDiagnoses []DailyDiagnosisLine `json:"dailyDiagnoses,omitempty"`
	}

	TopDiagnosisLine struct {
		Rank  int    `json:"rank"`
		Code  string `json:"code"`
		Cases int    `json:"cases"`
	}

	DailyDiagnosisLine struct {
		Date      string `json:"date"`
		Code      string `json:"code"`
		Gender    string `json:"gender"`
		AgeBucket string `json:"ageBucket"`
		Role      string `json:"role,omitempty"`
		Cases     int    `json:"cases"`
	}
)

func (*VisitEvent) EventType() EventType         { return EventVisit }
func (*ResourceEvent) EventType() EventType      { return EventResource }
func (*MaternalChildEvent) EventType() EventType { return EventMaternalChild }
func (*ScreeningEvent) EventType() EventType     { return EventScreening }
func (*DailyServiceEvent) EventType() EventType  { return EventDailyService }
func (*DiagnosisEvent) EventType() EventType     { return EventDiagnosis }

func (e *VisitEvent) records() int { return len(e.Visits) }

func (e *ResourceEvent) records() int {
	return len(e.Staffing) + len(e.MedicineStock) + len(e.Finance)
}

func (e *MaternalChildEvent) records() int {
	return len(e.AntenatalCare) + len(e.Immunization)
}

func (e *ScreeningEvent) records() int {
	return len(e.Screening) + len(e.RiskFactors) + len(e.DentalExams)
}

func (e *DailyServiceEvent) records() int {
	return len(e.Triage) + len(e.Pharmacy) + len(e.Lab) + len(e.Inpatient)
}

func (e *DiagnosisEvent) records() int {
	return len(e.TopDiagnoses) + len(e.DailyDiagnoses)
}

// newPayload returns an empty payload for t, or nil when t is unknown.
func newPayload(t EventType) Payload {
	switch t {
	case EventVisit:
		return &VisitEvent{}
	case EventResource:
		return &ResourceEvent{}
	case EventMaternalChild:
		return &MaternalChildEvent{}
	case EventScreening:
		return &ScreeningEvent{}
	case EventDailyService:
		return &DailyServiceEvent{}
	case EventDiagnosis:
		return &DiagnosisEvent{}
	default:
		return nil
	}
}

// DiagnosisCodes returns the distinct diagnosis codes an event references, in first-seen order.
func DiagnosisCodes(p Payload) []string {
	seen := make(map[string]struct{})
	codes := make([]string, 0)

	add := func(code string) {
		if code == "" {
			return
		}

		if _, ok := seen[code]; ok {
			return
		}

		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	switch e := p.(type) {
	case *VisitEvent:
		for _, v := range e.Visits {
			for _, code := range v.DiagnosisCodes {
				add(code)
			}
		}
	case *DiagnosisEvent:
		for _, line := range e.TopDiagnoses {
			add(line.Code)
		}

		for _, line := range e.DailyDiagnoses {
			add(line.Code)
		}
	}

	return codes
}
