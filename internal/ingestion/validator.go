package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sehatku-io/ingestor/internal/canonicalization"
)

const (
	maxBatchIDLength  = 128
	maxCategoryLength = 100
	maxCodeLength     = 16
	maxUnitLength     = 32
	maxEventsPerBatch = 50
	minYear           = 2000
	maxYear           = 2100
	maxRank           = 100
	maxAge            = 130
	ageBucketWidth    = 5
	oldestBucketStart = 70

	// maxCount is the largest value an INTEGER column holds.
	maxCount = math.MaxInt32
	// maxAmount bounds money to what NUMERIC(18,2) holds.
	maxAmount = 1e16

	// DateLayout is the only accepted date format.
	DateLayout = "2006-01-02"
)

var ageBuckets = map[string]struct{}{
	"0-4": {}, "5-9": {}, "10-14": {}, "15-19": {}, "20-24": {}, "25-29": {}, "30-34": {},
	"35-39": {}, "40-44": {}, "45-49": {}, "50-54": {}, "55-59": {}, "60-64": {}, "65-69": {},
	"70+": {},
}

// requiredNumbers lists, per event type and sub-list, the numeric fields a line must carry.
// An absent or null number would otherwise decode as zero and overwrite the stored value.
var requiredNumbers = map[EventType]map[string][]string{
	EventResource: {
		"staffing":      {"jumlah", "target"},
		"medicineStock": {"stock", "minimumStock"},
		"finance":       {"budget", "realization"},
	},
	EventMaternalChild: {
		"antenatalCare": {"visits", "target"},
		"immunization":  {"covered", "target"},
	},
	EventScreening: {
		"screening":   {"screened", "positive", "target"},
		"riskFactors": {"count"},
		"dentalExams": {"examined", "treated"},
	},
	EventDailyService: {
		"triage":    {"red", "yellow", "green", "black"},
		"pharmacy":  {"prescriptions", "items"},
		"lab":       {"tests", "abnormal"},
		"inpatient": {"admissions", "discharges", "bedDays", "occupiedBeds"},
	},
	EventDiagnosis: {
		"topDiagnoses":   {"rank", "cases"},
		"dailyDiagnoses": {"cases"},
	},
}

// envelopeFields are the top-level keys a flat single-cluster body shares with the event.
var envelopeFields = []string{"batchId", "facilityId", "facilityCode"}

var unitTypes = map[string]struct{}{
	UnitOutpatient: {},
	UnitInpatient:  {},
	UnitEmergency:  {},
}

// AgeBucketForAge maps an age in years to its five-year bucket; 70 and above share "70+".
func AgeBucketForAge(age int) string {
	if age >= oldestBucketStart {
		return "70+"
	}

	start := age / ageBucketWidth * ageBucketWidth

	return fmt.Sprintf("%d-%d", start, start+ageBucketWidth-1)
}

// IsAgeBucket reports whether bucket is one of the accepted age buckets.
func IsAgeBucket(bucket string) bool {
	_, ok := ageBuckets[bucket]

	return ok
}

// rawBatch is the wire envelope. Events stay raw so each one can be decoded against the
// contract its type selects.
type rawBatch struct {
	BatchID      string            `json:"batchId"`
	FacilityID   string            `json:"facilityId"`
	FacilityCode string            `json:"facilityCode"`
	Events       []json.RawMessage `json:"events"`
}

// ParseBatch decodes and validates a unified multi-event batch. Every problem found is
// reported at once in a *ValidationError; values are normalized in place on success.
func ParseBatch(body []byte) (*Batch, error) {
	var raw rawBatch

	v := &fieldValidator{fields: make(map[string]string)}

	if err := decodeStrict(body, &raw); err != nil {
		v.decodeError("", err)

		return nil, v.err()
	}

	batch := v.envelope(&raw)

	switch {
	case len(raw.Events) == 0:
		v.add("events", "at least one event is required")
	case len(raw.Events) > maxEventsPerBatch:
		v.add("events", fmt.Sprintf("at most %d events are allowed per batch", maxEventsPerBatch))
	}

	for i, data := range raw.Events {
		path := fmt.Sprintf("events[%d]", i)

		if event, ok := v.event(path, data); ok {
			batch.Events = append(batch.Events, event)
		}
	}

	if err := v.err(); err != nil {
		return nil, err
	}

	return batch, nil
}

// ParseClusterRequest decodes the flat body of a single-cluster endpoint: the envelope fields
// and the event fields share one top-level object, and the event type comes from the route.
func ParseClusterRequest(eventType EventType, body []byte) (*Batch, error) {
	if !eventType.IsValid() {
		return nil, NewValidationError("type", "must be one of "+joinEventTypes())
	}

	var (
		raw    rawBatch
		fields map[string]json.RawMessage
	)

	v := &fieldValidator{fields: make(map[string]string)}

	if err := json.Unmarshal(body, &fields); err != nil {
		v.decodeError("", err)

		return nil, v.err()
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		v.decodeError("", err)

		return nil, v.err()
	}

	batch := v.envelope(&raw)

	for _, name := range envelopeFields {
		delete(fields, name)
	}

	if event, ok := v.payload("", eventType, fields); ok {
		batch.Events = []Event{event}
	}

	if err := v.err(); err != nil {
		return nil, err
	}

	return batch, nil
}

// fieldValidator accumulates field errors keyed by path.
type fieldValidator struct {
	fields map[string]string
}

func (v *fieldValidator) add(path, message string) {
	if _, exists := v.fields[path]; !exists {
		v.fields[path] = message
	}
}

func (v *fieldValidator) err() error {
	if len(v.fields) == 0 {
		return nil
	}

	return &ValidationError{Fields: v.fields}
}

func (v *fieldValidator) envelope(raw *rawBatch) *Batch {
	batch := &Batch{
		BatchID:      strings.TrimSpace(raw.BatchID),
		FacilityID:   strings.TrimSpace(raw.FacilityID),
		FacilityCode: canonicalization.NormalizeFacilityCode(raw.FacilityCode),
	}

	switch {
	case batch.BatchID == "":
		v.add("batchId", "is required")
	case utf8.RuneCountInString(batch.BatchID) > maxBatchIDLength:
		v.add("batchId", fmt.Sprintf("must be at most %d characters", maxBatchIDLength))
	}

	if batch.FacilityID == "" && batch.FacilityCode == "" {
		v.add("facilityId", "facilityId or facilityCode is required")
	}

	return batch
}

func (v *fieldValidator) event(path string, data json.RawMessage) (Event, bool) {
	var fields map[string]json.RawMessage

	if err := json.Unmarshal(data, &fields); err != nil {
		v.decodeError(path, err)

		return Event{}, false
	}

	var tag string

	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &tag); err != nil {
			v.add(join(path, "type"), "must be a string")

			return Event{}, false
		}

		delete(fields, "type")
	}

	eventType := EventType(canonicalization.NormalizeToken(tag))

	switch {
	case tag == "":
		v.add(join(path, "type"), "is required")

		return Event{}, false
	case !eventType.IsValid():
		v.add(join(path, "type"), "must be one of "+joinEventTypes())

		return Event{}, false
	}

	return v.payload(path, eventType, fields)
}

// payload decodes the event fields strictly into the payload type of eventType. Unknown
// fields are rejected at any depth.
func (v *fieldValidator) payload(path string, eventType EventType, fields map[string]json.RawMessage) (Event, bool) {
	before := len(v.fields)

	v.requireNumbers(path, eventType, fields)

	data, err := json.Marshal(fields)
	if err != nil {
		v.decodeError(path, err)

		return Event{}, false
	}

	payload := newPayload(eventType)

	if err := decodeStrict(data, payload); err != nil {
		v.decodeError(path, err)

		return Event{}, false
	}

	switch p := payload.(type) {
	case *VisitEvent:
		v.visit(path, p)
	case *ResourceEvent:
		v.resource(path, p)
	case *MaternalChildEvent:
		v.maternalChild(path, p)
	case *ScreeningEvent:
		v.screening(path, p)
	case *DailyServiceEvent:
		v.dailyService(path, p)
	case *DiagnosisEvent:
		v.diagnosis(path, p)
	}

	if len(v.fields) != before {
		return Event{}, false
	}

	return Event{Type: eventType, Payload: payload}, true
}

func (v *fieldValidator) visit(path string, e *VisitEvent) {
	v.date(join(path, "date"), &e.Date)

	if len(e.Visits) == 0 {
		v.add(join(path, "visits"), "must contain at least one record")

		return
	}

	for i := range e.Visits {
		rec := &e.Visits[i]
		p := index(path, "visits", i)

		rec.ServiceCategory = canonicalization.NormalizeToken(rec.ServiceCategory)
		v.required(join(p, "serviceCategory"), rec.ServiceCategory, maxCategoryLength)

		rec.UnitType = canonicalization.NormalizeToken(rec.UnitType)
		if _, ok := unitTypes[rec.UnitType]; !ok {
			v.add(join(p, "unitType"), "must be one of rawat_jalan, rawat_inap, igd")
		}

		v.gender(join(p, "gender"), &rec.Gender)

		switch {
		case rec.AgeBucket != "":
			rec.AgeBucket = strings.TrimSpace(rec.AgeBucket)
			if !IsAgeBucket(rec.AgeBucket) {
				v.add(join(p, "ageBucket"), "must be a five-year bucket such as 25-29, or 70+")
			}
		case rec.Age != nil:
			if *rec.Age < 0 || *rec.Age > maxAge {
				v.add(join(p, "age"), fmt.Sprintf("must be between 0 and %d", maxAge))
			} else {
				rec.AgeBucket = AgeBucketForAge(*rec.Age)
			}
		default:
			v.add(join(p, "ageBucket"), "ageBucket or age is required")
		}

		rec.DiagnosisCodes = v.codes(join(p, "diagnosisCodes"), rec.DiagnosisCodes)
	}
}

func (v *fieldValidator) resource(path string, e *ResourceEvent) {
	v.period(path, e.Period)
	v.atLeastOne(path, []string{"staffing", "medicineStock", "finance"},
		len(e.Staffing), len(e.MedicineStock), len(e.Finance))

	seen := make(map[string]struct{})
	for i := range e.Staffing {
		line := &e.Staffing[i]
		p := index(path, "staffing", i)
		v.category(p, &line.Category, seen)
		v.count(join(p, "jumlah"), line.Jumlah)
		v.count(join(p, "target"), line.Target)
	}

	seen = make(map[string]struct{})
	for i := range e.MedicineStock {
		line := &e.MedicineStock[i]
		p := index(path, "medicineStock", i)
		v.category(p, &line.Category, seen)
		v.count(join(p, "stock"), line.Stock)
		v.count(join(p, "minimumStock"), line.MinimumStock)

		line.Unit = strings.TrimSpace(line.Unit)
		if utf8.RuneCountInString(line.Unit) > maxUnitLength {
			v.add(join(p, "unit"), fmt.Sprintf("must be at most %d characters", maxUnitLength))
		}
	}

	seen = make(map[string]struct{})
	for i := range e.Finance {
		line := &e.Finance[i]
		p := index(path, "finance", i)
		v.category(p, &line.Category, seen)
		v.amount(join(p, "budget"), line.Budget)
		v.amount(join(p, "realization"), line.Realization)
	}
}

func (v *fieldValidator) maternalChild(path string, e *MaternalChildEvent) {
	v.period(path, e.Period)
	v.atLeastOne(path, []string{"antenatalCare", "immunization"},
		len(e.AntenatalCare), len(e.Immunization))

	seen := make(map[string]struct{})
	for i := range e.AntenatalCare {
		line := &e.AntenatalCare[i]
		p := index(path, "antenatalCare", i)
		v.category(p, &line.Category, seen)
		v.count(join(p, "visits"), line.Visits)
		v.count(join(p, "target"), line.Target)
	}

	seen = make(map[string]struct{})
	for i := range e.Immunization {
		line := &e.Immunization[i]
		p := index(path, "immunization", i)
		v.category(p, &line.Category, seen)
		v.count(join(p, "covered"), line.Covered)
		v.count(join(p, "target"), line.Target)
	}
}

func (v *fieldValidator) screening(path string, e *ScreeningEvent) {
	v.period(path, e.Period)
	v.atLeastOne(path, []string{"screening", "riskFactors", "dentalExams"},
		len(e.Screening), len(e.RiskFactors), len(e.DentalExams))

	seen := make(map[string]struct{})
	for i := range e.Screening {
		line := &e.Screening[i]
		p := index(path, "screening", i)
		v.category(p, &line.Category, seen)
		v.count(join(p, "screened"), line.Screened)
		v.count(join(p, "positive"), line.Positive)
		v.count(join(p, "target"), line.Target)

		if line.Positive > line.Screened {
			v.add(join(p, "positive"), "cannot exceed screened")
		}
	}

	seen = make(map[string]struct{})
	for i := range e.RiskFactors {
		line := &e.RiskFactors[i]
		p := index(path, "riskFactors", i)
		v.gender(join(p, "gender"), &line.Gender)
		v.category(p, &line.Category, nil)
		v.count(join(p, "count"), line.Count)
		v.unique(join(p, "category"), seen, line.Category+"|"+line.Gender)
	}

	seen = make(map[string]struct{})
	for i := range e.DentalExams {
		line := &e.DentalExams[i]
		p := index(path, "dentalExams", i)
		v.category(p, &line.Category, seen)
		v.count(join(p, "examined"), line.Examined)
		v.count(join(p, "treated"), line.Treated)
	}
}

func (v *fieldValidator) dailyService(path string, e *DailyServiceEvent) {
	v.atLeastOne(path, []string{"triage", "pharmacy", "lab", "inpatient"},
		len(e.Triage), len(e.Pharmacy), len(e.Lab), len(e.Inpatient))

	seen := make(map[string]struct{})
	for i := range e.Triage {
		day := &e.Triage[i]
		p := index(path, "triage", i)
		v.day(p, &day.Date, seen)
		v.count(join(p, "red"), day.Red)
		v.count(join(p, "yellow"), day.Yellow)
		v.count(join(p, "green"), day.Green)
		v.count(join(p, "black"), day.Black)
	}

	seen = make(map[string]struct{})
	for i := range e.Pharmacy {
		day := &e.Pharmacy[i]
		p := index(path, "pharmacy", i)
		v.day(p, &day.Date, seen)
		v.count(join(p, "prescriptions"), day.Prescriptions)
		v.count(join(p, "items"), day.Items)
	}

	seen = make(map[string]struct{})
	for i := range e.Lab {
		day := &e.Lab[i]
		p := index(path, "lab", i)
		v.day(p, &day.Date, seen)
		v.count(join(p, "tests"), day.Tests)
		v.count(join(p, "abnormal"), day.Abnormal)
	}

	seen = make(map[string]struct{})
	for i := range e.Inpatient {
		day := &e.Inpatient[i]
		p := index(path, "inpatient", i)
		v.day(p, &day.Date, seen)
		v.count(join(p, "admissions"), day.Admissions)
		v.count(join(p, "discharges"), day.Discharges)
		v.count(join(p, "bedDays"), day.BedDays)
		v.count(join(p, "occupiedBeds"), day.OccupiedBeds)
	}
}

func (v *fieldValidator) diagnosis(path string, e *DiagnosisEvent) {
	v.atLeastOne(path, []string{"topDiagnoses", "dailyDiagnoses"},
		len(e.TopDiagnoses), len(e.DailyDiagnoses))

	if len(e.TopDiagnoses) > 0 || e.Month != 0 || e.Year != 0 {
		v.period(path, e.Period)
	}

	ranks := make(map[string]struct{})
	for i := range e.TopDiagnoses {
		line := &e.TopDiagnoses[i]
		p := index(path, "topDiagnoses", i)

		if line.Rank < 1 || line.Rank > maxRank {
			v.add(join(p, "rank"), fmt.Sprintf("must be between 1 and %d", maxRank))
		} else {
			v.unique(join(p, "rank"), ranks, fmt.Sprint(line.Rank))
		}

		v.code(join(p, "code"), &line.Code)
		v.count(join(p, "cases"), line.Cases)
	}

	for i := range e.DailyDiagnoses {
		line := &e.DailyDiagnoses[i]
		p := index(path, "dailyDiagnoses", i)
		v.date(join(p, "date"), &line.Date)
		v.code(join(p, "code"), &line.Code)
		v.gender(join(p, "gender"), &line.Gender)

		line.AgeBucket = strings.TrimSpace(line.AgeBucket)
		if !IsAgeBucket(line.AgeBucket) {
			v.add(join(p, "ageBucket"), "must be a five-year bucket such as 25-29, or 70+")
		}

		line.Role = canonicalization.NormalizeToken(line.Role)
		switch line.Role {
		case "":
			line.Role = RolePrimary
		case RolePrimary, RoleSecondary:
		default:
			v.add(join(p, "role"), "must be primary or secondary")
		}

		v.count(join(p, "cases"), line.Cases)
	}
}

// requireNumbers reports every required numeric field that is absent or null in the raw
// sub-lists of an event. Lists that are not arrays of objects are left to the typed decode.
func (v *fieldValidator) requireNumbers(path string, eventType EventType, fields map[string]json.RawMessage) {
	for list, names := range requiredNumbers[eventType] {
		raw, ok := fields[list]
		if !ok {
			continue
		}

		var lines []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &lines); err != nil {
			continue
		}

		for i, line := range lines {
			for _, name := range names {
				if value, ok := line[name]; !ok || isNull(value) {
					v.add(join(index(path, list, i), name), "is required")
				}
			}
		}
	}
}

func isNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}

func (v *fieldValidator) period(path string, period Period) {
	if period.Month < 1 || period.Month > 12 {
		v.add(join(path, "month"), "must be between 1 and 12")
	}

	if period.Year < minYear || period.Year > maxYear {
		v.add(join(path, "year"), fmt.Sprintf("must be between %d and %d", minYear, maxYear))
	}
}

func (v *fieldValidator) atLeastOne(path string, names []string, lengths ...int) {
	for _, n := range lengths {
		if n > 0 {
			return
		}
	}

	field := path
	if field == "" {
		field = "event"
	}

	v.add(field, "at least one of "+strings.Join(names, ", ")+" must be non-empty")
}

// category normalizes the category of a line at path and, when seen is non-nil, rejects
// repeats within the same sub-list.
func (v *fieldValidator) category(path string, category *string, seen map[string]struct{}) {
	*category = canonicalization.NormalizeCategory(*category)
	field := join(path, "category")

	if !v.required(field, *category, maxCategoryLength) || seen == nil {
		return
	}

	v.unique(field, seen, strings.ToLower(*category))
}

func (v *fieldValidator) required(path, value string, maxLength int) bool {
	switch {
	case value == "":
		v.add(path, "is required")

		return false
	case utf8.RuneCountInString(value) > maxLength:
		v.add(path, fmt.Sprintf("must be at most %d characters", maxLength))

		return false
	}

	return true
}

func (v *fieldValidator) unique(path string, seen map[string]struct{}, key string) {
	if _, dup := seen[key]; dup {
		v.add(path, "duplicate entry in the same list")

		return
	}

	seen[key] = struct{}{}
}

func (v *fieldValidator) count(path string, n int) {
	switch {
	case n < 0:
		v.add(path, "must be a non-negative integer")
	case n > maxCount:
		v.add(path, "must be at most "+strconv.Itoa(maxCount))
	}
}

func (v *fieldValidator) amount(path string, n float64) {
	switch {
	case n < 0:
		v.add(path, "must be a non-negative number")
	case n >= maxAmount:
		v.add(path, "must be less than 10000000000000000")
	}
}

func (v *fieldValidator) date(path string, value *string) {
	*value = strings.TrimSpace(*value)

	if *value == "" {
		v.add(path, "is required")

		return
	}

	date, err := time.Parse(DateLayout, *value)
	if err != nil {
		v.add(path, "must be a date in YYYY-MM-DD format")

		return
	}

	if date.Year() < minYear || date.Year() > maxYear {
		v.add(path, fmt.Sprintf("must be between %d and %d", minYear, maxYear))
	}
}

func (v *fieldValidator) day(path string, value *string, seen map[string]struct{}) {
	field := join(path, "date")
	before := len(v.fields)

	v.date(field, value)

	if len(v.fields) == before {
		v.unique(field, seen, *value)
	}
}

func (v *fieldValidator) gender(path string, value *string) {
	normalized, ok := canonicalization.NormalizeGender(*value)
	if !ok {
		v.add(path, "must be one of L, P, M, F")

		return
	}

	*value = normalized
}

func (v *fieldValidator) code(path string, value *string) {
	*value = canonicalization.NormalizeDiagnosisCode(*value)
	v.required(path, *value, maxCodeLength)
}

// codes normalizes a visit's diagnosis codes and drops repeats, keeping the first occurrence
// so the primary code stays first.
func (v *fieldValidator) codes(path string, codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))

	for i := range codes {
		code := codes[i]
		v.code(fmt.Sprintf("%s[%d]", path, i), &code)

		if _, dup := seen[code]; dup || code == "" {
			continue
		}

		seen[code] = struct{}{}
		out = append(out, code)
	}

	return out
}

// decodeStrict decodes exactly one JSON value from data into dst, rejecting unknown fields.
func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errTrailingData
	}

	return nil
}

var errTrailingData = errors.New("unexpected data after the JSON value")

// decodeError turns a json decoding failure into a field error at the closest known path.
func (v *fieldValidator) decodeError(path string, err error) {
	var typeErr *json.UnmarshalTypeError

	if name, ok := unknownField(err); ok {
		field := path
		if field == "" {
			field = "body"
		}

		v.add(field, fmt.Sprintf("unknown field %q", name))

		return
	}

	if errors.As(err, &typeErr) {
		field := path
		if typeErr.Field != "" {
			field = join(path, typeErr.Field)
		}

		if field == "" {
			field = "body"
		}

		v.add(field, "must be "+describeKind(typeErr.Type))

		return
	}

	field := path
	if field == "" {
		field = "body"
	}

	v.add(field, "invalid JSON: "+err.Error())
}

// unknownField extracts the field name from the error a Decoder with DisallowUnknownFields
// returns. encoding/json exposes no typed error for it.
func unknownField(err error) (string, bool) {
	rest, ok := strings.CutPrefix(err.Error(), `json: unknown field "`)
	if !ok {
		return "", false
	}

	return strings.TrimSuffix(rest, `"`), true
}

func describeKind(t reflect.Type) string {
	if t == nil {
		return "a valid value"
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "a non-negative integer"
	case reflect.Float32, reflect.Float64:
		return "a number"
	case reflect.String:
		return "a string"
	case reflect.Slice, reflect.Array:
		return "an array"
	case reflect.Struct, reflect.Map:
		return "an object"
	case reflect.Pointer:
		return describeKind(t.Elem())
	default:
		return "a valid " + t.Kind().String()
	}
}

func join(path, field string) string {
	if path == "" {
		return field
	}

	return path + "." + field
}

func index(path, list string, i int) string {
	return fmt.Sprintf("%s[%d]", join(path, list), i)
}

func joinEventTypes() string {
	var buf bytes.Buffer

	for i, t := range EventTypes() {
		if i > 0 {
			buf.WriteString(", ")
		}

		buf.WriteString(string(t))
	}

	return buf.String()
}
