// Package questionnaire implements the multi-step control wizard: the step
// catalog, resumable raw storage, the validating engine and the request
// lifecycle around them.
package questionnaire

// Field types understood by the validator.
const (
	FieldInt    = "int"
	FieldString = "string"
	FieldBool   = "bool"
	FieldChoice = "choice"
)

// FieldSpec describes one field of a step schema. Sensitive fields are
// persisted encrypted with the patient's key.
type FieldSpec struct {
	Type      string
	Required  bool
	Min, Max  int
	MaxLen    int
	Choices   []string
	Sensitive bool
}

// BranchRule skips a step when a previously committed field equals one of the
// listed values. An uncommitted source step or absent field never skips.
type BranchRule struct {
	Step   string
	Field  string
	SkipOn []interface{}
}

// Holds reports whether the step guarded by the rule stays in the sequence,
// given the committed values per step id.
func (b *BranchRule) Holds(committed map[string]map[string]interface{}) bool {
	vals, ok := committed[b.Step]
	if !ok {
		return true
	}
	v, ok := vals[b.Field]
	if !ok {
		return true
	}
	for _, skip := range b.SkipOn {
		if v == skip {
			return false
		}
	}
	return true
}

// StepDescriptor declares one form step. Schemas are data, not code, so the
// engine validates and branches uniformly. Table names the step record table
// the committed answers land in.
type StepDescriptor struct {
	ID       string
	Title    string
	Required bool
	Table    string
	Schema   map[string]FieldSpec
	BranchOn *BranchRule
}

// Step ids. StepDisease is shared between diseases; the schema and record
// table differ per disease.
const (
	StepStart              = "start"
	StepDisease            = "disease_activity"
	StepQualityOfLife      = "quality_of_life"
	StepHealthcareQuality  = "healthcare_quality"
	StepFinish             = "finish"
	StepDirectAppointment  = "direct_appointment"
	StepProblemDescription = "problem_description"
)

// Finished is the sentinel current step of a request whose catalog sequence
// is fully committed.
const Finished = "finished"

var startStep = StepDescriptor{
	ID:       StepStart,
	Title:    "How are you doing?",
	Required: true,
	Table:    "record_start",
	Schema: map[string]FieldSpec{
		"feeling":   {Type: FieldChoice, Required: true, Choices: []string{"good", "ok", "bad"}},
		"weight_kg": {Type: FieldInt, Min: 20, Max: 300},
		"remarks":   {Type: FieldString, MaxLen: 500, Sensitive: true},
	},
}

var crohnActivityStep = StepDescriptor{
	ID:       StepDisease,
	Title:    "Crohn's disease activity",
	Required: true,
	Table:    "record_crohn_activity",
	Schema: map[string]FieldSpec{
		"pain":           {Type: FieldInt, Required: true, Min: 0, Max: 10},
		"stools_per_day": {Type: FieldInt, Required: true, Min: 0, Max: 30},
		"wellbeing":      {Type: FieldInt, Required: true, Min: 0, Max: 10},
	},
	BranchOn: &BranchRule{Step: StepStart, Field: "feeling", SkipOn: []interface{}{"good"}},
}

var colitisActivityStep = StepDescriptor{
	ID:       StepDisease,
	Title:    "Ulcerative colitis activity",
	Required: true,
	Table:    "record_colitis_activity",
	Schema: map[string]FieldSpec{
		"stool_frequency": {Type: FieldInt, Required: true, Min: 0, Max: 30},
		"blood_in_stool":  {Type: FieldChoice, Required: true, Choices: []string{"none", "streaks", "obvious", "mostly_blood"}},
		"urgency":         {Type: FieldInt, Required: true, Min: 0, Max: 10},
	},
	BranchOn: &BranchRule{Step: StepStart, Field: "feeling", SkipOn: []interface{}{"good"}},
}

var qualityOfLifeStep = StepDescriptor{
	ID:       StepQualityOfLife,
	Title:    "Quality of life",
	Required: true,
	Table:    "record_quality_of_life",
	Schema: map[string]FieldSpec{
		"fatigue":          {Type: FieldInt, Required: true, Min: 0, Max: 10},
		"mood":             {Type: FieldInt, Required: true, Min: 0, Max: 10},
		"daily_activities": {Type: FieldChoice, Required: true, Choices: []string{"unrestricted", "somewhat_limited", "severely_limited"}},
		"comments":         {Type: FieldString, MaxLen: 1000, Sensitive: true},
	},
}

var healthcareQualityStep = StepDescriptor{
	ID:       StepHealthcareQuality,
	Title:    "Quality of care",
	Required: true,
	Table:    "record_healthcare_quality",
	Schema: map[string]FieldSpec{
		"satisfaction": {Type: FieldInt, Required: true, Min: 0, Max: 10},
		"access":       {Type: FieldInt, Required: true, Min: 0, Max: 10},
		"suggestions":  {Type: FieldString, MaxLen: 1000, Sensitive: true},
	},
}

var finishStep = StepDescriptor{
	ID:       StepFinish,
	Title:    "Finish",
	Required: true,
	Table:    "record_finish",
	Schema: map[string]FieldSpec{
		"confirmed": {Type: FieldBool, Required: true},
	},
}

var directAppointmentStep = StepDescriptor{
	ID:       StepDirectAppointment,
	Title:    "Appointment request",
	Required: true,
	Table:    "record_direct_appointment",
	Schema: map[string]FieldSpec{
		"wants_appointment": {Type: FieldBool, Required: true},
		"by_phone":          {Type: FieldBool},
	},
}

var problemDescriptionStep = StepDescriptor{
	ID:       StepProblemDescription,
	Title:    "Describe your problem",
	Required: true,
	Table:    "record_problem_description",
	Schema: map[string]FieldSpec{
		"problem":       {Type: FieldString, Required: true, MaxLen: 2000, Sensitive: true},
		"duration_days": {Type: FieldInt, Min: 0, Max: 3650},
	},
}

// diseaseActivity maps a disease to its activity step, when it has one.
var diseaseActivity = map[Disease]StepDescriptor{
	DiseaseCrohn:   crohnActivityStep,
	DiseaseColitis: colitisActivityStep,
}

// StepsFor returns the ordered step sequence for a (disease, kind) pair.
// includeHQ decides whether the healthcare quality step is part of the
// routine sequence; the caller judges the once-per-365-days rule against the
// request's creation time.
func StepsFor(disease Disease, kind Kind, includeHQ bool) []StepDescriptor {
	if kind == KindUrgent {
		return []StepDescriptor{directAppointmentStep, problemDescriptionStep, finishStep}
	}
	steps := []StepDescriptor{startStep}
	if activity, ok := diseaseActivity[disease]; ok {
		steps = append(steps, activity)
	}
	steps = append(steps, qualityOfLifeStep)
	if includeHQ {
		steps = append(steps, healthcareQualityStep)
	}
	return append(steps, finishStep)
}

// StepByID looks a descriptor up within a sequence.
func StepByID(steps []StepDescriptor, id string) (StepDescriptor, bool) {
	for _, s := range steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDescriptor{}, false
}

// RecordTables lists every step record table, for cascading deletes.
var RecordTables = []string{
	"record_start",
	"record_crohn_activity",
	"record_colitis_activity",
	"record_quality_of_life",
	"record_healthcare_quality",
	"record_finish",
	"record_direct_appointment",
	"record_problem_description",
}
