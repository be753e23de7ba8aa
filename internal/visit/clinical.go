package visit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pheme-project/longitudinal/internal/hl7"
	"github.com/pheme-project/longitudinal/internal/mart"
)

// LOINC codes carried as clinical OBX observations rather than lab results.
const (
	loincChiefComplaint = "8661-1"
	loincAge            = "29553-5"
	loincFluVaccine     = "46077-4"
	loincH1N1Vaccine    = "29544-4"
	loincO2SatAlt       = "20564-1"
	loincO2Sat          = "59408-5"
	loincTemperature    = "8310-5"
	loincPregnancy      = "11449-6"
)

// ClinicalInfo is one recognized clinical observation: the first non-empty
// (result, units) pair seen for its code during a visit.
type ClinicalInfo struct {
	Code   string
	Result string
	Units  string
}

// ClinicalOutcome is the resolved effect of a ClinicalInfo: either a direct
// age on the visit record, or a dimension value, or nothing (Skip).
type ClinicalOutcome struct {
	Age    *int
	Dim    mart.Tag
	Values mart.Values
	Skip   bool
}

type clinicalTransform func(result, units string) (ClinicalOutcome, error)

// clinicalTransforms maps each recognized LOINC code to its outcome. Kept as
// a table so adding a code is one entry, not another branch in the merge loop.
var clinicalTransforms = map[string]clinicalTransform{
	loincChiefComplaint: func(result, _ string) (ClinicalOutcome, error) {
		return ClinicalOutcome{
			Dim:    mart.DimChiefComplaint,
			Values: mart.Values{"chief_complaint": result},
		}, nil
	},
	loincAge:         ageOutcome,
	loincFluVaccine:  vaccineOutcome(mart.DimFluVaccine),
	loincH1N1Vaccine: vaccineOutcome(mart.DimH1N1Vaccine),
	loincO2SatAlt:    o2satOutcome,
	loincO2Sat:       o2satOutcome,
	loincTemperature: temperatureOutcome,
	loincPregnancy:   pregnancyOutcome,
}

// RecognizedClinicalCode reports whether the LOINC code is handled as a
// clinical observation.
func RecognizedClinicalCode(code string) bool {
	_, ok := clinicalTransforms[code]
	return ok
}

// Outcome resolves the observation into its visit effect. Unit mismatches on
// age are a silent skip; on vitals they are an error, the feed is supposed to
// be consistent there.
func (c ClinicalInfo) Outcome() (ClinicalOutcome, error) {
	transform, ok := clinicalTransforms[c.Code]
	if !ok {
		return ClinicalOutcome{}, fmt.Errorf("unrecognized clinical code %q", c.Code)
	}
	return transform(c.Result, c.Units)
}

func ageOutcome(result, units string) (ClinicalOutcome, error) {
	if units != "Years" {
		return ClinicalOutcome{Skip: true}, nil
	}
	age, err := strconv.Atoi(strings.TrimSpace(result))
	if err != nil {
		return ClinicalOutcome{}, fmt.Errorf("age observation %q: %w", result, err)
	}
	return ClinicalOutcome{Age: &age}, nil
}

func vaccineOutcome(tag mart.Tag) clinicalTransform {
	return func(result, _ string) (ClinicalOutcome, error) {
		return ClinicalOutcome{Dim: tag, Values: mart.Values{"status": result}}, nil
	}
}

var o2satUnits = map[string]bool{
	"Percent": true,
	"PercentOxygen[Volume Fraction Units]": true,
}

func o2satOutcome(result, units string) (ClinicalOutcome, error) {
	if !o2satUnits[units] {
		return ClinicalOutcome{}, fmt.Errorf("o2 saturation units %q not recognized", units)
	}
	// Feeds occasionally send "98." for a whole-number reading.
	pct, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(result), "."))
	if err != nil {
		return ClinicalOutcome{}, fmt.Errorf("o2 saturation %q: %w", result, err)
	}
	return ClinicalOutcome{
		Dim:    mart.DimAdmissionO2sat,
		Values: mart.Values{"o2sat_percentage": pct},
	}, nil
}

func temperatureOutcome(result, units string) (ClinicalOutcome, error) {
	if units != "Degree Fahrenheit [Temperature]" {
		return ClinicalOutcome{}, fmt.Errorf("temperature units %q not recognized", units)
	}
	degrees, err := strconv.ParseFloat(strings.TrimSpace(result), 64)
	if err != nil {
		return ClinicalOutcome{}, fmt.Errorf("temperature %q: %w", result, err)
	}
	return ClinicalOutcome{
		Dim:    mart.DimAdmissionTemp,
		Values: mart.Values{"degree_fahrenheit": fmt.Sprintf("%.1f", degrees)},
	}, nil
}

func pregnancyOutcome(result, _ string) (ClinicalOutcome, error) {
	// The pregnancy result arrives as a coded element; the second subfield
	// carries the answer text.
	parts := strings.Split(result, hl7.Delimiter)
	if len(parts) < 2 {
		return ClinicalOutcome{}, fmt.Errorf("pregnancy observation %q has no second subfield", result)
	}
	return ClinicalOutcome{
		Dim:    mart.DimPregnancy,
		Values: mart.Values{"result": parts[1]},
	}, nil
}
