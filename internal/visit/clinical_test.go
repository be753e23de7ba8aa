package visit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pheme-project/longitudinal/internal/mart"
)

func TestPregnancyTakesSecondSubfield(t *testing.T) {
	out, err := ClinicalInfo{Code: "11449-6", Result: "A|pos|B"}.Outcome()
	require.NoError(t, err)
	assert.Equal(t, mart.DimPregnancy, out.Dim)
	assert.Equal(t, mart.Values{"result": "pos"}, out.Values)
}

func TestPregnancyWithoutSubfieldFails(t *testing.T) {
	_, err := ClinicalInfo{Code: "11449-6", Result: "pos"}.Outcome()
	assert.Error(t, err)
}

func TestTemperatureFormattedToOneDecimal(t *testing.T) {
	out, err := ClinicalInfo{
		Code: "8310-5", Result: "98.47", Units: "Degree Fahrenheit [Temperature]",
	}.Outcome()
	require.NoError(t, err)
	assert.Equal(t, mart.Values{"degree_fahrenheit": "98.5"}, out.Values)
}

func TestTemperatureWrongUnitsFails(t *testing.T) {
	_, err := ClinicalInfo{Code: "8310-5", Result: "37.0", Units: "Cel"}.Outcome()
	assert.Error(t, err)
}

func TestO2SatTrimsTrailingDot(t *testing.T) {
	out, err := ClinicalInfo{Code: "59408-5", Result: "98.", Units: "Percent"}.Outcome()
	require.NoError(t, err)
	assert.Equal(t, mart.Values{"o2sat_percentage": 98}, out.Values)

	out, err = ClinicalInfo{
		Code: "20564-1", Result: "97", Units: "PercentOxygen[Volume Fraction Units]",
	}.Outcome()
	require.NoError(t, err)
	assert.Equal(t, mart.Values{"o2sat_percentage": 97}, out.Values)
}

func TestO2SatWrongUnitsFails(t *testing.T) {
	_, err := ClinicalInfo{Code: "59408-5", Result: "98", Units: "mmHg"}.Outcome()
	assert.Error(t, err)
}

func TestAgeRequiresYears(t *testing.T) {
	out, err := ClinicalInfo{Code: "29553-5", Result: "41", Units: "Years"}.Outcome()
	require.NoError(t, err)
	require.NotNil(t, out.Age)
	assert.Equal(t, 41, *out.Age)

	out, err = ClinicalInfo{Code: "29553-5", Result: "3", Units: "Months"}.Outcome()
	require.NoError(t, err)
	assert.True(t, out.Skip)
}

func TestChiefComplaintAndVaccines(t *testing.T) {
	out, err := ClinicalInfo{Code: "8661-1", Result: "fever"}.Outcome()
	require.NoError(t, err)
	assert.Equal(t, mart.DimChiefComplaint, out.Dim)

	out, err = ClinicalInfo{Code: "46077-4", Result: "refused"}.Outcome()
	require.NoError(t, err)
	assert.Equal(t, mart.DimFluVaccine, out.Dim)
	assert.Equal(t, mart.Values{"status": "refused"}, out.Values)

	out, err = ClinicalInfo{Code: "29544-4", Result: "given"}.Outcome()
	require.NoError(t, err)
	assert.Equal(t, mart.DimH1N1Vaccine, out.Dim)
}

func TestRecognizedClinicalCode(t *testing.T) {
	assert.True(t, RecognizedClinicalCode("8661-1"))
	assert.False(t, RecognizedClinicalCode("5555-5"))
}
