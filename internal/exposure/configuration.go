package exposure

import (
	"errors"
	"fmt"
)

// Configuration holds the detection parameters served by the key service.
type Configuration struct {
	MinimumRiskScore                  uint8   `json:"minimum_risk_score" yaml:"minimum_risk_score"`
	AttenuationDurationThresholds     []int   `json:"attenuation_duration_thresholds" yaml:"attenuation_duration_thresholds"`
	AttenuationLevelValues            []int   `json:"attenuation_level_values" yaml:"attenuation_level_values"`
	DaysSinceLastExposureLevelValues  []int   `json:"days_since_last_exposure_level_values" yaml:"days_since_last_exposure_level_values"`
	DurationLevelValues               []int   `json:"duration_level_values" yaml:"duration_level_values"`
	TransmissionRiskLevelValues       []int   `json:"transmission_risk_level_values" yaml:"transmission_risk_level_values"`
	ImmediateDurationWeight           float64 `json:"immediate_duration_weight" yaml:"immediate_duration_weight"`
	NearDurationWeight                float64 `json:"near_duration_weight" yaml:"near_duration_weight"`
	MediumDurationWeight              float64 `json:"medium_duration_weight" yaml:"medium_duration_weight"`
	OtherDurationWeight               float64 `json:"other_duration_weight" yaml:"other_duration_weight"`
	InfectiousnessStandardWeight      float64 `json:"infectiousness_standard_weight" yaml:"infectiousness_standard_weight"`
	InfectiousnessHighWeight          float64 `json:"infectiousness_high_weight" yaml:"infectiousness_high_weight"`
	ReportTypeConfirmedTestWeight     float64 `json:"report_type_confirmed_test_weight" yaml:"report_type_confirmed_test_weight"`
	ReportTypeConfirmedClinicalWeight float64 `json:"report_type_confirmed_clinical_diagnosis_weight" yaml:"report_type_confirmed_clinical_diagnosis_weight"`
	ReportTypeSelfReportedWeight      float64 `json:"report_type_self_reported_weight" yaml:"report_type_self_reported_weight"`
	ReportTypeRecursiveWeight         float64 `json:"report_type_recursive_weight" yaml:"report_type_recursive_weight"`
}

const (
	levelValueCount = 8
	maxLevelValue   = 8
	maxWeight       = 250.0
)

// ErrInvalidConfiguration marks detection parameters the engine cannot accept.
var ErrInvalidConfiguration = errors.New("invalid exposure configuration")

// Validate checks value ranges the matching engine requires.
func (c Configuration) Validate() error {
	if len(c.AttenuationDurationThresholds) != 2 {
		return fmt.Errorf("%w: attenuation_duration_thresholds needs 2 values, got %d",
			ErrInvalidConfiguration, len(c.AttenuationDurationThresholds))
	}
	if c.AttenuationDurationThresholds[0] > c.AttenuationDurationThresholds[1] {
		return fmt.Errorf("%w: attenuation_duration_thresholds must be ascending", ErrInvalidConfiguration)
	}

	levels := []struct {
		name   string
		values []int
	}{
		{"attenuation_level_values", c.AttenuationLevelValues},
		{"days_since_last_exposure_level_values", c.DaysSinceLastExposureLevelValues},
		{"duration_level_values", c.DurationLevelValues},
		{"transmission_risk_level_values", c.TransmissionRiskLevelValues},
	}
	for _, level := range levels {
		if len(level.values) == 0 {
			continue
		}
		if len(level.values) != levelValueCount {
			return fmt.Errorf("%w: %s needs %d values, got %d", ErrInvalidConfiguration, level.name, levelValueCount, len(level.values))
		}
		for _, v := range level.values {
			if v < 0 || v > maxLevelValue {
				return fmt.Errorf("%w: %s value %d out of range", ErrInvalidConfiguration, level.name, v)
			}
		}
	}

	weights := []struct {
		name  string
		value float64
	}{
		{"immediate_duration_weight", c.ImmediateDurationWeight},
		{"near_duration_weight", c.NearDurationWeight},
		{"medium_duration_weight", c.MediumDurationWeight},
		{"other_duration_weight", c.OtherDurationWeight},
		{"infectiousness_standard_weight", c.InfectiousnessStandardWeight},
		{"infectiousness_high_weight", c.InfectiousnessHighWeight},
		{"report_type_confirmed_test_weight", c.ReportTypeConfirmedTestWeight},
		{"report_type_confirmed_clinical_diagnosis_weight", c.ReportTypeConfirmedClinicalWeight},
		{"report_type_self_reported_weight", c.ReportTypeSelfReportedWeight},
		{"report_type_recursive_weight", c.ReportTypeRecursiveWeight},
	}
	for _, w := range weights {
		if w.value < 0 || w.value > maxWeight {
			return fmt.Errorf("%w: %s %.1f out of range [0, %.0f]", ErrInvalidConfiguration, w.name, w.value, maxWeight)
		}
	}
	return nil
}
