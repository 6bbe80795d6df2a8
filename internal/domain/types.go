// Package domain contains the shared request, configuration and error types
// of the KFRE risk service. The numeric engine itself lives in pkg/kfre.
package domain

import (
	"strings"

	"github.com/kfre-risk-server/pkg/kfre"
)

// PatientInput is one patient record as received by the HTTP API and the MCP
// tools. Optional covariates are pointers; nil means absent.
type PatientInput struct {
	Age    *float64 `json:"age"`
	Sex    string   `json:"sex"`
	EGFR   *float64 `json:"egfr"`
	UACR   *float64 `json:"uacr,omitempty"`
	UPCR   *float64 `json:"upcr,omitempty"`
	Region string   `json:"region"`

	Diabetes     *float64 `json:"dm,omitempty"`
	Hypertension *float64 `json:"htn,omitempty"`

	Albumin     *float64 `json:"albumin,omitempty"`
	Phosphorous *float64 `json:"phosphorous,omitempty"`
	Bicarbonate *float64 `json:"bicarbonate,omitempty"`
	Calcium     *float64 `json:"calcium,omitempty"`
}

// Validate checks that the baseline covariates are present and that the
// dm and htn indicators, when given, are 0 or 1.
func (p *PatientInput) Validate() error {
	if p.Age == nil {
		return NewValidationError("age", "is required", nil)
	}
	if *p.Age <= 0 {
		return NewValidationError("age", "must be positive", *p.Age)
	}
	if strings.TrimSpace(p.Sex) == "" {
		return NewValidationError("sex", "is required", p.Sex)
	}
	if p.EGFR == nil {
		return NewValidationError("egfr", "is required", nil)
	}
	if p.UACR == nil && p.UPCR == nil {
		return NewValidationError("uacr", "either uacr or upcr is required", nil)
	}
	if p.Region == "" {
		return NewValidationError("region", "is required", p.Region)
	}
	if err := ValidateFlag("dm", p.Diabetes); err != nil {
		return err
	}
	return ValidateFlag("htn", p.Hypertension)
}

// ValidateFlag checks that an optional indicator covariate is 0 or 1.
func ValidateFlag(field string, v *float64) error {
	if v != nil && *v != 0 && *v != 1 {
		return NewValidationError(field, "must be 0 or 1", *v)
	}
	return nil
}

// ToCovariates maps the record onto engine covariates. Sex is male when it
// equals maleToken ignoring case. When uACR is absent it is estimated from
// uPCR, treating the patient as female only on an exact femaleToken match.
func (p *PatientInput) ToCovariates(maleToken, femaleToken string) (kfre.Covariates, error) {
	if err := p.Validate(); err != nil {
		return kfre.Covariates{}, err
	}

	uacr := 0.0
	if p.UACR != nil {
		uacr = *p.UACR
	} else {
		est, err := kfre.EstimateUACR(*p.UPCR, p.Sex == femaleToken, flag(p.Diabetes), flag(p.Hypertension))
		if err != nil {
			return kfre.Covariates{}, NewValidationError("upcr", err.Error(), *p.UPCR)
		}
		uacr = est
	}

	return kfre.Covariates{
		Age:          *p.Age,
		Male:         strings.EqualFold(p.Sex, maleToken),
		EGFR:         *p.EGFR,
		UACR:         uacr,
		Region:       kfre.RegionFromLabel(p.Region),
		Diabetes:     p.Diabetes,
		Hypertension: p.Hypertension,
		Albumin:      p.Albumin,
		Phosphorous:  p.Phosphorous,
		Bicarbonate:  p.Bicarbonate,
		Calcium:      p.Calcium,
	}, nil
}

func flag(v *float64) bool {
	return v != nil && *v == 1
}

// RiskPrediction is one horizon's outcome for one patient.
type RiskPrediction struct {
	HorizonYears     int     `json:"horizon_years"`
	Risk             float64 `json:"risk"`
	Variant          string  `json:"variant"`
	RequestedVariant string  `json:"requested_variant"`
	FellBack         bool    `json:"fell_back"`
	Alpha            float64 `json:"alpha"`
}

// NewRiskPrediction converts an engine result.
func NewRiskPrediction(horizon kfre.Horizon, res kfre.Result) RiskPrediction {
	return RiskPrediction{
		HorizonYears:     int(horizon),
		Risk:             res.Risk,
		Variant:          res.Variant.String(),
		RequestedVariant: res.Requested.String(),
		FellBack:         res.FellBack(),
		Alpha:            res.Alpha,
	}
}

// LogFields returns structured logging fields describing a prediction
// without any patient covariates.
func (r RiskPrediction) LogFields() map[string]any {
	return map[string]any{
		"horizon_years":     r.HorizonYears,
		"variant":           r.Variant,
		"requested_variant": r.RequestedVariant,
		"fell_back":         r.FellBack,
	}
}
