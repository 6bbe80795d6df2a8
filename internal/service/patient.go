package service

import (
	"github.com/sirupsen/logrus"

	"github.com/kfre-risk-server/internal/cache"
	"github.com/kfre-risk-server/internal/domain"
	"github.com/kfre-risk-server/pkg/kfre"
)

// PatientOptions selects the model and horizons for one patient.
type PatientOptions struct {
	Horizons      []int `json:"horizons"`
	UseExtended   bool  `json:"use_extended"`
	VariableCount int   `json:"variable_count"`
}

// PatientPrediction is the outcome for one patient across horizons.
type PatientPrediction struct {
	UACR          float64                 `json:"uacr"`
	UACREstimated bool                    `json:"uacr_estimated"`
	Predictions   []domain.RiskPrediction `json:"predictions"`
	CacheHits     int                     `json:"-"`
}

// PatientPredictor evaluates single patient records, as received by the
// HTTP API and the MCP tools, through an optional result cache.
type PatientPredictor struct {
	logger      *logrus.Logger
	cache       *cache.MemoryCache
	maleToken   string
	femaleToken string
}

// NewPatientPredictor creates a predictor. memCache may be nil.
func NewPatientPredictor(logger *logrus.Logger, memCache *cache.MemoryCache, maleToken, femaleToken string) *PatientPredictor {
	return &PatientPredictor{
		logger:      logger,
		cache:       memCache,
		maleToken:   maleToken,
		femaleToken: femaleToken,
	}
}

// Predict validates input and evaluates it at every requested horizon.
// Horizons default to 2 and 5 years.
func (p *PatientPredictor) Predict(input *domain.PatientInput, opts PatientOptions) (*PatientPrediction, error) {
	requested, err := kfre.SelectVariant(opts.UseExtended, opts.VariableCount)
	if err != nil {
		return nil, err
	}

	horizons := make([]kfre.Horizon, 0, len(opts.Horizons))
	for _, years := range opts.Horizons {
		h, err := kfre.ParseHorizon(years)
		if err != nil {
			return nil, err
		}
		horizons = append(horizons, h)
	}
	if len(horizons) == 0 {
		horizons = kfre.Horizons
	}

	covariates, err := input.ToCovariates(p.maleToken, p.femaleToken)
	if err != nil {
		return nil, err
	}

	out := &PatientPrediction{
		UACR:          covariates.UACR,
		UACREstimated: input.UACR == nil,
		Predictions:   make([]domain.RiskPrediction, 0, len(horizons)),
	}

	for _, h := range horizons {
		res, hit, err := p.evaluate(covariates, requested, h)
		if err != nil {
			return nil, err
		}
		if hit {
			out.CacheHits++
		}
		pred := domain.NewRiskPrediction(h, res)
		p.logger.WithFields(logrus.Fields(pred.LogFields())).Debug("Patient risk evaluated")
		out.Predictions = append(out.Predictions, pred)
	}

	return out, nil
}

func (p *PatientPredictor) evaluate(c kfre.Covariates, requested kfre.Variant, h kfre.Horizon) (kfre.Result, bool, error) {
	if p.cache != nil {
		return p.cache.GetOrEvaluate(c, requested, h)
	}
	res, err := kfre.Evaluate(c, requested, h)
	return res, false, err
}

// EstimateUACR estimates uACR for a single patient from uPCR.
func (p *PatientPredictor) EstimateUACR(upcr float64, sex string, diabetic, hypertensive bool) (float64, error) {
	return kfre.EstimateUACR(upcr, sex == p.femaleToken, diabetic, hypertensive)
}

// ConvertUnits converts single lab values keyed by source field (uPCR,
// calcium, phosphate, albumin). The result is keyed by output column name.
func ConvertUnits(values map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(values))
	for field, v := range values {
		unit, ok := kfre.ConversionFor(field)
		if !ok {
			return nil, domain.NewValidationError(field, "no unit conversion for this field", v)
		}
		out[unit.Output] = unit.Convert(v)
	}
	return out, nil
}
