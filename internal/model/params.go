// Package model holds the quantitative cost models and the immutable
// parameter set they are configured from.
package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// FeeTier is one row of the fee-tier table, rates as fractions of notional.
type FeeTier struct {
	Maker float64
	Taker float64
}

// Params is the immutable model parameter set. It is built once at startup
// by ParamsFile.Params and shared read-only by every estimate.
type Params struct {
	// Almgren-Chriss.
	Eta     float64 // temporary impact factor
	Gamma   float64 // permanent impact factor
	Horizon float64 // reference execution horizon τ
	// DefaultRiskAversion is used for requests that do not carry one.
	DefaultRiskAversion float64

	// Slippage regression.
	Slippage    SlippageCoefficients
	DepthLevels int
	MaxSlippage float64

	// Maker/taker logistic regression.
	Classifier ClassifierWeights

	FeeTiers map[string]FeeTier

	// MaxVolatility bounds request volatility; zero means unbounded.
	MaxVolatility float64
}

// SlippageCoefficients are b0..b4 of the linear slippage model.
type SlippageCoefficients struct {
	Intercept  float64
	OrderSize  float64
	Depth      float64
	Volatility float64
	TimeOfDay  float64
}

// ClassifierWeights are the logistic regression weights.
type ClassifierWeights struct {
	Intercept   float64
	OrderSize   float64
	PriceOffset float64
	Volatility  float64
	FillRatio   float64
}

// TierNames returns the configured fee tiers in sorted order.
func (p *Params) TierNames() []string {
	names := make([]string, 0, len(p.FeeTiers))
	for n := range p.FeeTiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParamsFile is the on-disk shape of the model parameters, shared by the
// [model] TOML table and the standalone YAML parameter file. Every
// coefficient is a pointer so that an omitted value can be told apart from
// an explicit zero: a missing coefficient is a startup error, never a
// silent default.
type ParamsFile struct {
	Impact struct {
		Eta          *float64 `toml:"eta" yaml:"eta"`
		Gamma        *float64 `toml:"gamma" yaml:"gamma"`
		Horizon      *float64 `toml:"horizon" yaml:"horizon"`
		RiskAversion *float64 `toml:"risk_aversion" yaml:"risk_aversion"`
	} `toml:"impact" yaml:"impact"`

	Slippage struct {
		B0          *float64 `toml:"b0" yaml:"b0"`
		B1          *float64 `toml:"b1" yaml:"b1"`
		B2          *float64 `toml:"b2" yaml:"b2"`
		B3          *float64 `toml:"b3" yaml:"b3"`
		B4          *float64 `toml:"b4" yaml:"b4"`
		DepthLevels *int     `toml:"depth_levels" yaml:"depth_levels"`
		MaxSlippage *float64 `toml:"max_slippage" yaml:"max_slippage"`
	} `toml:"slippage" yaml:"slippage"`

	Classifier struct {
		W0 *float64 `toml:"w0" yaml:"w0"`
		W1 *float64 `toml:"w1" yaml:"w1"`
		W2 *float64 `toml:"w2" yaml:"w2"`
		W3 *float64 `toml:"w3" yaml:"w3"`
		W4 *float64 `toml:"w4" yaml:"w4"`
	} `toml:"classifier" yaml:"classifier"`

	FeeTiers map[string]FeeTierFile `toml:"fee_tiers" yaml:"fee_tiers"`

	MaxVolatility *float64 `toml:"max_volatility" yaml:"max_volatility"`
}

// FeeTierFile is one fee tier as written in configuration.
type FeeTierFile struct {
	Maker *float64 `toml:"maker" yaml:"maker"`
	Taker *float64 `toml:"taker" yaml:"taker"`
}

// LoadParamsFile reads a YAML parameter file, typically the output of an
// offline regression fit.
func LoadParamsFile(path string) (ParamsFile, error) {
	var f ParamsFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("model: read params file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("model: parse params file %s: %w", path, err)
	}
	return f, nil
}

// Merge returns f with every value set in over taking precedence. Fee tiers
// are merged by name.
func (f ParamsFile) Merge(over ParamsFile) ParamsFile {
	pick := func(dst **float64, src *float64) {
		if src != nil {
			*dst = src
		}
	}
	pick(&f.Impact.Eta, over.Impact.Eta)
	pick(&f.Impact.Gamma, over.Impact.Gamma)
	pick(&f.Impact.Horizon, over.Impact.Horizon)
	pick(&f.Impact.RiskAversion, over.Impact.RiskAversion)
	pick(&f.Slippage.B0, over.Slippage.B0)
	pick(&f.Slippage.B1, over.Slippage.B1)
	pick(&f.Slippage.B2, over.Slippage.B2)
	pick(&f.Slippage.B3, over.Slippage.B3)
	pick(&f.Slippage.B4, over.Slippage.B4)
	pick(&f.Slippage.MaxSlippage, over.Slippage.MaxSlippage)
	if over.Slippage.DepthLevels != nil {
		f.Slippage.DepthLevels = over.Slippage.DepthLevels
	}
	pick(&f.Classifier.W0, over.Classifier.W0)
	pick(&f.Classifier.W1, over.Classifier.W1)
	pick(&f.Classifier.W2, over.Classifier.W2)
	pick(&f.Classifier.W3, over.Classifier.W3)
	pick(&f.Classifier.W4, over.Classifier.W4)
	pick(&f.MaxVolatility, over.MaxVolatility)

	if len(over.FeeTiers) > 0 {
		merged := make(map[string]FeeTierFile, len(f.FeeTiers)+len(over.FeeTiers))
		for k, v := range f.FeeTiers {
			merged[k] = v
		}
		for k, v := range over.FeeTiers {
			merged[k] = v
		}
		f.FeeTiers = merged
	}
	return f
}

// Params validates f and builds the immutable parameter set. All problems
// are reported together, wrapped in domain.ErrConfiguration.
func (f ParamsFile) Params() (*Params, error) {
	var errs []string
	req := func(name string, v *float64, nonNegative bool) float64 {
		switch {
		case v == nil:
			errs = append(errs, name+" is required")
			return 0
		case math.IsNaN(*v) || math.IsInf(*v, 0):
			errs = append(errs, name+" must be finite")
		case nonNegative && *v < 0:
			errs = append(errs, name+" must be >= 0")
		}
		return *v
	}

	p := &Params{
		Eta:                 req("model.impact.eta", f.Impact.Eta, true),
		Gamma:               req("model.impact.gamma", f.Impact.Gamma, true),
		Horizon:             req("model.impact.horizon", f.Impact.Horizon, true),
		DefaultRiskAversion: req("model.impact.risk_aversion", f.Impact.RiskAversion, true),
		Slippage: SlippageCoefficients{
			Intercept:  req("model.slippage.b0", f.Slippage.B0, false),
			OrderSize:  req("model.slippage.b1", f.Slippage.B1, false),
			Depth:      req("model.slippage.b2", f.Slippage.B2, false),
			Volatility: req("model.slippage.b3", f.Slippage.B3, false),
			TimeOfDay:  req("model.slippage.b4", f.Slippage.B4, false),
		},
		MaxSlippage: req("model.slippage.max_slippage", f.Slippage.MaxSlippage, true),
		Classifier: ClassifierWeights{
			Intercept:   req("model.classifier.w0", f.Classifier.W0, false),
			OrderSize:   req("model.classifier.w1", f.Classifier.W1, false),
			PriceOffset: req("model.classifier.w2", f.Classifier.W2, false),
			Volatility:  req("model.classifier.w3", f.Classifier.W3, false),
			FillRatio:   req("model.classifier.w4", f.Classifier.W4, false),
		},
		FeeTiers: make(map[string]FeeTier, len(f.FeeTiers)),
	}
	if p.Horizon == 0 && f.Impact.Horizon != nil {
		errs = append(errs, "model.impact.horizon must be > 0")
	}
	if f.Slippage.DepthLevels == nil {
		errs = append(errs, "model.slippage.depth_levels is required")
	} else if *f.Slippage.DepthLevels <= 0 {
		errs = append(errs, "model.slippage.depth_levels must be > 0")
	} else {
		p.DepthLevels = *f.Slippage.DepthLevels
	}
	if f.MaxVolatility != nil {
		p.MaxVolatility = req("model.max_volatility", f.MaxVolatility, true)
	}

	if len(f.FeeTiers) == 0 {
		errs = append(errs, "model.fee_tiers must not be empty")
	}
	for name, t := range f.FeeTiers {
		key := strings.TrimSpace(name)
		if key == "" {
			errs = append(errs, "model.fee_tiers: empty tier name")
			continue
		}
		p.FeeTiers[key] = FeeTier{
			Maker: req("model.fee_tiers."+key+".maker", t.Maker, false),
			Taker: req("model.fee_tiers."+key+".taker", t.Taker, false),
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(errs, "; "))
	}
	return p, nil
}

var errNegative = errors.New("must be non-negative")

func checkNonNegative(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be finite", domain.ErrInvalidRequest, name)
	}
	if v < 0 {
		return fmt.Errorf("%w: %s %v %w", domain.ErrInvalidRequest, name, v, errNegative)
	}
	return nil
}
