package entitlement

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// allowedFeatures declares each program's disjoint feature universe.
var allowedFeatures = map[Program]map[string]bool{
	ProgramA: {
		"metering":     true,
		"meter_groups": true,
		"dashboards":   true,
		"alerts":       true,
		"reports":      true,
		"export":       true,
	},
	ProgramB: {
		"modeling":        true,
		"simulation":      true,
		"calibration":     true,
		"baseline_create": true,
		"baseline_adjust": true,
		"reports":         true,
		"export":          true,
	},
}

// forbiddenFeatures lists features a program rejects even though they sit in
// its allow-list; program-b's baseline-creation features are reserved for a
// higher product tier than any template this deployment may grant.
var forbiddenFeatures = map[Program]map[string]bool{
	ProgramB: {
		"baseline_create": true,
		"baseline_adjust": true,
	},
}

type Service struct {
	dir string
}

type ServiceParams struct {
	fx.In
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{dir: p.Config.Licensing.TemplatesDir}
}

// NewServiceFromDir is a constructor for tests and tooling that bypasses
// the application config.
func NewServiceFromDir(dir string) *Service {
	return &Service{dir: dir}
}

// Load reads the static template document for a program/tier pair.
func (s *Service) Load(program Program, tier string) (*Template, error) {
	if !program.Valid() {
		return nil, errutil.ValidationFailed("unknown program", errutil.WithReason("invalid_program"))
	}
	if strings.TrimSpace(tier) == "" {
		return nil, errutil.BadRequest("tier is required")
	}

	path := filepath.Join(s.dir, string(program), tier+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errutil.NotFound(fmt.Sprintf("template %s/%s not found", program, tier),
				errutil.WithReason("template_missing"))
		}
		return nil, errutil.Internal("failed to read template", errutil.WithErr(err))
	}

	var tpl Template
	if err := json.Unmarshal(raw, &tpl); err != nil {
		zap.L().Error("malformed template file", zap.String("path", path), zap.Error(err))
		return nil, errutil.Internal("malformed template file", errutil.WithErr(err))
	}
	if tpl.Tier == "" {
		tpl.Tier = tier
	}

	return &tpl, nil
}

// LoadValidated loads a template and runs the guardrail on it. Unvalidated
// templates are never stored or signed.
func (s *Service) LoadValidated(program Program, tier string) (*Template, error) {
	tpl, err := s.Load(program, tier)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(program, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Validate is the entitlement guardrail. It rejects a template whose own
// program flag is disabled, that enables the other program's flag, or that
// requests features outside the program's allow-list or inside its
// forbidden subset.
func (s *Service) Validate(program Program, tpl *Template) error {
	if !program.Valid() {
		return errutil.ValidationFailed("unknown program", errutil.WithReason("invalid_program"))
	}

	if !tpl.Products[string(program)] {
		return errutil.UnprocessableEntity(
			fmt.Sprintf("template does not enable product %s", program),
			errutil.WithReason("product_not_enabled"))
	}

	if tpl.Products[string(program.Other())] {
		return errutil.UnprocessableEntity(
			"template enables both programs; grants must be single-program",
			errutil.WithReason("cross_program_grant"))
	}

	allowed := allowedFeatures[program]
	forbidden := forbiddenFeatures[program]
	for _, feature := range tpl.Features {
		if !allowed[feature] {
			return errutil.UnprocessableEntity(
				fmt.Sprintf("feature %q is not in the %s allow-list", feature, program),
				errutil.WithReason("feature_not_allowed"),
				errutil.WithDetails(errutil.Detail{Field: "features", Message: feature}))
		}
		if forbidden[feature] {
			return errutil.UnprocessableEntity(
				fmt.Sprintf("feature %q is forbidden for %s", feature, program),
				errutil.WithReason("feature_forbidden"),
				errutil.WithDetails(errutil.Detail{Field: "features", Message: feature}))
		}
	}

	return nil
}

// List enumerates the tiers available for a program, for the admin surface.
func (s *Service) List(program Program) ([]string, error) {
	if !program.Valid() {
		return nil, errutil.ValidationFailed("unknown program", errutil.WithReason("invalid_program"))
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, string(program)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errutil.Internal("failed to list templates", errutil.WithErr(err))
	}

	var tiers []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		tiers = append(tiers, strings.TrimSuffix(e.Name(), ".json"))
	}
	return tiers, nil
}
