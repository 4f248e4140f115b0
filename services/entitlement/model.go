package entitlement

// Program identifies one of the two downstream analysis programs a grant
// can target. Grants are always single-program.
type Program string

const (
	ProgramA Program = "program-a"
	ProgramB Program = "program-b"
)

func (p Program) Valid() bool {
	return p == ProgramA || p == ProgramB
}

// Other returns the opposite program.
func (p Program) Other() Program {
	if p == ProgramA {
		return ProgramB
	}
	return ProgramA
}

// Limit keys a template may declare. A missing key means unlimited.
const (
	LimitSeats    = "seat_limit"
	LimitMeters   = "meter_limit"
	LimitProjects = "project_limit"
)

// Template is a static, versioned declaration of product/feature/limit
// entitlements for a pricing tier. Templates live as read-only files under
// {templates_dir}/{program}/{tier}.json; the control plane never writes them.
type Template struct {
	Tier     string          `json:"tier"`
	Products map[string]bool `json:"products"`
	Features []string        `json:"features"`
	Roles    []string        `json:"roles"`
	Limits   map[string]int  `json:"limits"`
	TermDays int             `json:"term_days"`
	Trial    bool            `json:"trial"`
}

// SeatLimit returns the declared seat ceiling, 0 meaning unlimited.
func (t *Template) SeatLimit() int {
	return t.Limits[LimitSeats]
}

func (t *Template) MeterLimit() int {
	return t.Limits[LimitMeters]
}

func (t *Template) ProjectLimit() int {
	return t.Limits[LimitProjects]
}
