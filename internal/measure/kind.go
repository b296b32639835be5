package measure

import (
	"fmt"
	"strings"

	"github.com/copyleftdev/robopt/internal/optimization"
)

// Kind tags the measure variants.
type Kind int

const (
	KindMean Kind = iota
	KindVariance
	KindWorstCase
	KindJointChance
	KindIndividualChance
	KindQuantile
	KindMeanStdTradeoff
	KindAggregated
)

var kindNames = map[Kind]string{
	KindMean:             "mean",
	KindVariance:         "variance",
	KindWorstCase:        "worst_case",
	KindJointChance:      "joint_chance",
	KindIndividualChance: "individual_chance",
	KindQuantile:         "quantile",
	KindMeanStdTradeoff:  "mean_std_tradeoff",
	KindAggregated:       "aggregated",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, optimization.InvalidArgument("Kind.MarshalText", "unknown measure kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText parses the name returned by Kind.String.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := parseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func parseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, optimization.InvalidArgument("Kind.UnmarshalText", "unknown measure kind %q", s)
}

// Comparison is the operator a chance measure applies between each output
// component and zero. The zero value is no operator.
type Comparison int

const (
	Less Comparison = iota + 1
	LessOrEqual
	Greater
	GreaterOrEqual
)

// Holds reports whether a op b.
func (c Comparison) Holds(a, b float64) bool {
	switch c {
	case Less:
		return a < b
	case LessOrEqual:
		return a <= b
	case Greater:
		return a > b
	case GreaterOrEqual:
		return a >= b
	default:
		return false
	}
}

func (c Comparison) String() string {
	switch c {
	case Less:
		return "<"
	case LessOrEqual:
		return "<="
	case Greater:
		return ">"
	case GreaterOrEqual:
		return ">="
	default:
		return fmt.Sprintf("comparison(%d)", int(c))
	}
}

func (c Comparison) MarshalText() ([]byte, error) {
	if err := checkComparison("Comparison.MarshalText", c); err != nil {
		return nil, err
	}
	return []byte(c.String()), nil
}

func checkComparison(op string, c Comparison) error {
	if c < Less || c > GreaterOrEqual {
		return optimization.InvalidArgument(op, "unknown comparison %d", int(c))
	}
	return nil
}

// UnmarshalText accepts the operator symbols and their names
// ("less", "less_or_equal", "greater", "greater_or_equal").
func (c *Comparison) UnmarshalText(text []byte) error {
	parsed, err := parseComparison(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func parseComparison(s string) (Comparison, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "<", "less":
		return Less, nil
	case "<=", "less_or_equal":
		return LessOrEqual, nil
	case ">", "greater":
		return Greater, nil
	case ">=", "greater_or_equal":
		return GreaterOrEqual, nil
	}
	return 0, optimization.InvalidArgument("Comparison.UnmarshalText", "unknown comparison %q", s)
}
