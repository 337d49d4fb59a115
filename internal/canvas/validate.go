package canvas

import (
	"fmt"
	"math"
)

// Validate checks a decoded payload against the schema of its action kind.
// Conflicting or nonsensical combinations are rejected as invalid model
// output instead of being merged into an element.
func Validate(kind ActionKind, p Patch) error {
	var problems []string
	switch kind {
	case ActionAddShape, ActionUpdateElement:
		if p.Type != nil && *p.Type != "" && !p.Type.IsShape() {
			problems = append(problems, fmt.Sprintf("type %q is not a shape", *p.Type))
		}
		problems = append(problems, forbidText(p)...)
		problems = append(problems, forbidArrow(p)...)
		problems = append(problems, nonNegative("width", p.Width)...)
		problems = append(problems, nonNegative("height", p.Height)...)
	case ActionAddArrow:
		if p.Type != nil && *p.Type != "" && *p.Type != TypeArrow {
			problems = append(problems, fmt.Sprintf("type %q on an arrow", *p.Type))
		}
		problems = append(problems, forbidText(p)...)
		problems = append(problems, checkPoints(p.Points)...)
		problems = append(problems, checkArrowhead("startArrowhead", p.StartArrowhead)...)
		problems = append(problems, checkArrowhead("endArrowhead", p.EndArrowhead)...)
	case ActionAddText:
		if p.Type != nil && *p.Type != "" && *p.Type != TypeText {
			problems = append(problems, fmt.Sprintf("type %q on a text", *p.Type))
		}
		problems = append(problems, forbidArrow(p)...)
		problems = append(problems, nonNegative("fontSize", p.FontSize)...)
		problems = append(problems, nonNegative("width", p.Width)...)
		problems = append(problems, nonNegative("height", p.Height)...)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}

	if p.Opacity != nil && (*p.Opacity < 0 || *p.Opacity > 100) {
		problems = append(problems, fmt.Sprintf("opacity %v outside 0..100", *p.Opacity))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidModelOutput, kind, problems)
	}
	return nil
}

func forbidText(p Patch) []string {
	var out []string
	if p.Text != nil {
		out = append(out, "text set")
	}
	if p.FontSize != nil {
		out = append(out, "fontSize set")
	}
	return out
}

func forbidArrow(p Patch) []string {
	var out []string
	if p.Points != nil {
		out = append(out, "points set")
	}
	if p.StartArrowhead.Set || p.EndArrowhead.Set {
		out = append(out, "arrowhead set")
	}
	return out
}

func nonNegative(field string, v *float64) []string {
	if v != nil && *v < 0 {
		return []string{fmt.Sprintf("%s %v is negative", field, *v)}
	}
	return nil
}

func checkPoints(points [][]float64) []string {
	if points == nil {
		return nil
	}
	if len(points) < 2 {
		return []string{fmt.Sprintf("arrow needs at least 2 points, got %d", len(points))}
	}
	for i, pt := range points {
		if len(pt) != 2 {
			return []string{fmt.Sprintf("point %d has %d coordinates", i, len(pt))}
		}
		if math.IsNaN(pt[0]) || math.IsInf(pt[0], 0) || math.IsNaN(pt[1]) || math.IsInf(pt[1], 0) {
			return []string{fmt.Sprintf("point %d is not finite", i)}
		}
	}
	return nil
}

func checkArrowhead(field string, o OptionalArrowhead) []string {
	if o.Set && o.Value != nil && !o.Value.valid() {
		return []string{fmt.Sprintf("%s %q is not a known arrowhead", field, *o.Value)}
	}
	return nil
}
