package canvas

import (
	"fmt"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Defaults applied when a payload leaves a field unset.
const (
	DefaultStrokeColor     = "#000000"
	DefaultBackgroundColor = "transparent"
	DefaultFillStyle       = "solid"
	DefaultStrokeStyle     = "solid"
	DefaultStrokeWidth     = 2
	DefaultRoughness       = 1
	DefaultOpacity         = 100

	DefaultShapeSize     = 100
	DefaultArrowWidth    = 100
	DefaultText          = "Text"
	DefaultTextHeight    = 25
	DefaultCharWidth     = 10
	DefaultFontSize      = 20
	DefaultFontFamily    = 1
	DefaultTextAlign     = "left"
	DefaultVerticalAlign = "top"
	DefaultLineHeight    = 1.25

	// seeds and nonces are drawn from [0, maxSeed)
	maxSeed = 2147483647
)

// Normalizer turns actions into complete elements. It holds no state besides
// its generators; the zero value is not usable, use NewNormalizer.
type Normalizer struct {
	NewID func() string
	Now   func() time.Time
	Seed  func() int64
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		NewID: uuid.NewString,
		Now:   time.Now,
		Seed:  func() int64 { return rand.Int64N(maxSeed) },
	}
}

// Normalize validates the action's payload and produces one element.
func (n *Normalizer) Normalize(a AIAction) (Element, error) {
	el, _, err := n.NormalizeTarget(a)
	return el, err
}

// NormalizeTarget is Normalize that also returns the id an updateElement
// payload named. That element is never modified; the id is only reported.
func (n *Normalizer) NormalizeTarget(a AIAction) (Element, string, error) {
	if a.decodeErr != nil {
		return nil, "", a.decodeErr
	}
	switch a.Action {
	case ActionAddShape, ActionAddArrow, ActionAddText, ActionUpdateElement:
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownAction, a.Action)
	}

	p, err := a.DecodePatch()
	if err != nil {
		return nil, "", err
	}
	if err := Validate(a.Action, p); err != nil {
		return nil, "", err
	}

	base := n.baseDefaults()
	overlay(&base, p)

	switch a.Action {
	case ActionAddArrow:
		return buildArrow(base, p), "", nil
	case ActionAddText:
		return buildText(base, p), "", nil
	case ActionUpdateElement:
		// updateElement never locates an existing element; it adds a shape.
		target := ""
		if p.ID != nil {
			target = *p.ID
		}
		return buildShape(base), target, nil
	default:
		return buildShape(base), "", nil
	}
}

func (n *Normalizer) baseDefaults() Base {
	return Base{
		ID:              n.NewID(),
		Angle:           0,
		StrokeColor:     DefaultStrokeColor,
		BackgroundColor: DefaultBackgroundColor,
		FillStyle:       DefaultFillStyle,
		StrokeWidth:     DefaultStrokeWidth,
		StrokeStyle:     DefaultStrokeStyle,
		Roughness:       DefaultRoughness,
		Opacity:         DefaultOpacity,
		GroupIDs:        []string{},
		Seed:            n.Seed(),
		VersionNonce:    n.Seed(),
		IsDeleted:       false,
		Updated:         n.Now().UnixMilli(),
		Locked:          false,
	}
}

// overlay copies every field the payload specified onto b. The payload id is
// never copied: ids are minted here so they stay unique within a board.
func overlay(b *Base, p Patch) {
	if p.Type != nil {
		b.Type = *p.Type
	}
	setF(&b.X, p.X)
	setF(&b.Y, p.Y)
	setF(&b.Width, p.Width)
	setF(&b.Height, p.Height)
	setF(&b.Angle, p.Angle)
	setS(&b.StrokeColor, p.StrokeColor)
	setS(&b.BackgroundColor, p.BackgroundColor)
	setS(&b.FillStyle, p.FillStyle)
	setF(&b.StrokeWidth, p.StrokeWidth)
	setS(&b.StrokeStyle, p.StrokeStyle)
	setF(&b.Roughness, p.Roughness)
	setF(&b.Opacity, p.Opacity)
	if p.GroupIDs != nil {
		b.GroupIDs = append([]string{}, p.GroupIDs...)
	}
	if p.FrameID != nil {
		b.FrameID = p.FrameID
	}
	if p.Roundness != nil {
		b.Roundness = p.Roundness
	}
	if p.Seed != nil {
		b.Seed = *p.Seed
	}
	if p.VersionNonce != nil {
		b.VersionNonce = *p.VersionNonce
	}
	if p.IsDeleted != nil {
		b.IsDeleted = *p.IsDeleted
	}
	if p.BoundElements != nil {
		b.BoundElements = append([]BoundElement{}, p.BoundElements...)
	}
	if p.Updated != nil {
		b.Updated = *p.Updated
	}
	if p.Link != nil {
		b.Link = p.Link
	}
	if p.Locked != nil {
		b.Locked = *p.Locked
	}
}

func buildShape(b Base) *ShapeElement {
	if !b.Type.IsShape() {
		b.Type = TypeRectangle
	}
	fill(&b.Width, DefaultShapeSize)
	fill(&b.Height, DefaultShapeSize)
	return &ShapeElement{Base: b}
}

func buildArrow(b Base, p Patch) *ArrowElement {
	b.Type = TypeArrow
	fill(&b.Width, DefaultArrowWidth)

	points := []Point{{0, 0}, {DefaultArrowWidth, 0}}
	if len(p.Points) > 0 {
		points = make([]Point, 0, len(p.Points))
		for _, pt := range p.Points {
			points = append(points, Point{pt[0], pt[1]})
		}
	}
	last := points[len(points)-1]

	end := ArrowheadArrow
	el := &ArrowElement{
		Base:               b,
		Points:             points,
		LastCommittedPoint: &last,
		StartBinding:       p.StartBinding,
		EndBinding:         p.EndBinding,
		EndArrowhead:       &end,
	}
	if p.StartArrowhead.Set {
		el.StartArrowhead = p.StartArrowhead.Value
	}
	if p.EndArrowhead.Set {
		el.EndArrowhead = p.EndArrowhead.Value
	}
	return el
}

func buildText(b Base, p Patch) *TextElement {
	b.Type = TypeText
	text := DefaultText
	if p.Text != nil && *p.Text != "" {
		text = *p.Text
	}
	fill(&b.Width, float64(DefaultCharWidth*utf8.RuneCountInString(text)))
	fill(&b.Height, DefaultTextHeight)

	el := &TextElement{
		Base:          b,
		Text:          text,
		FontSize:      DefaultFontSize,
		FontFamily:    DefaultFontFamily,
		TextAlign:     DefaultTextAlign,
		VerticalAlign: DefaultVerticalAlign,
		ContainerID:   p.ContainerID,
		OriginalText:  text,
		LineHeight:    DefaultLineHeight,
	}
	if p.FontSize != nil && *p.FontSize > 0 {
		el.FontSize = *p.FontSize
	}
	if p.FontFamily != nil && *p.FontFamily > 0 {
		el.FontFamily = *p.FontFamily
	}
	setS(&el.TextAlign, p.TextAlign)
	setS(&el.VerticalAlign, p.VerticalAlign)
	setS(&el.OriginalText, p.OriginalText)
	if p.LineHeight != nil && *p.LineHeight > 0 {
		el.LineHeight = *p.LineHeight
	}
	return el
}

func setF(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// setS ignores empty strings so that "" never replaces a default.
func setS(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

// fill treats zero as unset, matching how the renderer's clients send sizes.
func fill(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}
