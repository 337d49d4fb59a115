package canvas

import (
	"encoding/json"
	"fmt"
)

// ElementType is the renderer-facing "type" discriminator of an element.
type ElementType string

const (
	TypeRectangle ElementType = "rectangle"
	TypeEllipse   ElementType = "ellipse"
	TypeDiamond   ElementType = "diamond"
	TypeArrow     ElementType = "arrow"
	TypeText      ElementType = "text"
)

// IsShape reports whether t is one of the closed geometric shapes.
func (t ElementType) IsShape() bool {
	switch t {
	case TypeRectangle, TypeEllipse, TypeDiamond:
		return true
	}
	return false
}

// Arrowhead styles accepted at either end of an arrow.
type Arrowhead string

const (
	ArrowheadArrow           Arrowhead = "arrow"
	ArrowheadTriangle        Arrowhead = "triangle"
	ArrowheadTriangleOutline Arrowhead = "triangle-outline"
	ArrowheadBar             Arrowhead = "bar"
	ArrowheadDot             Arrowhead = "dot"
)

func (a Arrowhead) valid() bool {
	switch a {
	case ArrowheadArrow, ArrowheadTriangle, ArrowheadTriangleOutline, ArrowheadBar, ArrowheadDot:
		return true
	}
	return false
}

// Point is an (x, y) offset relative to the owning element's origin.
type Point [2]float64

type Roundness struct {
	Type  int      `json:"type"`
	Value *float64 `json:"value,omitempty"`
}

type BoundElement struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type Binding struct {
	ElementID string  `json:"elementId"`
	Focus     float64 `json:"focus"`
	Gap       float64 `json:"gap"`
}

// Base holds the attributes every element carries.
type Base struct {
	ID              string         `json:"id"`
	Type            ElementType    `json:"type"`
	X               float64        `json:"x"`
	Y               float64        `json:"y"`
	Width           float64        `json:"width"`
	Height          float64        `json:"height"`
	Angle           float64        `json:"angle"`
	StrokeColor     string         `json:"strokeColor"`
	BackgroundColor string         `json:"backgroundColor"`
	FillStyle       string         `json:"fillStyle"`
	StrokeWidth     float64        `json:"strokeWidth"`
	StrokeStyle     string         `json:"strokeStyle"`
	Roughness       float64        `json:"roughness"`
	Opacity         float64        `json:"opacity"`
	GroupIDs        []string       `json:"groupIds"`
	FrameID         *string        `json:"frameId,omitempty"`
	Roundness       *Roundness     `json:"roundness,omitempty"`
	Seed            int64          `json:"seed"`
	VersionNonce    int64          `json:"versionNonce"`
	IsDeleted       bool           `json:"isDeleted"`
	BoundElements   []BoundElement `json:"boundElements,omitempty"`
	Updated         int64          `json:"updated"`
	Link            *string        `json:"link,omitempty"`
	Locked          bool           `json:"locked"`
}

// Element is a fully populated canvas element. The concrete variants are
// *ShapeElement, *TextElement, *ArrowElement and *OpaqueElement.
type Element interface {
	Common() *Base
	isElement()
}

type ShapeElement struct {
	Base
}

type TextElement struct {
	Base
	Text          string  `json:"text"`
	FontSize      float64 `json:"fontSize"`
	FontFamily    int     `json:"fontFamily"`
	TextAlign     string  `json:"textAlign"`
	VerticalAlign string  `json:"verticalAlign"`
	ContainerID   *string `json:"containerId"`
	OriginalText  string  `json:"originalText"`
	LineHeight    float64 `json:"lineHeight"`
}

type ArrowElement struct {
	Base
	Points             []Point    `json:"points"`
	LastCommittedPoint *Point     `json:"lastCommittedPoint"`
	StartBinding       *Binding   `json:"startBinding"`
	EndBinding         *Binding   `json:"endBinding"`
	StartArrowhead     *Arrowhead `json:"startArrowhead"`
	EndArrowhead       *Arrowhead `json:"endArrowhead"`
}

// OpaqueElement is an element of a kind this service never creates (freehand
// lines, images, ...). It is carried through the scene byte-for-byte.
type OpaqueElement struct {
	Base
	raw json.RawMessage
}

func (e *ShapeElement) Common() *Base  { return &e.Base }
func (e *TextElement) Common() *Base   { return &e.Base }
func (e *ArrowElement) Common() *Base  { return &e.Base }
func (e *OpaqueElement) Common() *Base { return &e.Base }

func (*ShapeElement) isElement()  {}
func (*TextElement) isElement()   {}
func (*ArrowElement) isElement()  {}
func (*OpaqueElement) isElement() {}

func (e *OpaqueElement) MarshalJSON() ([]byte, error) {
	if len(e.raw) == 0 {
		return json.Marshal(e.Base)
	}
	return e.raw, nil
}

// IDs returns the ids of elements in order.
func IDs(elements []Element) []string {
	ids := make([]string, 0, len(elements))
	for _, el := range elements {
		ids = append(ids, el.Common().ID)
	}
	return ids
}

// DecodeElement decodes one stored element, dispatching on its "type".
func DecodeElement(data []byte) (Element, error) {
	var head struct {
		Type ElementType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode element: %w", err)
	}

	var el Element
	switch {
	case head.Type.IsShape():
		el = &ShapeElement{}
	case head.Type == TypeText:
		el = &TextElement{}
	case head.Type == TypeArrow:
		el = &ArrowElement{}
	default:
		op := &OpaqueElement{raw: append(json.RawMessage(nil), data...)}
		if err := json.Unmarshal(data, &op.Base); err != nil {
			return nil, fmt.Errorf("decode %s element: %w", head.Type, err)
		}
		return op, nil
	}
	if err := json.Unmarshal(data, el); err != nil {
		return nil, fmt.Errorf("decode %s element: %w", head.Type, err)
	}
	return el, nil
}

// DecodeScene decodes a persisted scene document. Empty input is an empty scene.
func DecodeScene(data []byte) ([]Element, error) {
	if len(data) == 0 {
		return []Element{}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode scene: %w", err)
	}
	elements := make([]Element, 0, len(raws))
	for i, raw := range raws {
		el, err := DecodeElement(raw)
		if err != nil {
			return nil, fmt.Errorf("scene element %d: %w", i, err)
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// EncodeScene is the inverse of DecodeScene. A nil scene encodes as [].
func EncodeScene(elements []Element) ([]byte, error) {
	if elements == nil {
		elements = []Element{}
	}
	return json.Marshal(elements)
}
