package canvas

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ActionKind discriminates the drawing intents a model may emit.
type ActionKind string

const (
	ActionAddShape      ActionKind = "addShape"
	ActionAddArrow      ActionKind = "addArrow"
	ActionAddText       ActionKind = "addText"
	ActionUpdateElement ActionKind = "updateElement"
)

// AIAction is one drawing intent. Element holds the partial payload exactly as
// the model sent it; it is decoded and checked per action so that one bad
// payload never spoils the rest of the turn.
type AIAction struct {
	Action  ActionKind      `json:"action"`
	Element json.RawMessage `json:"element,omitempty"`

	// decodeErr is set when the entry itself was malformed.
	decodeErr error
}

// DecodeAction decodes one entry of a reply's actions array. It never fails:
// an entry that is not an object yields an action Normalize rejects as
// ErrInvalidModelOutput, and a non-string discriminator is kept verbatim so
// Normalize reports it as ErrUnknownAction.
func DecodeAction(raw json.RawMessage) AIAction {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return AIAction{decodeErr: fmt.Errorf("%w: action entry must be an object, got %s", ErrInvalidModelOutput, truncateRaw(raw))}
	}

	var wire struct {
		Action  json.RawMessage `json:"action"`
		Element json.RawMessage `json:"element"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return AIAction{decodeErr: fmt.Errorf("%w: action entry: %v", ErrInvalidModelOutput, err)}
	}

	a := AIAction{Element: wire.Element}
	var kind string
	if err := json.Unmarshal(wire.Action, &kind); err == nil {
		a.Action = ActionKind(kind)
	} else {
		a.Action = ActionKind(bytes.TrimSpace(wire.Action))
	}
	return a
}

func truncateRaw(raw []byte) string {
	if len(raw) > 32 {
		return string(raw[:32]) + "..."
	}
	return string(raw)
}

// AIResponse is one model turn.
type AIResponse struct {
	Explanation string     `json:"explanation"`
	Actions     []AIAction `json:"actions"`
}

// Patch is the decoded partial payload of an action. A nil pointer (or nil
// slice) means the model did not specify the field.
type Patch struct {
	ID              *string        `json:"id"`
	Type            *ElementType   `json:"type"`
	X               *float64       `json:"x"`
	Y               *float64       `json:"y"`
	Width           *float64       `json:"width"`
	Height          *float64       `json:"height"`
	Angle           *float64       `json:"angle"`
	StrokeColor     *string        `json:"strokeColor"`
	BackgroundColor *string        `json:"backgroundColor"`
	FillStyle       *string        `json:"fillStyle"`
	StrokeWidth     *float64       `json:"strokeWidth"`
	StrokeStyle     *string        `json:"strokeStyle"`
	Roughness       *float64       `json:"roughness"`
	Opacity         *float64       `json:"opacity"`
	GroupIDs        []string       `json:"groupIds"`
	FrameID         *string        `json:"frameId"`
	Roundness       *Roundness     `json:"roundness"`
	Seed            *int64         `json:"seed"`
	VersionNonce    *int64         `json:"versionNonce"`
	IsDeleted       *bool          `json:"isDeleted"`
	BoundElements   []BoundElement `json:"boundElements"`
	Updated         *int64         `json:"updated"`
	Link            *string        `json:"link"`
	Locked          *bool          `json:"locked"`

	Text          *string  `json:"text"`
	FontSize      *float64 `json:"fontSize"`
	FontFamily    *int     `json:"fontFamily"`
	TextAlign     *string  `json:"textAlign"`
	VerticalAlign *string  `json:"verticalAlign"`
	ContainerID   *string  `json:"containerId"`
	OriginalText  *string  `json:"originalText"`
	LineHeight    *float64 `json:"lineHeight"`

	Points         [][]float64       `json:"points"`
	StartBinding   *Binding          `json:"startBinding"`
	EndBinding     *Binding          `json:"endBinding"`
	StartArrowhead OptionalArrowhead `json:"startArrowhead"`
	EndArrowhead   OptionalArrowhead `json:"endArrowhead"`
}

// OptionalArrowhead distinguishes an absent arrowhead from an explicit null.
type OptionalArrowhead struct {
	Set   bool
	Value *Arrowhead
}

func (o *OptionalArrowhead) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = nil
		return nil
	}
	var a Arrowhead
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	o.Value = &a
	return nil
}

// DecodePatch decodes the action's payload. A missing or null payload is an
// empty patch.
func (a AIAction) DecodePatch() (Patch, error) {
	var p Patch
	raw := bytes.TrimSpace(a.Element)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return p, nil
	}
	if raw[0] != '{' {
		return p, fmt.Errorf("%w: element payload must be an object", ErrInvalidModelOutput)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: element payload: %v", ErrInvalidModelOutput, err)
	}
	return p, nil
}
