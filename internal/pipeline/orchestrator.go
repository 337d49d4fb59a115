// Package pipeline runs one AI turn end to end: interpret the model reply,
// apply it to the board, then tell the board's viewers.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/canvasmate/internal/ai"
	"github.com/canvasmate/internal/canvas"
	"github.com/canvasmate/internal/capture"
	"github.com/canvasmate/internal/llm"
	"github.com/canvasmate/internal/logging"
	"github.com/canvasmate/internal/scene"
)

var ErrNoModel = errors.New("no language model configured")

// Publisher delivers newly added elements to a board's viewers.
type Publisher interface {
	Publish(boardID string, elements []canvas.Element) error
}

// VisionModel produces a raw reply for a canvas snapshot.
type VisionModel interface {
	GenerateVision(ctx context.Context, prompt string, imagePNG []byte, sceneContext string) (string, error)
}

type Options struct {
	// TurnLogDir enables per-turn log files when set.
	TurnLogDir string
	// CaptureDir records every snapshot and model reply when set.
	CaptureDir string
}

type Orchestrator struct {
	interpreter llm.Interpreter
	scenes      *scene.Manager
	publisher   Publisher
	model       VisionModel
	capture     *capture.Recorder
	opts        Options
}

func New(interpreter llm.Interpreter, scenes *scene.Manager, publisher Publisher, model VisionModel, opts Options) *Orchestrator {
	return &Orchestrator{
		interpreter: interpreter,
		scenes:      scenes,
		publisher:   publisher,
		model:       model,
		capture:     capture.New(opts.CaptureDir),
		opts:        opts,
	}
}

// TurnResult is what a turn hands back to its caller.
type TurnResult struct {
	TurnID      string                `json:"turnId"`
	Explanation string                `json:"explanation"`
	Added       []canvas.Element      `json:"added"`
	Scene       []canvas.Element      `json:"scene"`
	Skipped     []*canvas.ActionError `json:"skipped,omitempty"`
}

func (o *Orchestrator) startTurn(ctx context.Context, boardID string) (context.Context, *logging.TurnLogger) {
	turnID := uuid.NewString()
	tl, err := logging.StartTurnLogging(o.opts.TurnLogDir, boardID, turnID)
	if err != nil {
		log.Warn().Err(err).Str("turn_id", turnID).Msg("Turn log file unavailable, logging to console only")
	}
	return logging.WithTurn(ctx, tl), tl
}

// RunTurn interprets raw, applies the actions to the board and publishes the
// added elements. Interpretation and persistence errors end the turn with
// their original kind; a failed publish is logged only.
func (o *Orchestrator) RunTurn(ctx context.Context, boardID, raw string) (*TurnResult, error) {
	ctx, tl := o.startTurn(ctx, boardID)
	defer tl.Close()
	return o.runTurn(ctx, boardID, raw)
}

func (o *Orchestrator) runTurn(ctx context.Context, boardID, raw string) (*TurnResult, error) {
	tl := logging.TurnFrom(ctx)

	tl.LogSection("INTERPRET")
	interp, err := o.interpreter.Interpret(raw)
	if err != nil {
		tl.LogError("interpret", err)
		if interp != nil {
			tl.Log("Extracted text: %s", interp.Extracted)
		}
		return nil, err
	}
	if interp.Repair.WasRepaired {
		tl.Log("Reply repaired with %v", interp.Repair.Strategies)
	}
	tl.Log("Interpreted %d action(s): %s", len(interp.Response.Actions), interp.Response.Explanation)

	tl.LogSection("APPLY")
	applied, err := o.scenes.ApplyActions(ctx, boardID, interp.Response)
	if err != nil {
		tl.LogError("apply", err)
		return nil, err
	}
	for _, skipped := range applied.Skipped {
		tl.Log("Skipped %v", skipped)
	}

	if o.publisher != nil {
		tl.LogSection("BROADCAST")
		if err := o.publisher.Publish(boardID, applied.Added); err != nil {
			tl.LogWarn("broadcast", err)
		}
	}

	return &TurnResult{
		TurnID:      tl.TurnID(),
		Explanation: interp.Response.Explanation,
		Added:       applied.Added,
		Scene:       applied.Scene,
		Skipped:     applied.Skipped,
	}, nil
}

// AnalyzeRequest is a canvas snapshot plus what the user asked for. Scene,
// when given, replaces the stored scene as the model's context.
type AnalyzeRequest struct {
	BoardID  string
	Prompt   string
	ImagePNG []byte
	Scene    []canvas.Element
}

// Analyze asks the model about a snapshot and runs the reply as a turn.
func (o *Orchestrator) Analyze(ctx context.Context, req AnalyzeRequest) (*TurnResult, error) {
	if o.model == nil {
		return nil, ErrNoModel
	}
	ctx, tl := o.startTurn(ctx, req.BoardID)
	defer tl.Close()

	tl.LogSection("CONTEXT")
	current := req.Scene
	if current == nil {
		var err error
		if current, err = o.scenes.GetScene(ctx, req.BoardID); err != nil {
			tl.LogError("read scene", err)
			return nil, err
		}
	}
	aiIDs, err := o.scenes.AIElementIDs(ctx, req.BoardID)
	if err != nil {
		tl.LogError("read ai elements", err)
		return nil, err
	}
	sceneContext := ai.SceneContext(canvas.IDs(current), aiIDs)
	tl.Log("%s", sceneContext)

	tl.LogSection("MODEL")
	if len(req.ImagePNG) > 0 {
		o.capture.WriteBlob("snapshot-"+req.BoardID, "png", req.ImagePNG)
	}
	raw, err := o.model.GenerateVision(ctx, req.Prompt, req.ImagePNG, sceneContext)
	if err != nil {
		tl.LogError("model", err)
		return nil, fmt.Errorf("generate actions: %w", err)
	}
	if path := o.capture.WriteBlob("reply-"+req.BoardID, "txt", []byte(raw)); path != "" {
		tl.Log("Reply captured to %s", path)
	}
	return o.runTurn(ctx, req.BoardID, raw)
}

// Scene exposes the board's persisted state.
func (o *Orchestrator) Scene(ctx context.Context, boardID string) ([]canvas.Element, []string, error) {
	elements, err := o.scenes.GetScene(ctx, boardID)
	if err != nil {
		return nil, nil, err
	}
	ids, err := o.scenes.AIElementIDs(ctx, boardID)
	if err != nil {
		return nil, nil, err
	}
	return elements, ids, nil
}

// Clear resets the board.
func (o *Orchestrator) Clear(ctx context.Context, boardID string) error {
	return o.scenes.ClearBoard(ctx, boardID)
}
