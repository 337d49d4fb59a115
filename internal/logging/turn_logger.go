package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TurnLogger collects the log of a single pipeline turn. Every line goes to
// the global zerolog logger tagged with the board and turn ids; when a log
// directory is configured the lines are also written to a per-turn file.
//
// All methods are safe to call on a nil *TurnLogger.
type TurnLogger struct {
	boardID   string
	turnID    string
	logger    zerolog.Logger
	logFile   *os.File
	mutex     sync.Mutex
	startTime time.Time
}

// StartTurnLogging creates the logger for one turn. An empty dir disables the
// per-turn file.
func StartTurnLogging(dir, boardID, turnID string) (*TurnLogger, error) {
	t := &TurnLogger{
		boardID:   boardID,
		turnID:    turnID,
		logger:    log.With().Str("board_id", boardID).Str("turn_id", turnID).Logger(),
		startTime: time.Now(),
	}
	if dir == "" {
		return t, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return t, fmt.Errorf("failed to create turn log directory: %w", err)
	}
	name := fmt.Sprintf("turn_%s_%s_%s.log", sanitize(boardID), t.startTime.Format("20060102_150405"), turnID)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return t, fmt.Errorf("failed to create turn log file: %w", err)
	}
	t.logFile = f
	t.writeHeader()
	return t, nil
}

type turnKey struct{}

// WithTurn attaches the turn logger to ctx.
func WithTurn(ctx context.Context, t *TurnLogger) context.Context {
	return context.WithValue(ctx, turnKey{}, t)
}

// TurnFrom returns the turn logger carried by ctx, or nil.
func TurnFrom(ctx context.Context) *TurnLogger {
	t, _ := ctx.Value(turnKey{}).(*TurnLogger)
	return t
}

// Logger returns the structured logger bound to this turn, or the global
// logger for a nil receiver.
func (t *TurnLogger) Logger() *zerolog.Logger {
	if t == nil {
		l := log.Logger
		return &l
	}
	return &t.logger
}

func (t *TurnLogger) TurnID() string {
	if t == nil {
		return ""
	}
	return t.turnID
}

// Log writes a debug line.
func (t *TurnLogger) Log(format string, args ...interface{}) {
	if t == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	t.logger.Debug().Msg(msg)
	t.writeLine(msg)
}

// LogSection writes a section header to the turn file.
func (t *TurnLogger) LogSection(title string) {
	if t == nil {
		return
	}
	separator := strings.Repeat("=", 60)
	t.writeLine(separator)
	t.writeLine("= " + title)
	t.writeLine(separator)
}

// LogResponse records the raw model reply.
func (t *TurnLogger) LogResponse(response string) {
	if t == nil {
		return
	}
	t.logger.Debug().Int("bytes", len(response)).Str("preview", truncate(response, 200)).Msg("Model reply received")
	t.LogSection("MODEL RESPONSE")
	t.writeLine(fmt.Sprintf("Response length: %d characters", len(response)))
	t.writeRaw(response)
}

// LogError records a failure of one stage of the turn.
func (t *TurnLogger) LogError(stage string, err error) {
	if t == nil {
		return
	}
	t.logger.Error().Err(err).Str("stage", stage).Msg("Turn stage failed")
	t.writeLine(fmt.Sprintf("ERROR in %s: %v", stage, err))
}

// LogWarn records a recoverable problem.
func (t *TurnLogger) LogWarn(stage string, err error) {
	if t == nil {
		return
	}
	t.logger.Warn().Err(err).Str("stage", stage).Msg("Turn stage degraded")
	t.writeLine(fmt.Sprintf("WARN in %s: %v", stage, err))
}

// Close finalizes the per-turn file.
func (t *TurnLogger) Close() {
	if t == nil {
		return
	}
	elapsed := time.Since(t.startTime)
	t.logger.Debug().Dur("duration", elapsed).Msg("Turn finished")

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.logFile == nil {
		return
	}
	fmt.Fprintf(t.logFile, "[%s] [+%v] Turn logging completed\n",
		time.Now().Format("15:04:05.000"), elapsed.Round(time.Millisecond))
	t.logFile.Close()
	t.logFile = nil
}

func (t *TurnLogger) writeHeader() {
	fmt.Fprintf(t.logFile, `CANVASMATE TURN LOG
Board ID: %s
Turn ID: %s
Start Time: %s
Log Format: [HH:MM:SS.mmm] [+duration] message

`, t.boardID, t.turnID, t.startTime.Format("2006-01-02 15:04:05"))
}

func (t *TurnLogger) writeLine(msg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.logFile == nil {
		return
	}
	elapsed := time.Since(t.startTime)
	fmt.Fprintf(t.logFile, "[%s] [+%v] %s\n", time.Now().Format("15:04:05.000"), elapsed.Round(time.Millisecond), msg)
}

func (t *TurnLogger) writeRaw(text string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.logFile == nil {
		return
	}
	t.logFile.WriteString(text + "\n")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
