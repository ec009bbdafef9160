package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/petrijr/gasoline/internal/config"
	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/pubsub"
)

// ActivityCtx is handed to activity functions. Unlike workflow code,
// activities may do anything; their output is recorded and never
// recomputed once a run committed it.
type ActivityCtx struct {
	context.Context

	run     *Run
	name    string
	loc     history.Location
	attempt int
}

func (a *ActivityCtx) KV() *kv.Database            { return a.run.db.KV() }
func (a *ActivityCtx) Bus() *pubsub.Client         { return a.run.cfg.Bus }
func (a *ActivityCtx) Config() *config.Config      { return a.run.cfg.Config }
func (a *ActivityCtx) Cache() *Cache               { return a.run.cache }
func (a *ActivityCtx) WorkflowID() uuid.UUID       { return a.run.wf.ID }
func (a *ActivityCtx) RayID() uuid.UUID            { return a.run.wf.RayID }
func (a *ActivityCtx) Name() string                { return a.name }
func (a *ActivityCtx) OperationCtx() *OperationCtx { return a.run.operationCtx(a) }

// Attempt is 1 on the first attempt of this run.
func (a *ActivityCtx) Attempt() int { return a.attempt }

func (a *ActivityCtx) Logger() *slog.Logger {
	return a.run.logger.With(slog.String("activity", a.name), slog.String("location", a.loc.String()))
}

// Activity is a side-effecting step of a workflow.
type Activity[I, O any] struct {
	Name string
	Fn   func(ctx *ActivityCtx, input I) (O, error)

	// Timeout bounds a single attempt. Zero uses the run default.
	Timeout time.Duration
	// MaxAttempts bounds the attempts within one run. Zero uses the run
	// default. A workflow whose activity ran out of attempts is retried
	// later as a whole.
	MaxAttempts int
}

// Run executes the activity, or returns its recorded output when history
// already has one for this location. A recorded activity with different
// input fails with ErrHistoryDiverged.
func (a Activity[I, O]) Run(c *WorkflowCtx, input I) (O, error) {
	var out O
	if a.Name == "" {
		return out, ErrMissingName
	}
	if err := c.ctx.Err(); err != nil {
		return out, err
	}
	rawIn, err := json.Marshal(input)
	if err != nil {
		return out, serializeErr("input of activity "+a.Name, err)
	}
	hash, err := InputHash(a.Name, c.version, rawIn)
	if err != nil {
		return out, err
	}

	loc := c.cursor.Advance()
	var createTS int64
	if e, ok := c.run.lookup(loc); ok {
		if err := c.check(e, history.EventActivity, a.Name); err != nil {
			return out, err
		}
		if e.Activity.InputHash != hash {
			return out, divergedErr(&history.DivergedError{
				Location: loc,
				Expected: fmt.Sprintf("activity %q with input %s", a.Name, short(hash)),
				Found:    fmt.Sprintf("activity %q with input %s", a.Name, short(e.Activity.InputHash)),
			})
		}
		if len(e.Activity.Output) > 0 {
			if err := json.Unmarshal(e.Activity.Output, &out); err != nil {
				return out, serializeErr("recorded output of activity "+a.Name, err)
			}
			return out, nil
		}
		createTS = e.CreateTS
	}

	out, attempts, err := a.attempts(c, loc, input)
	if err != nil {
		if ctxErr := c.ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("%w: %s at %s after %d attempts: %w", ErrActivityFailed, a.Name, loc, attempts, err)
	}

	rawOut, err := json.Marshal(out)
	if err != nil {
		return out, serializeErr("output of activity "+a.Name, err)
	}
	c.run.record(&history.Event{
		Location: loc,
		Type:     history.EventActivity,
		Version:  c.version,
		CreateTS: createTS,
		Activity: &history.ActivityEvent{
			Name:      a.Name,
			InputHash: hash,
			Input:     rawIn,
			Output:    rawOut,
			Attempts:  attempts,
		},
	})
	return out, nil
}

func (a Activity[I, O]) attempts(c *WorkflowCtx, loc history.Location, input I) (out O, attempts int, err error) {
	run := c.run
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = run.cfg.ActivityTimeout
	}
	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = run.cfg.ActivityAttempts
	}

	run.cfg.Observer.OnActivityStart(c.ctx, run.info, a.Name, loc.String())
	start := time.Now()
	defer func() {
		run.cfg.Observer.OnActivityCompleted(c.ctx, run.info, a.Name, loc.String(), err, time.Since(start))
	}()

	backoff := run.cfg.ActivityBackoff
	for attempt := 1; ; attempt++ {
		out, err = a.once(c, loc, attempt, input, timeout)
		if err == nil || attempt >= maxAttempts || c.ctx.Err() != nil {
			return out, attempt, err
		}
		run.logger.WarnContext(c.ctx, "activity_attempt_failed",
			slog.String("activity", a.Name),
			slog.String("location", loc.String()),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-c.ctx.Done():
			return out, attempt, c.ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (a Activity[I, O]) once(c *WorkflowCtx, loc history.Location, attempt int, input I, timeout time.Duration) (out O, err error) {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("activity %s panicked: %v", a.Name, p)
		}
	}()
	actx := &ActivityCtx{Context: ctx, run: c.run, name: a.Name, loc: loc, attempt: attempt}
	out, err = a.Fn(actx, input)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("activity %s exceeded its %s timeout: %w", a.Name, timeout, ctx.Err())
	}
	return out, err
}

// InputHash identifies an activity invocation. Inputs that are equal as
// JSON values hash the same regardless of key order, spacing or Unicode
// normalization of their strings.
func InputHash(name string, version uint, input json.RawMessage) (string, error) {
	canon, err := CanonicalJSON(input)
	if err != nil {
		return "", serializeErr("input of activity "+name, err)
	}
	h := sha256.New()
	h.Write([]byte("gasoline/activity/v1"))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", version)
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON re-encodes raw with sorted object keys, no insignificant
// whitespace and NFC-normalized strings. Numbers keep their literal form.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(v)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
