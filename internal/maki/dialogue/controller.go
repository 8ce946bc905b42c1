// Package dialogue implements the orchestrating state machine of the
// conversational core.
//
// On each turn the controller either continues an in-flight parameter
// collection session or consults the matcher, then invokes the entity
// extractor and finally the execution engine or the action dispatcher. The
// controller itself is stateless: all per-conversation state travels in the
// Session value, and the caller is the serialization point — no two turns
// of the same session may run concurrently, while turns of independent
// sessions may.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cstoian/Maki/common/spec/script"
	"github.com/cstoian/Maki/internal/maki/action"
	"github.com/cstoian/Maki/internal/maki/extract"
	"github.com/cstoian/Maki/internal/maki/match"
)

// fallbackSuffix is appended to every unmatched-intent reply so the user
// immediately knows how to move forward.
const fallbackSuffix = "\n\nYou can ask me to run any of your saved scripts by name, or say things like \"fetch the weather\"."

// Config holds the controller's tunable confidence thresholds. They are
// construction-time configuration, never literals inside the transition
// logic, so tuning and testing stay independent of recompilation.
type Config struct {
	// AutoExecute is the minimum top-candidate confidence at which a script
	// runs (or starts parameter collection) without asking first.
	AutoExecute float64
	// Match carries the matcher's floor and disambiguation gap.
	Match match.Config
}

// DefaultConfig provides the standard thresholds.
var DefaultConfig = Config{
	AutoExecute: 0.7,
	Match:       match.DefaultConfig,
}

// Runner executes local script code; implemented by the engine package.
type Runner interface {
	Run(ctx context.Context, code string, params []script.ParameterSpec, values map[string]any) script.ExecutionOutcome
}

// Dispatcher sends external actions; implemented by the action package.
type Dispatcher interface {
	Dispatch(ctx context.Context, req action.Request) action.Result
}

// Turn is the user-facing result of processing one utterance.
type Turn struct {
	// ResponseText is always populated.
	ResponseText string
	// UpdatedSession is the session to carry into the next turn; nil when
	// the conversation returned to idle.
	UpdatedSession *Session
	// PromptForParam names the parameter being prompted for, when any.
	PromptForParam string
	// Outcome is set when a script executed or an action dispatched.
	Outcome *script.ExecutionOutcome
}

// Controller drives the dialogue state machine.
type Controller struct {
	repo       script.Repository
	actions    script.ActionDirectory
	matcher    *match.Matcher
	runner     Runner
	dispatcher Dispatcher
	cfg        Config
}

// New creates a Controller. A zero Config falls back to DefaultConfig.
func New(repo script.Repository, actions script.ActionDirectory, runner Runner, dispatcher Dispatcher, cfg Config) *Controller {
	if cfg.AutoExecute == 0 {
		cfg = DefaultConfig
	}
	return &Controller{
		repo:       repo,
		actions:    actions,
		matcher:    match.New(cfg.Match),
		runner:     runner,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// HandleTurn processes one utterance against the current session state and
// returns the response, the updated session, and any execution outcome.
//
// No failure propagates past this boundary: a broken script, a repository
// error, or an unexpected internal panic all become a normal Turn with a
// failed outcome, preserving turn-by-turn liveness for every other session.
func (c *Controller) HandleTurn(ctx context.Context, utterance string, session *Session) (turn *Turn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dialogue: panic recovered in turn", "panic", r)
			turn = &Turn{
				ResponseText: "Something went wrong while processing that. Please try again.",
				Outcome:      &script.ExecutionOutcome{Succeeded: false, ErrorMessage: "internal error"},
			}
		}
	}()

	if session != nil && len(session.Missing) > 0 {
		return c.continueSession(ctx, utterance, session)
	}
	return c.startTurn(ctx, utterance)
}

// continueSession treats the utterance as the value for the first missing
// parameter. A failed coercion re-prompts for the same parameter without
// advancing; collecting the last value triggers execution and clears the
// session.
func (c *Controller) continueSession(ctx context.Context, utterance string, session *Session) *Turn {
	def, err := c.repo.GetByID(ctx, session.ScriptID)
	if err != nil {
		if errors.Is(err, script.ErrNotFound) {
			return &Turn{ResponseText: "The script for this conversation no longer exists, so I've reset it." + fallbackSuffix}
		}
		slog.Error("dialogue: load script for session", "script", session.ScriptID, "err", err)
		return &Turn{ResponseText: "I couldn't load that script right now. Please try again."}
	}

	param, ok := def.Parameter(session.Missing[0])
	if !ok {
		// The definition changed under the session; restart cleanly.
		return &Turn{ResponseText: fmt.Sprintf("%s changed while we were talking, so I've reset the conversation.", def.Name)}
	}

	value, ok := extract.CoerceTurnValue(param, utterance)
	if !ok {
		return &Turn{
			ResponseText:   fmt.Sprintf("Sorry, I need a %s value for %s. %s", param.Type, param.Name, param.Prompt),
			UpdatedSession: session,
			PromptForParam: param.Name,
		}
	}

	next := session.clone()
	next.Collected[param.Name] = value
	next.Missing = next.Missing[1:]

	if len(next.Missing) == 0 {
		outcome := c.execute(ctx, def, next.Collected)
		return &Turn{ResponseText: outcomeText(def.Name, outcome), Outcome: &outcome}
	}

	nextParam, _ := def.Parameter(next.Missing[0])
	return &Turn{
		ResponseText:   nextParam.Prompt,
		UpdatedSession: next,
		PromptForParam: nextParam.Name,
	}
}

// startTurn handles an utterance with no session in flight: match, then
// disambiguate, execute, collect, dispatch, or fall back.
func (c *Controller) startTurn(ctx context.Context, utterance string) *Turn {
	scripts, err := c.repo.List(ctx)
	if err != nil {
		slog.Error("dialogue: list scripts", "err", err)
		return &Turn{ResponseText: "I couldn't reach the script library right now. Please try again."}
	}

	res := c.matcher.Match(utterance, scripts)

	if res.NeedsDisambiguation {
		return &Turn{ResponseText: disambiguationText(res.Candidates)}
	}

	top := res.Top
	switch {
	case top != nil && top.Kind == match.KindScript && top.Confidence >= c.cfg.AutoExecute:
		return c.startScript(ctx, utterance, top.ScriptID)

	case top != nil && top.Kind == match.KindAction:
		return c.dispatchAction(ctx, top.ActionVerb)

	default:
		return &Turn{ResponseText: "I couldn't match that to anything I know." + fallbackSuffix}
	}
}

// startScript resolves as many parameters as possible from the opening
// utterance, then either executes immediately or opens a collection session
// for the missing required values.
func (c *Controller) startScript(ctx context.Context, utterance, scriptID string) *Turn {
	def, err := c.repo.GetByID(ctx, scriptID)
	if err != nil {
		slog.Error("dialogue: load matched script", "script", scriptID, "err", err)
		return &Turn{ResponseText: "I couldn't load that script right now. Please try again."}
	}

	collected := extract.Extract(utterance, def.Parameters)
	missing := extract.MissingRequired(def.Parameters, collected)

	if len(missing) == 0 {
		outcome := c.execute(ctx, def, collected)
		return &Turn{ResponseText: outcomeText(def.Name, outcome), Outcome: &outcome}
	}

	session := &Session{
		ScriptID:  def.ID,
		Collected: collected,
		Missing:   make([]string, len(missing)),
	}
	for i, p := range missing {
		session.Missing[i] = p.Name
	}

	return &Turn{
		ResponseText:   missing[0].Prompt,
		UpdatedSession: session,
		PromptForParam: missing[0].Name,
	}
}

// execute runs the script by its kind. The switch is exhaustive on
// ExecutionKind: an unknown kind is a definition bug reported as a failed
// outcome, never a silent fallthrough.
func (c *Controller) execute(ctx context.Context, def *script.ScriptDefinition, values map[string]any) script.ExecutionOutcome {
	validation := extract.Validate(def.Parameters, values)
	if !validation.Valid {
		return script.ExecutionOutcome{
			Succeeded:    false,
			ErrorMessage: strings.Join(validation.Errors, "; "),
		}
	}

	switch def.ExecutionKind {
	case script.KindLocal:
		return c.runner.Run(ctx, def.Code, def.Parameters, values)
	case script.KindExternalAction:
		start := time.Now()
		result := c.dispatcher.Dispatch(ctx, action.FromEndpoint(def.ActionEndpoint))
		return result.Outcome(time.Since(start))
	default:
		return script.ExecutionOutcome{
			Succeeded:    false,
			ErrorMessage: fmt.Sprintf("unknown execution kind %q", def.ExecutionKind),
		}
	}
}

// dispatchAction resolves the recognised verb through the action directory
// and dispatches the registered endpoint.
func (c *Controller) dispatchAction(ctx context.Context, verb string) *Turn {
	ep, err := c.actions.Resolve(ctx, verb)
	if err != nil {
		if errors.Is(err, script.ErrNotFound) {
			return &Turn{ResponseText: fmt.Sprintf("I understood you want to %s something, but no action is registered for that.", verb) + fallbackSuffix}
		}
		slog.Error("dialogue: resolve action", "verb", verb, "err", err)
		return &Turn{ResponseText: "I couldn't look up that action right now. Please try again."}
	}

	start := time.Now()
	result := c.dispatcher.Dispatch(ctx, action.FromEndpoint(ep))
	outcome := result.Outcome(time.Since(start))
	return &Turn{ResponseText: outcomeText(verb, outcome), Outcome: &outcome}
}

// outcomeText renders an execution outcome as a user-facing reply.
func outcomeText(name string, outcome script.ExecutionOutcome) string {
	if !outcome.Succeeded {
		return fmt.Sprintf("%s failed: %s", name, outcome.ErrorMessage)
	}
	if outcome.Value == nil {
		return fmt.Sprintf("%s completed.", name)
	}
	return fmt.Sprintf("%s result: %v", name, outcome.Value)
}

// disambiguationText lists the close candidates so the user can pick one.
func disambiguationText(candidates []match.Candidate) string {
	var b strings.Builder
	b.WriteString("I found more than one close match. Which did you mean?\n")
	for _, cand := range candidates {
		if cand.Kind == match.KindAction {
			fmt.Fprintf(&b, "• external action: %s\n", cand.ActionVerb)
			continue
		}
		if cand.Description != "" {
			fmt.Fprintf(&b, "• %s: %s\n", cand.Name, cand.Description)
		} else {
			fmt.Fprintf(&b, "• %s\n", cand.Name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
