package dialogue_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/cstoian/Maki/common/spec/script"
	"github.com/cstoian/Maki/internal/maki/action"
	"github.com/cstoian/Maki/internal/maki/dialogue"
	"github.com/cstoian/Maki/internal/maki/engine"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

// stubRepo serves a fixed set of script definitions.
type stubRepo struct {
	scripts []*script.ScriptDefinition
	listErr error
}

func (r *stubRepo) List(_ context.Context) ([]*script.ScriptDefinition, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.scripts, nil
}

func (r *stubRepo) GetByID(_ context.Context, id string) (*script.ScriptDefinition, error) {
	for _, s := range r.scripts {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, script.ErrNotFound
}

// stubDirectory resolves a single verb to a fixed endpoint.
type stubDirectory struct {
	verb     string
	endpoint *script.ActionEndpoint
}

func (d *stubDirectory) Resolve(_ context.Context, verb string) (*script.ActionEndpoint, error) {
	if d.endpoint != nil && verb == d.verb {
		return d.endpoint, nil
	}
	return nil, script.ErrNotFound
}

// stubDispatcher records the last request and returns a fixed result.
type stubDispatcher struct {
	result   action.Result
	captured action.Request
	calls    int
}

func (d *stubDispatcher) Dispatch(_ context.Context, req action.Request) action.Result {
	d.captured = req
	d.calls++
	return d.result
}

// panicRunner simulates an internal engine bug.
type panicRunner struct{}

func (panicRunner) Run(context.Context, string, []script.ParameterSpec, map[string]any) script.ExecutionOutcome {
	panic("engine bug")
}

func bmiScript() *script.ScriptDefinition {
	return &script.ScriptDefinition{
		ID:          "bmi",
		Name:        "BMI Calculator",
		Description: "Computes body mass index",
		TriggerPhrases: []string{
			"calculate my bmi",
		},
		Parameters: []script.ParameterSpec{
			{Name: "weight", Type: script.TypeNumber, Required: true, Prompt: "What is your weight in kg?"},
			{Name: "height", Type: script.TypeNumber, Required: true, Prompt: "What is your height in cm?"},
		},
		ExecutionKind: script.KindLocal,
		Code:          "return weight / (height/100)^2",
	}
}

func newController(repo script.Repository, dir script.ActionDirectory, disp dialogue.Dispatcher) *dialogue.Controller {
	return dialogue.New(repo, dir, engine.New(engine.DefaultTimeout), disp, dialogue.DefaultConfig)
}

// ---------------------------------------------------------------------------
// BMI scenario: three progressive turns
// ---------------------------------------------------------------------------

func TestBMIScenario(t *testing.T) {
	repo := &stubRepo{scripts: []*script.ScriptDefinition{bmiScript()}}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})
	ctx := context.Background()

	// Turn 1: trigger phrase starts parameter collection for weight.
	turn := c.HandleTurn(ctx, "calculate my bmi", nil)
	if turn.UpdatedSession == nil {
		t.Fatal("turn 1: expected a session")
	}
	if turn.PromptForParam != "weight" {
		t.Errorf("turn 1: prompt = %q, want weight", turn.PromptForParam)
	}
	if got := turn.UpdatedSession.Missing; len(got) != 2 || got[0] != "weight" || got[1] != "height" {
		t.Errorf("turn 1: missing = %v, want [weight height]", got)
	}
	if turn.Outcome != nil {
		t.Error("turn 1: nothing must execute yet")
	}

	// Turn 2: weight collected, height prompted.
	turn = c.HandleTurn(ctx, "75", turn.UpdatedSession)
	if turn.UpdatedSession == nil {
		t.Fatal("turn 2: expected the session to persist")
	}
	if turn.PromptForParam != "height" {
		t.Errorf("turn 2: prompt = %q, want height", turn.PromptForParam)
	}
	if w := turn.UpdatedSession.Collected["weight"]; w.(float64) != 75 {
		t.Errorf("turn 2: collected weight = %v, want 75", w)
	}
	if got := turn.UpdatedSession.Missing; len(got) != 1 || got[0] != "height" {
		t.Errorf("turn 2: missing = %v, want [height]", got)
	}

	// Turn 3: height collected, execution fires, session cleared.
	turn = c.HandleTurn(ctx, "180", turn.UpdatedSession)
	if turn.UpdatedSession != nil {
		t.Error("turn 3: session must be cleared after execution")
	}
	if turn.Outcome == nil || !turn.Outcome.Succeeded {
		t.Fatalf("turn 3: expected successful outcome, got %+v", turn.Outcome)
	}
	if got := turn.Outcome.Value.(float64); math.Abs(got-23.15) > 0.01 {
		t.Errorf("turn 3: bmi = %v, want ≈23.15", got)
	}
}

func TestSessionConvergesInExactlyNTurns(t *testing.T) {
	def := &script.ScriptDefinition{
		ID:             "three",
		Name:           "Three Values",
		TriggerPhrases: []string{"collect three values"},
		Parameters: []script.ParameterSpec{
			{Name: "a", Type: script.TypeNumber, Required: true, Prompt: "a?"},
			{Name: "b", Type: script.TypeNumber, Required: true, Prompt: "b?"},
			{Name: "c", Type: script.TypeNumber, Required: true, Prompt: "c?"},
		},
		ExecutionKind: script.KindLocal,
		Code:          "return a + b + c",
	}
	repo := &stubRepo{scripts: []*script.ScriptDefinition{def}}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})
	ctx := context.Background()

	turn := c.HandleTurn(ctx, "collect three values", nil)
	answers := []string{"1", "2", "3"}
	for i, answer := range answers {
		if turn.UpdatedSession == nil {
			t.Fatalf("session ended before turn %d", i+1)
		}
		if turn.Outcome != nil {
			t.Fatalf("execution fired before all values were collected (turn %d)", i+1)
		}
		turn = c.HandleTurn(ctx, answer, turn.UpdatedSession)
	}

	if turn.Outcome == nil || !turn.Outcome.Succeeded {
		t.Fatalf("expected execution on the final turn, got %+v", turn.Outcome)
	}
	if turn.Outcome.Value.(float64) != 6 {
		t.Errorf("sum = %v, want 6", turn.Outcome.Value)
	}
	if turn.UpdatedSession != nil {
		t.Error("session must be cleared after execution")
	}
}

func TestCoercionFailureRepromptsWithoutAdvancing(t *testing.T) {
	repo := &stubRepo{scripts: []*script.ScriptDefinition{bmiScript()}}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})
	ctx := context.Background()

	turn := c.HandleTurn(ctx, "calculate my bmi", nil)
	turn = c.HandleTurn(ctx, "quite heavy", turn.UpdatedSession)

	if turn.UpdatedSession == nil {
		t.Fatal("session must survive a failed coercion")
	}
	if turn.PromptForParam != "weight" {
		t.Errorf("prompt = %q, want weight (no advance)", turn.PromptForParam)
	}
	if len(turn.UpdatedSession.Collected) != 0 {
		t.Errorf("collected = %v, want empty", turn.UpdatedSession.Collected)
	}
	if len(turn.UpdatedSession.Missing) != 2 {
		t.Errorf("missing = %v, want both parameters", turn.UpdatedSession.Missing)
	}
}

func TestTurnNeverMutatesInputSession(t *testing.T) {
	repo := &stubRepo{scripts: []*script.ScriptDefinition{bmiScript()}}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})
	ctx := context.Background()

	in := &dialogue.Session{
		ScriptID:  "bmi",
		Collected: map[string]any{},
		Missing:   []string{"weight", "height"},
	}
	c.HandleTurn(ctx, "75", in)

	if len(in.Collected) != 0 || len(in.Missing) != 2 {
		t.Errorf("input session mutated: %+v", in)
	}
}

// ---------------------------------------------------------------------------
// Idle-state matching paths
// ---------------------------------------------------------------------------

func TestImmediateExecutionWhenNothingMissing(t *testing.T) {
	def := &script.ScriptDefinition{
		ID:             "double",
		Name:           "Doubler",
		TriggerPhrases: []string{"double the number"},
		Parameters: []script.ParameterSpec{
			{Name: "n", Type: script.TypeNumber, Required: true, Prompt: "Which number?"},
		},
		ExecutionKind: script.KindLocal,
		Code:          "return n * 2",
	}
	repo := &stubRepo{scripts: []*script.ScriptDefinition{def}}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})

	// Single numeric parameter: the value auto-extracts from the opening
	// utterance and execution happens with no session ever created.
	turn := c.HandleTurn(context.Background(), "double the number 21", nil)

	if turn.UpdatedSession != nil {
		t.Error("no session must be created when nothing is missing")
	}
	if turn.Outcome == nil || !turn.Outcome.Succeeded {
		t.Fatalf("expected immediate execution, got %+v", turn.Outcome)
	}
	if turn.Outcome.Value.(float64) != 42 {
		t.Errorf("value = %v, want 42", turn.Outcome.Value)
	}
}

func TestDisambiguationCreatesNoSessionAndExecutesNothing(t *testing.T) {
	a := bmiScript()
	b := bmiScript()
	b.ID = "bmi2"
	b.Name = "BMI Tracker"
	b.TriggerPhrases = []string{"my bmi"}

	repo := &stubRepo{scripts: []*script.ScriptDefinition{a, b}}
	disp := &stubDispatcher{}
	c := newController(repo, &stubDirectory{}, disp)

	// Both triggers are contained in the utterance, so both score 0.9.
	turn := c.HandleTurn(context.Background(), "please calculate my bmi now", nil)

	if turn.UpdatedSession != nil {
		t.Error("disambiguation must not create a session")
	}
	if turn.Outcome != nil || disp.calls != 0 {
		t.Error("disambiguation must not execute anything")
	}
	if !strings.Contains(turn.ResponseText, "BMI Calculator") || !strings.Contains(turn.ResponseText, "BMI Tracker") {
		t.Errorf("response must list both candidates: %q", turn.ResponseText)
	}
}

func TestEmptyUtteranceFallsBack(t *testing.T) {
	repo := &stubRepo{scripts: []*script.ScriptDefinition{bmiScript()}}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})

	turn := c.HandleTurn(context.Background(), "", nil)

	if turn.UpdatedSession != nil || turn.Outcome != nil {
		t.Errorf("empty utterance must be a plain fallback, got %+v", turn)
	}
	if !strings.Contains(turn.ResponseText, "couldn't match") {
		t.Errorf("response = %q, want generic fallback", turn.ResponseText)
	}
}

func TestLowConfidenceFallsBack(t *testing.T) {
	repo := &stubRepo{scripts: []*script.ScriptDefinition{bmiScript()}}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})

	turn := c.HandleTurn(context.Background(), "play some jazz music", nil)
	if turn.UpdatedSession != nil || turn.Outcome != nil {
		t.Errorf("expected fallback, got %+v", turn)
	}
}

// ---------------------------------------------------------------------------
// External action path
// ---------------------------------------------------------------------------

func TestActionVerbDispatches(t *testing.T) {
	dir := &stubDirectory{
		verb: "fetch",
		endpoint: &script.ActionEndpoint{
			Endpoint: "https://api.example.com/weather",
			Method:   "GET",
		},
	}
	disp := &stubDispatcher{result: action.Result{
		Succeeded:  true,
		Data:       map[string]any{"temp": 21.5},
		StatusCode: 200,
	}}
	c := newController(&stubRepo{}, dir, disp)

	turn := c.HandleTurn(context.Background(), "fetch the weather", nil)

	if disp.calls != 1 {
		t.Fatalf("dispatcher called %d times, want 1", disp.calls)
	}
	if disp.captured.Endpoint != "https://api.example.com/weather" {
		t.Errorf("endpoint = %q", disp.captured.Endpoint)
	}
	if turn.Outcome == nil || !turn.Outcome.Succeeded {
		t.Fatalf("expected successful outcome, got %+v", turn.Outcome)
	}
}

func TestUnregisteredActionVerbFallsBack(t *testing.T) {
	disp := &stubDispatcher{}
	c := newController(&stubRepo{}, &stubDirectory{}, disp)

	turn := c.HandleTurn(context.Background(), "fetch the weather", nil)

	if disp.calls != 0 {
		t.Error("nothing must be dispatched for an unregistered verb")
	}
	if !strings.Contains(turn.ResponseText, "fetch") {
		t.Errorf("response = %q, want mention of the verb", turn.ResponseText)
	}
}

func TestFailedDispatchReportedAsOutcome(t *testing.T) {
	dir := &stubDirectory{
		verb:     "fetch",
		endpoint: &script.ActionEndpoint{Endpoint: "https://api.example.com/x", Method: "GET"},
	}
	disp := &stubDispatcher{result: action.Result{
		Succeeded:    false,
		ErrorMessage: "Request timeout",
		StatusCode:   408,
	}}
	c := newController(&stubRepo{}, dir, disp)

	turn := c.HandleTurn(context.Background(), "fetch the weather", nil)
	if turn.Outcome == nil || turn.Outcome.Succeeded {
		t.Fatalf("expected failed outcome, got %+v", turn.Outcome)
	}
	if turn.Outcome.ErrorMessage != "Request timeout" {
		t.Errorf("error = %q", turn.Outcome.ErrorMessage)
	}
}

// ---------------------------------------------------------------------------
// Boundary guarantees
// ---------------------------------------------------------------------------

func TestSessionClearedWhenScriptDisappears(t *testing.T) {
	repo := &stubRepo{}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})

	session := &dialogue.Session{ScriptID: "gone", Collected: map[string]any{}, Missing: []string{"x"}}
	turn := c.HandleTurn(context.Background(), "42", session)

	if turn.UpdatedSession != nil {
		t.Error("session must be cleared when the script no longer exists")
	}
}

func TestRepositoryErrorDoesNotPanic(t *testing.T) {
	repo := &stubRepo{listErr: errors.New("db locked")}
	c := newController(repo, &stubDirectory{}, &stubDispatcher{})

	turn := c.HandleTurn(context.Background(), "calculate my bmi", nil)
	if turn == nil || turn.ResponseText == "" {
		t.Fatal("expected a graceful response on repository failure")
	}
}

func TestPanicInsideEngineIsContained(t *testing.T) {
	def := bmiScript()
	def.Parameters = nil
	repo := &stubRepo{scripts: []*script.ScriptDefinition{def}}
	c := dialogue.New(repo, &stubDirectory{}, panicRunner{}, &stubDispatcher{}, dialogue.DefaultConfig)

	turn := c.HandleTurn(context.Background(), "calculate my bmi", nil)

	if turn == nil {
		t.Fatal("HandleTurn returned nil after a panic")
	}
	if turn.Outcome == nil || turn.Outcome.Succeeded {
		t.Errorf("expected a failed outcome from the recovered panic, got %+v", turn.Outcome)
	}
}

// the action path measures elapsed time around the dispatch itself
func TestActionOutcomeElapsedPopulated(t *testing.T) {
	dir := &stubDirectory{
		verb:     "fetch",
		endpoint: &script.ActionEndpoint{Endpoint: "https://api.example.com/x", Method: "GET"},
	}
	disp := &slowDispatcher{delay: 20 * time.Millisecond}
	c := newController(&stubRepo{}, dir, disp)

	turn := c.HandleTurn(context.Background(), "fetch it", nil)
	if turn.Outcome == nil {
		t.Fatal("expected an outcome")
	}
	if turn.Outcome.ElapsedMs < 20 {
		t.Errorf("ElapsedMs = %d, want ≥ 20", turn.Outcome.ElapsedMs)
	}
}

type slowDispatcher struct{ delay time.Duration }

func (d *slowDispatcher) Dispatch(context.Context, action.Request) action.Result {
	time.Sleep(d.delay)
	return action.Result{Succeeded: true, StatusCode: 200}
}
