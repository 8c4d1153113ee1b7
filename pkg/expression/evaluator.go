package expression

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/orchestra/pkg/engine"
)

const (
	openDelim  = "<+"
	closeDelim = ">"

	// maxExecutionSteps bounds the work one expression may do.
	maxExecutionSteps = 1_000_000
)

// Reserved namespaces.
const (
	SetupNamespace     = "setup"
	ExecutionNamespace = "execution"
	InputNamespace     = "input"
)

// Resolver looks up outputs visible to an ambiance.
type Resolver interface {
	Resolve(ctx context.Context, amb engine.Ambiance, ref engine.RefObject) (interface{}, error)
}

// Env is what an expression can see.
type Env struct {
	// Ambiance is the position the expression is evaluated at.
	Ambiance engine.Ambiance

	// Producers maps node identifiers to setup ids. An identifier naming a
	// node reads that node's latest outputs: <+build.image>.
	Producers map[string]string

	// Inputs are the node's resolved ref objects, exposed as input.<alias>.
	Inputs engine.Inputs
}

// Evaluator renders <+...> expressions with Starlark.
//
// Identifiers are bound before evaluation: setup, execution and input are
// namespaces, node identifiers read outputs by producer, and any other name is
// looked up as an output visible from the ambiance.
type Evaluator struct {
	resolver Resolver
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(resolver Resolver, timeout time.Duration, logger zerolog.Logger) *Evaluator {
	if timeout == 0 {
		timeout = 5 * time.Second // Default timeout
	}
	return &Evaluator{
		resolver: resolver,
		timeout:  timeout,
		logger:   logger,
	}
}

// Evaluate evaluates a single expression (without delimiters).
func (e *Evaluator) Evaluate(ctx context.Context, env Env, expr string) (interface{}, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, evalError("empty expression", nil)
	}

	parsed, err := syntax.ParseExpr("expr", expr, 0)
	if err != nil {
		return nil, evalError(fmt.Sprintf("invalid expression %q", expr), err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	b := &binder{ctx: evalCtx, env: env, resolver: e.resolver}
	globals, err := b.bind(parsed)
	if err != nil {
		return nil, err
	}

	thread := &starlark.Thread{
		Name: "expression",
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Debug().Str("expression", expr).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	val, err := starlark.Eval(thread, "expr", expr, globals)
	if err != nil {
		// A failed lookup explains the evaluation failure better than the
		// Starlark error it caused.
		if resErr := b.firstError(); resErr != nil {
			return nil, resErr
		}
		return nil, evalError(fmt.Sprintf("failed to evaluate %q", expr), err)
	}

	out, err := fromStarlarkValue(val)
	if err != nil {
		return nil, evalError(fmt.Sprintf("failed to convert result of %q", expr), err)
	}
	return out, nil
}

// Render replaces every <+...> in text with the rendered value of the expression.
func (e *Evaluator) Render(ctx context.Context, env Env, text string) (string, error) {
	segments, err := split(text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, seg := range segments {
		if !seg.expr {
			sb.WriteString(seg.text)
			continue
		}
		val, err := e.Evaluate(ctx, env, seg.text)
		if err != nil {
			return "", err
		}
		s, err := stringify(val)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// RenderJSON renders the string values of a JSON document. A string that is
// exactly one expression is replaced by the typed value. A document without
// expressions is returned as is.
func (e *Evaluator) RenderJSON(ctx context.Context, env Env, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	// Delimiters may be escaped in the raw bytes (json.Marshal writes < as
	// \u003c), so only the decoded strings are inspected.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, evalError("failed to parse parameters", err)
	}

	rendered, changed, err := e.renderValue(ctx, env, doc)
	if err != nil {
		return nil, err
	}
	if !changed {
		return raw, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rendered); err != nil {
		return nil, evalError("failed to encode rendered parameters", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (e *Evaluator) renderValue(ctx context.Context, env Env, v interface{}) (interface{}, bool, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, openDelim) {
			return val, false, nil
		}
		segments, err := split(val)
		if err != nil {
			return nil, false, err
		}
		if len(segments) == 1 && segments[0].expr {
			out, err := e.Evaluate(ctx, env, segments[0].text)
			return out, true, err
		}
		out, err := e.Render(ctx, env, val)
		return out, true, err
	case []interface{}:
		out := make([]interface{}, len(val))
		changed := false
		for i, item := range val {
			r, c, err := e.renderValue(ctx, env, item)
			if err != nil {
				return nil, false, err
			}
			out[i] = r
			changed = changed || c
		}
		return out, changed, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		changed := false
		for k, item := range val {
			r, c, err := e.renderValue(ctx, env, item)
			if err != nil {
				return nil, false, err
			}
			out[k] = r
			changed = changed || c
		}
		return out, changed, nil
	default:
		return v, false, nil
	}
}

// binder resolves the free identifiers of an expression into globals.
type binder struct {
	ctx      context.Context
	env      Env
	resolver Resolver

	mu   sync.Mutex
	errs []error
}

func (b *binder) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, err)
}

func (b *binder) firstError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errs) == 0 {
		return nil
	}
	return b.errs[0]
}

func (b *binder) bind(expr syntax.Expr) (starlark.StringDict, error) {
	names := make(map[string]bool)
	var visit func(n syntax.Node) bool
	visit = func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.DotExpr:
			// Attribute names are not free identifiers.
			syntax.Walk(n.X, visit)
			return false
		case *syntax.Ident:
			names[n.Name] = true
		}
		return true
	}
	syntax.Walk(expr, visit)

	// Names bound inside the expression (comprehension variables, lambda
	// parameters) are not free; a failed lookup only matters if evaluation fails.
	globals := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for name := range names {
		if _, builtin := starlark.Universe[name]; builtin {
			continue
		}
		if _, bound := globals[name]; bound {
			continue
		}
		val, err := b.lookup(name)
		if err != nil {
			if engine.HasCode(err, engine.ErrCodeOutputNotFound) {
				b.record(err)
				continue
			}
			return nil, err
		}
		globals[name] = val
	}
	return globals, nil
}

func (b *binder) lookup(name string) (starlark.Value, error) {
	amb := b.env.Ambiance
	switch name {
	case SetupNamespace:
		return toStarlarkValue(amb.SetupAbstractions)
	case ExecutionNamespace:
		level, _ := amb.CurrentLevel()
		return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":          starlark.String(amb.PlanExecutionID),
			"runtime_id":  starlark.String(amb.CurrentRuntimeID()),
			"setup_id":    starlark.String(amb.CurrentSetupID()),
			"depth":       starlark.MakeInt(amb.Depth()),
			"retry_index": starlark.MakeInt(level.RetryIndex),
		}), nil
	case InputNamespace:
		return toStarlarkValue(map[string]interface{}(b.env.Inputs))
	}

	if setupID, ok := b.env.Producers[name]; ok {
		return &nodeOutputs{identifier: name, setupID: setupID, binder: b}, nil
	}

	if b.resolver == nil {
		return nil, outputNotFound(name)
	}
	v, err := b.resolver.Resolve(b.ctx, amb, engine.RefObject{Name: name})
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(v)
}

// nodeOutputs exposes the outputs of one producer as attributes.
type nodeOutputs struct {
	identifier string
	setupID    string
	binder     *binder
}

var _ starlark.HasAttrs = (*nodeOutputs)(nil)

func (n *nodeOutputs) String() string        { return "<node " + n.identifier + ">" }
func (n *nodeOutputs) Type() string          { return "node" }
func (n *nodeOutputs) Freeze()               {}
func (n *nodeOutputs) Truth() starlark.Bool  { return starlark.True }
func (n *nodeOutputs) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: node") }
func (n *nodeOutputs) AttrNames() []string   { return nil }

// Attr resolves the latest output named name written by the node.
func (n *nodeOutputs) Attr(name string) (starlark.Value, error) {
	if n.binder.resolver == nil {
		err := outputNotFound(n.identifier + "." + name)
		n.binder.record(err)
		return nil, err
	}
	v, err := n.binder.resolver.Resolve(n.binder.ctx, n.binder.env.Ambiance,
		engine.RefObject{Name: name, ProducerSetupID: n.setupID})
	if err != nil {
		n.binder.record(err)
		return nil, err
	}
	return toStarlarkValue(v)
}

// segment is a literal or an expression body of a template.
type segment struct {
	text string
	expr bool
}

// split cuts text into literal and expression segments. An expression ends
// at the first '>' outside brackets and quotes that is not part of '>='.
func split(text string) ([]segment, error) {
	var segments []segment
	rest := text
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				segments = append(segments, segment{text: rest})
			}
			return segments, nil
		}
		if start > 0 {
			segments = append(segments, segment{text: rest[:start]})
		}
		body := rest[start+len(openDelim):]
		end := closingIndex(body)
		if end < 0 {
			return nil, evalError(fmt.Sprintf("unterminated expression in %q", text), nil)
		}
		segments = append(segments, segment{text: body[:end], expr: true})
		rest = body[end+len(closeDelim):]
	}
}

func closingIndex(body string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '>':
			if depth == 0 && (i+1 >= len(body) || body[i+1] != '=') {
				return i
			}
		}
	}
	return -1
}

func evalError(msg string, err error) error {
	return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeValidation)
}

func outputNotFound(name string) error {
	return engine.NewPermanentError(fmt.Sprintf("output %s not visible", name), nil).
		WithCode(engine.ErrCodeOutputNotFound)
}
