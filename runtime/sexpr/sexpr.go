// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

// Package sexpr implements a deliberately small S-expression language used
// by the test suite and the demo daemon. It supports integers, strings,
// symbols, a handful of arithmetic and I/O builtins, namespaces, and
// definitions. Evaluation honors context cancellation at iteration and read
// boundaries, which makes it a useful exercise rig for the interrupt op.
package sexpr

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aaronc/tools.nrepl/runtime"
)

// Sym is a symbol form. Symbols evaluate to the binding with that name in
// the evaluation environment or the current namespace.
type Sym string

// An Error reports a failure to read or evaluate a form.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "sexpr: " + e.Msg }

func errf(msg string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(msg, args...)}
}

// Lang is a runtime.Runtime serving the S-expression language. Definitions
// are global to the runtime and grouped by namespace; per-session state
// (namespace, result slots) is the caller's concern.
type Lang struct {
	mu      sync.Mutex
	globals map[string]map[string]any // namespace → name → value
}

// New constructs a runtime with an empty "user" namespace.
func New() *Lang {
	return &Lang{globals: map[string]map[string]any{"user": {}}}
}

// HasNamespace reports whether ns has been created, satisfying the server's
// optional namespace check.
func (l *Lang) HasNamespace(ns string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.globals[ns]
	return ok
}

func (l *Lang) lookup(ns, name string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.globals[ns][name]
	return v, ok
}

func (l *Lang) define(ns, name string, v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	scope, ok := l.globals[ns]
	if !ok {
		scope = make(map[string]any)
		l.globals[ns] = scope
	}
	scope[name] = v
}

func (l *Lang) createNS(ns string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.globals[ns]; !ok {
		l.globals[ns] = make(map[string]any)
	}
}

// Read parses src into a sequence of forms.
func (l *Lang) Read(src string) ([]any, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	var forms []any
	for len(toks) > 0 {
		form, rest, err := parse(toks)
		if err != nil {
			return nil, err
		}
		forms = append(forms, form)
		toks = rest
	}
	return forms, nil
}

func tokenize(src string) ([]string, error) {
	var toks []string
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '"':
			j := i + 1
			for j < len(src) && src[j] != '"' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return nil, errf("unterminated string literal")
			}
			toks = append(toks, src[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(src) && !strings.ContainsRune(" \t\n\r()\"", rune(src[j])) {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		}
	}
	return toks, nil
}

func parse(toks []string) (any, []string, error) {
	if len(toks) == 0 {
		return nil, nil, errf("unexpected end of input")
	}
	tok := toks[0]
	switch {
	case tok == "(":
		rest := toks[1:]
		var list []any
		for {
			if len(rest) == 0 {
				return nil, nil, errf("missing close parenthesis")
			}
			if rest[0] == ")" {
				return list, rest[1:], nil
			}
			elt, r, err := parse(rest)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, elt)
			rest = r
		}
	case tok == ")":
		return nil, nil, errf("unexpected close parenthesis")
	case tok[0] == '"':
		s, err := strconv.Unquote(tok)
		if err != nil {
			return nil, nil, errf("invalid string literal %s", tok)
		}
		return s, toks[1:], nil
	default:
		if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return n, toks[1:], nil
		}
		return Sym(tok), toks[1:], nil
	}
}

// Eval evaluates one form in env.
func (l *Lang) Eval(ctx context.Context, form any, env *runtime.Env) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch t := form.(type) {
	case int64, string, nil:
		return t, nil
	case Sym:
		name := string(t)
		if v, ok := env.Vars[name]; ok {
			return v, nil
		}
		if v, ok := l.lookup(env.Namespace, name); ok {
			return v, nil
		}
		return nil, errf("undefined symbol %q in %s", name, env.Namespace)
	case []any:
		return l.evalList(ctx, t, env)
	default:
		return nil, errf("cannot evaluate %T", form)
	}
}

func (l *Lang) evalList(ctx context.Context, list []any, env *runtime.Env) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}
	head, ok := list[0].(Sym)
	if !ok {
		return nil, errf("cannot call %v", list[0])
	}

	switch head {
	case "quote":
		if len(list) != 2 {
			return nil, errf("quote wants one argument")
		}
		return list[1], nil
	case "def":
		if len(list) != 3 {
			return nil, errf("def wants a name and a value")
		}
		name, ok := list[1].(Sym)
		if !ok {
			return nil, errf("def name must be a symbol")
		}
		v, err := l.Eval(ctx, list[2], env)
		if err != nil {
			return nil, err
		}
		l.define(env.Namespace, string(name), v)
		return Sym(env.Namespace + "/" + string(name)), nil
	case "ns":
		if len(list) != 2 {
			return nil, errf("ns wants a name")
		}
		name, ok := list[1].(Sym)
		if !ok {
			return nil, errf("ns name must be a symbol")
		}
		l.createNS(string(name))
		env.Namespace = string(name)
		return nil, nil
	case "loop":
		// Spins until cancelled; exists to exercise interruption.
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}

	args := make([]any, len(list)-1)
	for i, elt := range list[1:] {
		v, err := l.Eval(ctx, elt, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return l.apply(ctx, string(head), args, env)
}

func (l *Lang) apply(ctx context.Context, name string, args []any, env *runtime.Env) (any, error) {
	switch name {
	case "+", "-", "*":
		return arith(name, args)
	case "=":
		if len(args) != 2 {
			return nil, errf("= wants two arguments")
		}
		if args[0] == args[1] {
			return Sym("true"), nil
		}
		return Sym("false"), nil
	case "str":
		var sb strings.Builder
		for _, arg := range args {
			sb.WriteString(render(arg))
		}
		return sb.String(), nil
	case "print", "println":
		parts := make([]string, len(args))
		for i, arg := range args {
			parts[i] = render(arg)
		}
		text := strings.Join(parts, " ")
		if name == "println" {
			text += "\n"
		}
		if _, err := fmt.Fprint(env.Stdout, text); err != nil {
			return nil, err
		}
		return nil, nil
	case "read-line":
		return readLine(ctx, env)
	case "sleep":
		if len(args) != 1 {
			return nil, errf("sleep wants a duration in milliseconds")
		}
		ms, ok := args[0].(int64)
		if !ok {
			return nil, errf("sleep duration must be an integer")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil, nil
		}
	default:
		return nil, errf("undefined function %q", name)
	}
}

func arith(op string, args []any) (any, error) {
	if len(args) == 0 {
		return nil, errf("%s wants at least one argument", op)
	}
	acc, ok := args[0].(int64)
	if !ok {
		return nil, errf("%s argument is %T, not an integer", op, args[0])
	}
	for _, arg := range args[1:] {
		n, ok := arg.(int64)
		if !ok {
			return nil, errf("%s argument is %T, not an integer", op, arg)
		}
		switch op {
		case "+":
			acc += n
		case "-":
			acc -= n
		case "*":
			acc *= n
		}
	}
	return acc, nil
}

// readLine reads one newline-terminated line from the environment's stdin,
// one byte at a time so that no input beyond the line is consumed.
func readLine(ctx context.Context, env *runtime.Env) (any, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := env.Stdin.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return sb.String(), nil
			}
			sb.WriteByte(buf[0])
		}
		if err != nil {
			return nil, err
		}
	}
}

// render produces the display form of a value: strings are unquoted, other
// values print as Print would.
func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return print(v)
}

// Print renders a value readably: strings are quoted, lists are
// parenthesized, nil prints as nil.
func (l *Lang) Print(v any) string { return print(v) }

func print(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case int64:
		return strconv.FormatInt(t, 10)
	case string:
		return strconv.Quote(t)
	case Sym:
		return string(t)
	case []any:
		parts := make([]string, len(t))
		for i, elt := range t {
			parts[i] = print(elt)
		}
		return "(" + strings.Join(parts, " ") + ")"
	case error:
		return t.Error()
	default:
		return fmt.Sprint(t)
	}
}

// Namespaces returns the names of all created namespaces, sorted.
func (l *Lang) Namespaces() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.globals))
	for ns := range l.globals {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

var _ runtime.Runtime = (*Lang)(nil)
var _ runtime.NamespaceChecker = (*Lang)(nil)
