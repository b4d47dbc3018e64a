// Package plugin loads JavaScript extension plugins into a goja VM and
// implements the engine's Runtime extension points with them.
//
// Plugins are plain *.js files loaded in lexical filename order, which is
// also the order of the action/game processor chains. Each file runs once
// at load time and registers its handlers through the global `register`
// object:
//
//	register.textCommands({ show: function(ctx) { ... } });
//	register.lineCommands({ video: function(ctx) { ... } });
//	register.actionProcessor(function(ctx) { return ctx.action; });
//	register.gameProcessor(function(ctx) { return { props: ctx.props }; });
//
// Dispatch payloads and results cross the VM boundary as JSON-shaped
// values, so handlers work with ordinary objects and arrays.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/641i130/Ayaka/game/engine"
	"github.com/641i130/Ayaka/script"
	"github.com/641i130/Ayaka/story"
)

// ErrTimeout is returned when a plugin call exceeds the execution time limit.
var ErrTimeout = errors.New("plugin: call timed out")

// ErrPanic is returned when the VM panics during a plugin call.
var ErrPanic = errors.New("plugin: runtime panicked")

// Center holds all loaded plugins and serves as the engine's Runtime.
// A single VM is shared by all plugins; the mutex serialises calls from
// concurrent sessions.
type Center struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	timeout time.Duration
	log     *zap.Logger

	names    []string
	textCmds map[string]goja.Callable
	lineCmds map[string]goja.Callable
	actions  []goja.Callable
	games    []goja.Callable
}

// Load loads every *.js file under dir in lexical order.
func Load(dir string, timeout time.Duration, log *zap.Logger) (*Center, error) {
	return LoadWithProgress(dir, timeout, log, nil)
}

// LoadWithProgress is Load with a per-file progress callback.
func LoadWithProgress(dir string, timeout time.Duration, log *zap.Logger, report func(name string, index, total int)) (*Center, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	c := &Center{
		vm:       newSafeVM(),
		timeout:  timeout,
		log:      log,
		textCmds: map[string]goja.Callable{},
		lineCmds: map[string]goja.Callable{},
	}
	c.installGlobals()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("plugin: read dir %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".js") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	for i, name := range files {
		if report != nil {
			report(name, i, len(files))
		}
		src, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("plugin: read %q: %w", name, err)
		}
		if _, err := c.vm.RunScript(name, string(src)); err != nil {
			return nil, fmt.Errorf("plugin: load %q: %w", name, err)
		}
		c.names = append(c.names, name)
	}

	log.Info("plugins loaded",
		zap.Int("files", len(c.names)),
		zap.Int("text_commands", len(c.textCmds)),
		zap.Int("line_commands", len(c.lineCmds)),
		zap.Int("action_processors", len(c.actions)),
		zap.Int("game_processors", len(c.games)))
	return c, nil
}

// Loader adapts a plugin directory into the loader shape engine.Open takes.
func Loader(dir string, timeout time.Duration, log *zap.Logger) engine.RuntimeLoader {
	return func(report func(name string, index, total int)) (engine.Runtime, error) {
		return LoadWithProgress(dir, timeout, log, report)
	}
}

// Names returns the loaded plugin file names in load order.
func (c *Center) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// installGlobals binds the registration API and a console bridge into the VM.
func (c *Center) installGlobals() {
	vm := c.vm

	collect := func(arg goja.Value, into map[string]goja.Callable) {
		obj := arg.ToObject(vm)
		if obj == nil {
			return
		}
		for _, key := range obj.Keys() {
			fn, ok := goja.AssertFunction(obj.Get(key))
			if !ok {
				c.log.Warn("plugin registration value is not a function", zap.String("command", key))
				continue
			}
			into[key] = fn
		}
	}

	reg := vm.NewObject()
	_ = reg.Set("textCommands", func(call goja.FunctionCall) goja.Value {
		collect(call.Argument(0), c.textCmds)
		return goja.Undefined()
	})
	_ = reg.Set("lineCommands", func(call goja.FunctionCall) goja.Value {
		collect(call.Argument(0), c.lineCmds)
		return goja.Undefined()
	})
	_ = reg.Set("actionProcessor", func(call goja.FunctionCall) goja.Value {
		if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
			c.actions = append(c.actions, fn)
		}
		return goja.Undefined()
	})
	_ = reg.Set("gameProcessor", func(call goja.FunctionCall) goja.Value {
		if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
			c.games = append(c.games, fn)
		}
		return goja.Undefined()
	})
	vm.Set("register", reg)

	console := vm.NewObject()
	_ = console.Set("log", func(args ...interface{}) {
		c.log.Info("plugin console", zap.Any("args", args))
	})
	_ = console.Set("warn", func(args ...interface{}) {
		c.log.Warn("plugin console", zap.Any("args", args))
	})
	vm.Set("console", console)
}

// newSafeVM creates a goja Runtime with dangerous globals removed.
func newSafeVM() *goja.Runtime {
	vm := goja.New()
	for _, name := range []string{"require", "process", "fetch", "XMLHttpRequest"} {
		vm.Set(name, goja.Undefined())
	}
	return vm
}

// call invokes fn with payload converted to a plain JS value and decodes
// the result into out (skipped when the handler returns undefined/null).
func (c *Center) call(fn goja.Callable, payload interface{}, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("plugin: encode payload: %w", err)
	}
	var arg interface{}
	if err := json.Unmarshal(raw, &arg); err != nil {
		return fmt.Errorf("plugin: decode payload: %w", err)
	}

	timer := time.AfterFunc(c.timeout, func() {
		c.vm.Interrupt(ErrTimeout)
	})
	defer func() {
		timer.Stop()
		c.vm.ClearInterrupt()
	}()

	var res goja.Value
	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = ErrPanic
			}
		}()
		res, callErr = fn(goja.Undefined(), c.vm.ToValue(arg))
	}()
	if callErr != nil {
		var intr *goja.InterruptedError
		if errors.As(callErr, &intr) {
			return ErrTimeout
		}
		var ex *goja.Exception
		if errors.As(callErr, &ex) {
			return fmt.Errorf("plugin: %s", ex.Error())
		}
		return callErr
	}

	if out == nil || res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil
	}
	rawOut, err := json.Marshal(res.Export())
	if err != nil {
		return fmt.Errorf("plugin: encode result: %w", err)
	}
	if err := json.Unmarshal(rawOut, out); err != nil {
		return fmt.Errorf("plugin: decode result: %w", err)
	}
	return nil
}

// ---- wire shapes across the VM boundary ----

type wireTextDispatch struct {
	Args      []string          `json:"args"`
	GameProps map[string]string `json:"game_props"`
	Frontend  string            `json:"frontend"`
}

type wireTextResult struct {
	Fragments []engine.Fragment `json:"fragments"`
	Vars      script.VarMap     `json:"vars"`
}

type wireLineDispatch struct {
	GameProps map[string]string `json:"game_props"`
	Frontend  string            `json:"frontend"`
	Cursor    story.Cursor      `json:"cursor"`
	Props     script.VarMap     `json:"props"`
}

type wireLineResult struct {
	Locals script.VarMap `json:"locals"`
	Vars   script.VarMap `json:"vars"`
}

type wireActionDispatch struct {
	GameProps map[string]string `json:"game_props"`
	Frontend  string            `json:"frontend"`
	Cursor    story.Cursor      `json:"cursor"`
	Action    engine.ActionText `json:"action"`
}

type wireGameDispatch struct {
	Title    string            `json:"title"`
	Author   string            `json:"author"`
	Props    map[string]string `json:"props"`
	Frontend string            `json:"frontend"`
}

type wireGameResult struct {
	Props map[string]string `json:"props"`
}

// ---- engine.Runtime implementation ----

// HasTextCommand reports whether some plugin registered the text command.
func (c *Center) HasTextCommand(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.textCmds[name]
	return ok
}

// DispatchText calls the named text command handler.
func (c *Center) DispatchText(name string, d engine.TextDispatch) (engine.TextResult, error) {
	c.mu.Lock()
	fn, ok := c.textCmds[name]
	c.mu.Unlock()
	if !ok {
		return engine.TextResult{}, fmt.Errorf("plugin: no text command %q", name)
	}
	payload := wireTextDispatch{
		Args:      d.Args,
		GameProps: d.GameProps,
		Frontend:  d.Frontend.String(),
	}
	var w wireTextResult
	if err := c.call(fn, payload, &w); err != nil {
		return engine.TextResult{}, fmt.Errorf("text command %q: %w", name, err)
	}
	return engine.TextResult{Fragments: w.Fragments, Vars: w.Vars}, nil
}

// HasLineCommand reports whether some plugin registered the line command.
func (c *Center) HasLineCommand(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lineCmds[name]
	return ok
}

// DispatchLine calls the named line command handler.
func (c *Center) DispatchLine(name string, d engine.LineDispatch) (engine.LineResult, error) {
	c.mu.Lock()
	fn, ok := c.lineCmds[name]
	c.mu.Unlock()
	if !ok {
		return engine.LineResult{}, fmt.Errorf("plugin: no line command %q", name)
	}
	payload := wireLineDispatch{
		GameProps: d.GameProps,
		Frontend:  d.Frontend.String(),
		Cursor:    d.Cursor,
		Props:     d.Props,
	}
	var w wireLineResult
	if err := c.call(fn, payload, &w); err != nil {
		return engine.LineResult{}, fmt.Errorf("line command %q: %w", name, err)
	}
	return engine.LineResult{Locals: w.Locals, Vars: w.Vars}, nil
}

// ProcessAction runs the rendered text through every action processor in
// registration order. A handler returning nothing keeps the text as is.
func (c *Center) ProcessAction(d engine.ActionDispatch) (engine.ActionText, error) {
	c.mu.Lock()
	chain := make([]goja.Callable, len(c.actions))
	copy(chain, c.actions)
	c.mu.Unlock()

	at := d.Action
	at.Fragments = append([]engine.Fragment(nil), d.Action.Fragments...)
	if d.Action.Vars != nil {
		at.Vars = d.Action.Vars.Clone()
	}
	for i, fn := range chain {
		payload := wireActionDispatch{
			GameProps: d.GameProps,
			Frontend:  d.Frontend.String(),
			Cursor:    d.Cursor,
			Action:    at,
		}
		next := at
		if err := c.call(fn, payload, &next); err != nil {
			return engine.ActionText{}, fmt.Errorf("action processor %d: %w", i, err)
		}
		at = next
	}
	return at, nil
}

// ProcessGame runs the game metadata through every game processor in
// registration order and returns the final property map.
func (c *Center) ProcessGame(d engine.GameDispatch) (map[string]string, error) {
	c.mu.Lock()
	chain := make([]goja.Callable, len(c.games))
	copy(chain, c.games)
	c.mu.Unlock()

	props := make(map[string]string, len(d.Props))
	for k, v := range d.Props {
		props[k] = v
	}
	for i, fn := range chain {
		payload := wireGameDispatch{
			Title:    d.Title,
			Author:   d.Author,
			Props:    props,
			Frontend: d.Frontend.String(),
		}
		var w wireGameResult
		if err := c.call(fn, payload, &w); err != nil {
			return nil, fmt.Errorf("game processor %d: %w", i, err)
		}
		if w.Props != nil {
			props = w.Props
		}
	}
	return props, nil
}
