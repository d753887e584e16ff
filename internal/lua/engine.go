// Package lua runs user pattern scripts against the cooler. Only one pattern
// runs at a time; starting another cancels and joins the current one.
package lua

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"kraken-controller/internal/core"
	"kraken-controller/internal/kraken"
)

// ErrEngineClosed is returned once Close has been called.
var ErrEngineClosed = errors.New("lua: engine closed")

// Controller is what scripts drive. Calls go through the agent so that
// desired state is tracked the same way as for any other command.
type Controller interface {
	ApplyEffect(p core.EffectPayload) error
	SetSpeed(a kraken.Actuator, percent int) error
	StopSpeed(a kraken.Actuator) error
	Telemetry() core.Telemetry
}

// cmdType defines the type of engine command.
type cmdType int

const (
	cmdRunFile cmdType = iota
	cmdStop
)

type engineCmd struct {
	kind cmdType
	name string
	path string
}

// Engine manages the Lua scripting environment using a single worker goroutine.
type Engine struct {
	ctrl        Controller
	patternsDir string
	eventBus    *core.EventBus

	mu      sync.Mutex
	closed  bool
	cmdChan chan engineCmd
	wg      sync.WaitGroup

	// stopWarn is how long to wait for a script before logging that it is slow to stop.
	stopWarn time.Duration
}

// NewEngine creates a new Lua engine and starts its background worker.
func NewEngine(ctrl Controller, patternsDir string, eb *core.EventBus) *Engine {
	e := &Engine{
		ctrl:        ctrl,
		patternsDir: patternsDir,
		eventBus:    eb,
		cmdChan:     make(chan engineCmd, 10),
		stopWarn:    2 * time.Second,
	}

	e.wg.Add(1)
	go e.runLoop()

	return e
}

func (e *Engine) runLoop() {
	defer e.wg.Done()

	var currentCancel context.CancelFunc
	var scriptDone chan struct{}

	stopCurrent := func() {
		if currentCancel == nil {
			return
		}
		currentCancel()
		select {
		case <-scriptDone:
		case <-time.After(e.stopWarn):
			log.Println("[Lua] Script is slow to stop, still waiting")
			<-scriptDone
		}
		currentCancel = nil
		scriptDone = nil
	}
	defer stopCurrent()

	for cmd := range e.cmdChan {
		stopCurrent()

		if cmd.kind == cmdStop {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		currentCancel = cancel
		scriptDone = make(chan struct{})

		go func(cmd engineCmd, ctx context.Context, done chan struct{}) {
			defer close(done)
			e.execute(ctx, cmd.name, func(L *lua.LState) error {
				return L.DoFile(cmd.path)
			})
		}(cmd, ctx, scriptDone)
	}
}

func (e *Engine) send(cmd engineCmd) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	select {
	case e.cmdChan <- cmd:
		return nil
	default:
		return fmt.Errorf("lua: command queue full")
	}
}

// RunPattern starts the named pattern file, replacing any running pattern.
func (e *Engine) RunPattern(name string) error {
	path, err := e.PatternPath(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("lua: pattern '%s': %w", name, err)
	}
	return e.send(engineCmd{kind: cmdRunFile, name: name, path: path})
}

// StopCurrentPattern stops the currently running script if any.
func (e *Engine) StopCurrentPattern() error {
	return e.send(engineCmd{kind: cmdStop})
}

// Close stops the running pattern and the worker.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.cmdChan)
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) publish(name string) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(core.Event{
		Type:    core.PatternChangedEvent,
		Payload: core.PatternPayload{Name: name},
	})
}

// execute runs code in a fresh state bound to ctx.
func (e *Engine) execute(ctx context.Context, name string, executor func(*lua.LState) error) {
	log.Printf("[Lua] Starting pattern '%s'...", name)
	e.publish(name)

	defer func() {
		log.Printf("[Lua] Pattern '%s' finished.", name)
		e.publish("")
	}()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	e.registerGoFunctions(L, ctx)

	if err := executor(L); err != nil {
		if ctx.Err() != nil {
			log.Printf("[Lua] Pattern '%s' execution was canceled.", name)
		} else {
			log.Printf("[Lua] Error executing pattern '%s': %v", name, err)
		}
	}
}
