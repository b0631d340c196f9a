// Package exchange keeps the process data of a network fresh, by
// exchanging the output and input buffers with the master at a fixed
// period inside of a go routine.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/master"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultCyclePeriod    = 10 * time.Millisecond
	DefaultReceiveTimeout = 2 * time.Millisecond
	DefaultStateTimeout   = 5 * time.Second
)

type State uint8

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

type Config struct {
	CyclePeriod    time.Duration
	ReceiveTimeout time.Duration
	// Max time to wait for the network to become operational
	StateTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CyclePeriod:    DefaultCyclePeriod,
		ReceiveTimeout: DefaultReceiveTimeout,
		StateTimeout:   DefaultStateTimeout,
	}
}

// Engine owns the output and input buffers. Writers replace sub-ranges
// of the output buffer, the exchange go routine publishes complete
// received input images.
type Engine struct {
	logger log.FieldLogger
	master master.Master
	config Config

	outputMu sync.Mutex
	output   []byte
	inputMu  sync.RWMutex
	input    []byte

	// lifecycle
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles atomic.Uint64
	misses atomic.Uint64
}

// Create a new [Engine] exchanging buffers of the given sizes
func NewEngine(m master.Master, outputSize int, inputSize int, config Config, logger log.FieldLogger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	defaults := DefaultConfig()
	if config.CyclePeriod <= 0 {
		config.CyclePeriod = defaults.CyclePeriod
	}
	if config.ReceiveTimeout <= 0 {
		config.ReceiveTimeout = defaults.ReceiveTimeout
	}
	if config.StateTimeout <= 0 {
		config.StateTimeout = defaults.StateTimeout
	}
	return &Engine{
		logger: logger.WithField("service", "[EXCHANGE]"),
		master: m,
		config: config,
		output: make([]byte, outputSize),
		input:  make([]byte, inputSize),
	}
}

// Start the exchange go routine then request the operational state.
// Exchange must already be running when requesting operational, as
// slaves need valid outputs to go operational.
// If operational is not reached, the go routine is stopped and a
// [servo.StateTransitionError] is returned.
// ctx only bounds the start, once started the exchange runs until
// [Engine.Stop].
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("exchange not started : %w", err)
	}
	e.mu.Lock()
	if e.state == Running {
		e.mu.Unlock()
		return servo.ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.state = Running
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.process(loopCtx)
	}()
	e.mu.Unlock()

	report, err := e.master.RequestState(master.StateOperational, e.config.StateTimeout)
	if ctx.Err() != nil {
		e.Stop()
		return fmt.Errorf("exchange start aborted : %w", ctx.Err())
	}
	if err == nil && report.Actual == master.StateOperational {
		e.logger.Info("network is operational")
		return nil
	}
	e.Stop()
	if err != nil {
		return fmt.Errorf("failed to request %v : %w", master.StateOperational, err)
	}
	e.logger.Errorf("network did not reach %v, actual %v, AL status x%x",
		master.StateOperational, report.Actual, report.ALStatusCode)
	return &servo.StateTransitionError{
		Target:       uint8(master.StateOperational),
		Actual:       uint8(report.Actual),
		ALStatusCode: report.ALStatusCode,
		Description:  master.ALStatusDescription(report.ALStatusCode),
	}
}

// Stop the exchange go routine and wait for it to exit.
// Stopping a stopped engine does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Stopped {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.state = Stopped
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) IsRunning() bool {
	return e.State() == Running
}

func (e *Engine) process(ctx context.Context) {
	output := make([]byte, len(e.output))
	input := make([]byte, len(e.input))
	ticker := time.NewTicker(e.config.CyclePeriod)
	e.logger.Infof("starting cyclic exchange, period %v", e.config.CyclePeriod)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			e.logger.Info("exited cyclic exchange")
			return
		case <-ticker.C:
			e.exchange(output, input)
		}
	}
}

// One cycle, errors are counted and dropped
func (e *Engine) exchange(output []byte, input []byte) {
	e.outputMu.Lock()
	copy(output, e.output)
	e.outputMu.Unlock()

	err := e.master.TransmitReceive(output, input, e.config.ReceiveTimeout)
	e.cycles.Add(1)
	if err != nil {
		misses := e.misses.Add(1)
		if errors.Is(err, servo.ErrReceiveTimeout) {
			e.logger.Debugf("no process data received (%v missed)", misses)
		} else {
			e.logger.Warnf("process data exchange failed : %v", err)
		}
		return
	}
	e.inputMu.Lock()
	copy(e.input, input)
	e.inputMu.Unlock()
}

// Replace a sub-range of the output buffer, sent on next cycle
func (e *Engine) WriteOutput(offset int, data []byte) error {
	e.outputMu.Lock()
	defer e.outputMu.Unlock()
	if offset < 0 || offset+len(data) > len(e.output) {
		return fmt.Errorf("%w : output [%v:%v], size is %v", servo.ErrOutOfRange, offset, offset+len(data), len(e.output))
	}
	copy(e.output[offset:], data)
	return nil
}

// Copy of a sub-range of the output buffer, zeroes if out of range
func (e *Engine) ReadOutput(offset int, length int) []byte {
	e.outputMu.Lock()
	defer e.outputMu.Unlock()
	return snapshot(e.output, offset, length)
}

// Copy of a sub-range of the last received input image, zeroes if out of range
func (e *Engine) ReadInput(offset int, length int) []byte {
	e.inputMu.RLock()
	defer e.inputMu.RUnlock()
	return snapshot(e.input, offset, length)
}

func snapshot(buffer []byte, offset int, length int) []byte {
	if length < 0 {
		return nil
	}
	raw := make([]byte, length)
	if offset < 0 || offset+length > len(buffer) {
		return raw
	}
	copy(raw, buffer[offset:offset+length])
	return raw
}

// Number of cycles run and of cycles without received input
func (e *Engine) Stats() (cycles uint64, misses uint64) {
	return e.cycles.Load(), e.misses.Load()
}

func (e *Engine) OutputSize() int {
	return len(e.output)
}

func (e *Engine) InputSize() int {
	return len(e.input)
}
