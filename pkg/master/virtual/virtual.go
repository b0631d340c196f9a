package virtual

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/master"
	log "github.com/sirupsen/logrus"
)

// In process master used primarily for testing.
// The first slave is a simulated CiA 402 drive with its own object
// dictionary, other slaves are couplers without process data.

func init() {
	master.RegisterDriver("virtual", Open)
}

const statePollPeriod = time.Millisecond

var ErrClosed = errors.New("virtual master is closed")

type Option func(m *Master)

// Number of slaves on the simulated network, default is 1
func WithSlaves(n int) Option {
	return func(m *Master) { m.nbSlaves = n }
}

// Slaves refuse any state above max, reporting the given AL status code
func WithMaxState(max master.ALState, alStatusCode uint16) Option {
	return func(m *Master) {
		m.maxState = max
		m.maxStateCode = alStatusCode
	}
}

// The drive aborts SDO writes to index:subindex with the given code
func WithSDOAbort(index uint16, subindex uint8, code master.SDOAbortCode) Option {
	return func(m *Master) {
		m.aborts[odKey(index, subindex)] = code
	}
}

// Every n-th exchange is lost
func WithDropEvery(n uint64) Option {
	return func(m *Master) { m.dropEvery = n }
}

func WithLogger(logger log.FieldLogger) Option {
	return func(m *Master) { m.logger = logger.WithField("service", "[VIRTUAL]") }
}

type Master struct {
	logger       log.FieldLogger
	mu           sync.Mutex
	adapter      string
	nbSlaves     int
	slaves       []*Slave
	closed       bool
	dcConfigured bool
	maxState     master.ALState
	maxStateCode uint16
	aborts       map[uint32]master.SDOAbortCode
	dropEvery    uint64
	exchanges    uint64
	drops        uint64
	lastExchange time.Time
}

// Open is the "virtual" driver entry point
func Open(adapter string) (master.Master, error) {
	if adapter == "" {
		return nil, errors.New("no adapter specified")
	}
	return New(adapter), nil
}

// Create a new virtual master, this never fails
func New(adapter string, options ...Option) *Master {
	m := &Master{
		logger:   log.StandardLogger().WithField("service", "[VIRTUAL]"),
		adapter:  adapter,
		nbSlaves: 1,
		maxState: master.StateOperational,
		aborts:   make(map[uint32]master.SDOAbortCode),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

func (m *Master) DiscoverSlaves() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.slaves = make([]*Slave, 0, m.nbSlaves)
	for position := 0; position < m.nbSlaves; position++ {
		var slave *Slave
		if position == 0 {
			slave = newDriveSlave(position, m.aborts)
		} else {
			slave = newCouplerSlave(position)
		}
		slave.state = master.StatePreOperational
		m.slaves = append(m.slaves, slave)
	}
	m.logger.Infof("%v slaves found on %v", len(m.slaves), m.adapter)
	return len(m.slaves), nil
}

func (m *Master) Slave(position int) (master.Slave, error) {
	return m.slave(position)
}

// Simulated slave, for inspection
func (m *Master) VirtualSlave(position int) (*Slave, error) {
	return m.slave(position)
}

func (m *Master) slave(position int) (*Slave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position < 0 || position >= len(m.slaves) {
		return nil, fmt.Errorf("no slave at position %v", position)
	}
	return m.slaves[position], nil
}

func (m *Master) discovered() ([]*Slave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.slaves == nil {
		return nil, errors.New("slaves have not been discovered")
	}
	return m.slaves, nil
}

func (m *Master) ConfigureDC() error {
	if _, err := m.discovered(); err != nil {
		return err
	}
	m.mu.Lock()
	m.dcConfigured = true
	m.mu.Unlock()
	return nil
}

func (m *Master) DCConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dcConfigured
}

func (m *Master) ConfigureMap() error {
	slaves, err := m.discovered()
	if err != nil {
		return err
	}
	outputSize, inputSize := 0, 0
	for _, slave := range slaves {
		if hook := slave.preOpHook(); hook != nil {
			err := hook(slave.position)
			if err != nil {
				return err
			}
		}
		if err := slave.applyMapping(); err != nil {
			return err
		}
		outputSize += slave.OutputSize()
		inputSize += slave.InputSize()
	}
	m.logger.Infof("process data mapped, %v bytes outputs, %v bytes inputs", outputSize, inputSize)
	return nil
}

// Request a state for all slaves, this blocks until all slaves
// have reached it or timeout
func (m *Master) RequestState(target master.ALState, timeout time.Duration) (master.StateReport, error) {
	slaves, err := m.discovered()
	if err != nil {
		return master.StateReport{}, err
	}
	m.mu.Lock()
	maxState, maxStateCode := m.maxState, m.maxStateCode
	m.mu.Unlock()

	m.logger.Debugf("requesting %v", target)
	deadline := time.Now().Add(timeout)
	for {
		report := master.StateReport{Actual: target}
		reached := true
		for _, slave := range slaves {
			if !slave.transition(target, maxState, maxStateCode) {
				reached = false
				report.Actual = slave.State()
				report.ALStatusCode = slave.ALStatusCode()
				break
			}
		}
		if reached || !time.Now().Before(deadline) {
			return report, nil
		}
		time.Sleep(statePollPeriod)
	}
}

// Exchange one cycle, each slave gets its own sub-range of the buffers
// in network order
func (m *Master) TransmitReceive(output []byte, input []byte, timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.exchanges++
	drop := m.dropEvery > 0 && m.exchanges%m.dropEvery == 0
	if drop {
		m.drops++
	}
	now := time.Now()
	var dt time.Duration
	if !m.lastExchange.IsZero() {
		dt = now.Sub(m.lastExchange)
	}
	m.lastExchange = now
	slaves := m.slaves
	m.mu.Unlock()

	if drop {
		time.Sleep(timeout)
		return servo.ErrReceiveTimeout
	}
	outputOffset, inputOffset := 0, 0
	for _, slave := range slaves {
		outputSize, inputSize := slave.OutputSize(), slave.InputSize()
		slave.exchange(window(output, outputOffset, outputSize), window(input, inputOffset, inputSize), dt)
		outputOffset += outputSize
		inputOffset += inputSize
	}
	return nil
}

// Number of exchanges and of lost exchanges
func (m *Master) Exchanges() (uint64, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges, m.drops
}

func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.logger.Infof("closed %v", m.adapter)
	return nil
}

func (m *Master) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func window(buffer []byte, offset int, length int) []byte {
	if offset >= len(buffer) {
		return nil
	}
	end := offset + length
	if end > len(buffer) {
		end = len(buffer)
	}
	return buffer[offset:end]
}

func getUint(buffer []byte, offset int, length int) uint64 {
	if offset+length > len(buffer) {
		return 0
	}
	raw := buffer[offset : offset+length]
	switch length {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(raw))
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw))
	case 8:
		return binary.LittleEndian.Uint64(raw)
	}
	return 0
}

func putUint(buffer []byte, offset int, length int, value uint64) {
	if offset+length > len(buffer) {
		return
	}
	raw := buffer[offset : offset+length]
	switch length {
	case 1:
		raw[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(raw, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(raw, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(raw, value)
	}
}
