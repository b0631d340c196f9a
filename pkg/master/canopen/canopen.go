// Package canopen is a master driver for CiA 402 drives on a CAN bus.
//
// Application layer states are carried over NMT : INIT is STOPPED,
// PRE-OPERATIONAL and SAFE-OPERATIONAL are both PRE-OPERATIONAL on the
// wire and OPERATIONAL is OPERATIONAL. Process data is exchanged with
// synchronous PDOs, every cycle sends the RPDOs followed by a SYNC and
// waits for the TPDOs.
//
// The adapter is "<interface>:<channel>" e.g. "socketcan:can0" or
// "virtual:bus0". A bare channel uses socketcan.
package canopen

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/can"
	"github.com/samsamfire/goservo/pkg/master"
	log "github.com/sirupsen/logrus"
)

func init() {
	master.RegisterDriver("canopen", Open)
}

const (
	DefaultInterface        = "socketcan"
	DefaultDiscoveryTimeout = 250 * time.Millisecond
	DefaultSdoTimeout       = 100 * time.Millisecond
	DefaultHeartbeatPeriod  = 100 * time.Millisecond
	statePollPeriod         = time.Millisecond
)

// CAN identifiers, node id is added where applicable
const (
	idNmt            uint32 = 0x000
	idSync           uint32 = 0x080
	idEmcy           uint32 = 0x080
	idTpdo           uint32 = 0x180
	idRpdo           uint32 = 0x200
	idSdoServerTx    uint32 = 0x580
	idSdoServerRx    uint32 = 0x600
	idHeartbeat      uint32 = 0x700
	maxNodeId        uint8  = 0x7F
	pdoIdIncrement   uint32 = 0x100
	nbPdoPerNode            = 4
	entryHeartbeat   uint16 = 0x1017
	entryRpdoComm    uint16 = 0x1400
	entryRpdoMapping uint16 = 0x1600
	entryTpdoComm    uint16 = 0x1800
	entryTpdoMapping uint16 = 0x1A00
)

// NMT commands and heartbeat states
const (
	nmtEnterOperational    uint8 = 0x01
	nmtEnterStopped        uint8 = 0x02
	nmtEnterPreOperational uint8 = 0x80
	nmtResetCommunication  uint8 = 0x82

	nmtStateInitializing   uint8 = 0x00
	nmtStateStopped        uint8 = 0x04
	nmtStateOperational    uint8 = 0x05
	nmtStatePreOperational uint8 = 0x7F
)

var ErrClosed = errors.New("canopen master is closed")

type Option func(m *Master)

// Time waited for boot-up messages after resetting communication
func WithDiscoveryTimeout(timeout time.Duration) Option {
	return func(m *Master) { m.discoveryTimeout = timeout }
}

func WithSdoTimeout(timeout time.Duration) Option {
	return func(m *Master) { m.sdoTimeout = timeout }
}

// Heartbeat producer period configured on every node
func WithHeartbeatPeriod(period time.Duration) Option {
	return func(m *Master) { m.heartbeatPeriod = period }
}

func WithLogger(logger log.FieldLogger) Option {
	return func(m *Master) { m.logger = logger.WithField("service", "[CANOPEN]") }
}

type Master struct {
	logger           log.FieldLogger
	bus              can.Bus
	adapter          string
	discoveryTimeout time.Duration
	sdoTimeout       time.Duration
	heartbeatPeriod  time.Duration
	sdoMu            sync.Mutex
	sdoResponse      chan can.Frame
	rxNotify         chan struct{}
	mu               sync.Mutex
	closed           bool
	discovering      bool
	booted           map[uint8]bool
	slaves           []*Slave
	nodes            map[uint8]*Slave
	received         map[uint32][8]byte
	fresh            map[uint32]bool
}

// Open is the "canopen" driver entry point
func Open(adapter string) (master.Master, error) {
	canInterface, channel, found := strings.Cut(adapter, ":")
	if !found {
		canInterface, channel = DefaultInterface, adapter
	}
	if channel == "" {
		return nil, errors.New("no channel specified")
	}
	bus, err := can.NewBus(canInterface, channel)
	if err != nil {
		return nil, err
	}
	m := New(bus, adapter)
	if err := bus.Subscribe(m); err != nil {
		return nil, err
	}
	if err := bus.Connect(); err != nil {
		return nil, err
	}
	return m, nil
}

// Create a master on a bus, the bus should already be subscribed
// to the master and connected
func New(bus can.Bus, adapter string, options ...Option) *Master {
	m := &Master{
		logger:           log.StandardLogger().WithField("service", "[CANOPEN]"),
		bus:              bus,
		adapter:          adapter,
		discoveryTimeout: DefaultDiscoveryTimeout,
		sdoTimeout:       DefaultSdoTimeout,
		heartbeatPeriod:  DefaultHeartbeatPeriod,
		sdoResponse:      make(chan can.Frame, 1),
		rxNotify:         make(chan struct{}, 1),
		nodes:            make(map[uint8]*Slave),
		received:         make(map[uint32][8]byte),
		fresh:            make(map[uint32]bool),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Handle every received frame, this never blocks
func (m *Master) Handle(frame can.Frame) {
	id := frame.ID & can.CanSffMask
	switch {
	case id > idSdoServerTx && id <= idSdoServerTx+uint32(maxNodeId):
		select {
		case m.sdoResponse <- frame:
		default:
			m.logger.Warnf("dropped unexpected sdo response from x%x", id-idSdoServerTx)
		}
	case id > idHeartbeat && id <= idHeartbeat+uint32(maxNodeId):
		if frame.DLC < 1 {
			return
		}
		m.handleHeartbeat(uint8(id-idHeartbeat), frame.Data[0]&0x7F)
	case id > idEmcy && id <= idEmcy+uint32(maxNodeId):
		if frame.DLC < 3 {
			return
		}
		m.logger.Warnf("emergency from x%x : code x%04X, error register x%02X",
			id-idEmcy, binary.LittleEndian.Uint16(frame.Data[0:2]), frame.Data[2])
	default:
		m.handlePdo(id, frame.Data)
	}
}

func (m *Master) handleHeartbeat(nodeId uint8, state uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discovering && state == nmtStateInitializing {
		m.booted[nodeId] = true
	}
	if slave, ok := m.nodes[nodeId]; ok {
		slave.setNmtState(state)
	}
}

func (m *Master) handlePdo(id uint32, data [8]byte) {
	m.mu.Lock()
	if _, expected := m.fresh[id]; !expected {
		m.mu.Unlock()
		return
	}
	m.received[id] = data
	m.fresh[id] = true
	m.mu.Unlock()
	select {
	case m.rxNotify <- struct{}{}:
	default:
	}
}

func (m *Master) send(frame can.Frame) error {
	return m.bus.Send(frame)
}

func (m *Master) sendNmt(command uint8, nodeId uint8) error {
	frame := can.NewFrame(idNmt, 0, 2)
	frame.Data[0] = command
	frame.Data[1] = nodeId
	return m.send(frame)
}

// Reset communication of all nodes and collect boot-up messages.
// Found nodes are ordered by node id and start pre-operational.
func (m *Master) DiscoverSlaves() (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	m.discovering = true
	m.booted = make(map[uint8]bool)
	m.mu.Unlock()

	err := m.sendNmt(nmtResetCommunication, 0)
	if err == nil {
		time.Sleep(m.discoveryTimeout)
	}

	m.mu.Lock()
	m.discovering = false
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	ids := make([]int, 0, len(m.booted))
	for id := range m.booted {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	m.slaves = make([]*Slave, 0, len(ids))
	m.nodes = make(map[uint8]*Slave, len(ids))
	for position, id := range ids {
		slave := newSlave(m, position, uint8(id))
		m.slaves = append(m.slaves, slave)
		m.nodes[uint8(id)] = slave
	}
	slaves := m.slaves
	m.mu.Unlock()

	for _, slave := range slaves {
		heartbeat := make([]byte, 2)
		binary.LittleEndian.PutUint16(heartbeat, uint16(m.heartbeatPeriod.Milliseconds()))
		if err := m.sdoDownload(slave.nodeId, entryHeartbeat, 0, heartbeat); err != nil {
			return 0, fmt.Errorf("failed to configure heartbeat of x%x : %w", slave.nodeId, err)
		}
	}
	m.logger.Infof("%v nodes found on %v", len(slaves), m.adapter)
	return len(slaves), nil
}

func (m *Master) Slave(position int) (master.Slave, error) {
	return m.slave(position)
}

// Node at position, for inspection
func (m *Master) Node(position int) (*Slave, error) {
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

// There are no distributed clocks on CAN, the master SYNC
// is the time reference
func (m *Master) ConfigureDC() error {
	if _, err := m.discovered(); err != nil {
		return err
	}
	m.logger.Debug("no distributed clocks, using SYNC")
	return nil
}

// Run the hooks then translate the assigned mappings into
// synchronous PDOs
func (m *Master) ConfigureMap() error {
	slaves, err := m.discovered()
	if err != nil {
		return err
	}
	outputSize, inputSize := 0, 0
	fresh := make(map[uint32]bool)
	for _, slave := range slaves {
		if hook := slave.preOpHook(); hook != nil {
			if err := hook(slave.position); err != nil {
				return err
			}
		}
		if err := slave.applyMapping(); err != nil {
			return err
		}
		for _, tpdo := range slave.tpdoGroups() {
			fresh[tpdo.cobId] = false
		}
		outputSize += slave.OutputSize()
		inputSize += slave.InputSize()
	}
	m.mu.Lock()
	m.fresh = fresh
	m.received = make(map[uint32][8]byte, len(fresh))
	m.mu.Unlock()
	m.logger.Infof("process data mapped, %v bytes outputs, %v bytes inputs", outputSize, inputSize)
	return nil
}

// Request a state for all nodes, this blocks until all nodes
// have reported it in their heartbeat or timeout
func (m *Master) RequestState(target master.ALState, timeout time.Duration) (master.StateReport, error) {
	slaves, err := m.discovered()
	if err != nil {
		return master.StateReport{}, err
	}
	var command, expected uint8
	switch target {
	case master.StateInit:
		command, expected = nmtEnterStopped, nmtStateStopped
	case master.StatePreOperational, master.StateSafeOperational:
		command, expected = nmtEnterPreOperational, nmtStatePreOperational
	case master.StateOperational:
		command, expected = nmtEnterOperational, nmtStateOperational
	default:
		report := master.StateReport{ALStatusCode: master.ALStatusBootstrapNotSupported}
		if len(slaves) > 0 {
			report.Actual = slaves[0].State()
		}
		return report, nil
	}
	// Going operational keeps the safe-operational marker, a refused
	// transition is then reported as safe-operational
	if target != master.StateOperational {
		for _, slave := range slaves {
			slave.setSafeOperational(target == master.StateSafeOperational)
		}
	}
	m.logger.Debugf("requesting %v", target)
	if err := m.sendNmt(command, 0); err != nil {
		return master.StateReport{}, err
	}
	deadline := time.Now().Add(timeout)
	for {
		report := master.StateReport{Actual: target}
		reached := true
		for _, slave := range slaves {
			if slave.nmtState() != expected {
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

// Send the RPDOs of every node then a SYNC and wait for all TPDOs.
// Each node gets its own sub-range of the buffers in node id order.
func (m *Master) TransmitReceive(output []byte, input []byte, timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	slaves := m.slaves
	for id := range m.fresh {
		m.fresh[id] = false
	}
	m.mu.Unlock()
	select {
	case <-m.rxNotify:
	default:
	}

	outputOffset := 0
	for _, slave := range slaves {
		outputs := window(output, outputOffset, slave.OutputSize())
		for _, rpdo := range slave.rpdoGroups() {
			frame := can.NewFrame(rpdo.cobId, 0, uint8(rpdo.size))
			copy(frame.Data[:rpdo.size], window(outputs, rpdo.offset, rpdo.size))
			if err := m.send(frame); err != nil {
				return err
			}
		}
		outputOffset += slave.OutputSize()
	}
	if err := m.send(can.NewFrame(idSync, 0, 0)); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !m.allReceived() {
		select {
		case <-m.rxNotify:
		case <-timer.C:
			return servo.ErrReceiveTimeout
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inputOffset := 0
	for _, slave := range slaves {
		inputs := window(input, inputOffset, slave.InputSize())
		for _, tpdo := range slave.tpdoGroups() {
			data := m.received[tpdo.cobId]
			copy(window(inputs, tpdo.offset, tpdo.size), data[:tpdo.size])
		}
		inputOffset += slave.InputSize()
	}
	return nil
}

func (m *Master) allReceived() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fresh := range m.fresh {
		if !fresh {
			return false
		}
	}
	return true
}

func (m *Master) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()
	m.logger.Infof("closed %v", m.adapter)
	return m.bus.Disconnect()
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
