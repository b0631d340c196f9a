package canopen

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/samsamfire/goservo/pkg/can"
	"github.com/samsamfire/goservo/pkg/can/virtual"
	"github.com/samsamfire/goservo/pkg/master"
	"github.com/stretchr/testify/require"
)

// Minimal CANopen node : NMT, expedited SDO download and synchronous PDOs
type testNode struct {
	mu        sync.Mutex
	bus       *virtual.Bus
	id        uint8
	state     uint8
	od        map[uint32][]byte
	aborts    map[uint32]master.SDOAbortCode
	writes    []string
	refuseOp  bool
	heartbeat bool
}

func newTestNode(t *testing.T, channel string, id uint8) *testNode {
	t.Helper()
	bus, err := can.NewBus("virtual", channel)
	require.Nil(t, err)
	node := &testNode{
		bus:       bus.(*virtual.Bus),
		id:        id,
		state:     nmtStatePreOperational,
		od:        make(map[uint32][]byte),
		aborts:    make(map[uint32]master.SDOAbortCode),
		heartbeat: true,
	}
	require.Nil(t, node.bus.Subscribe(node))
	require.Nil(t, node.bus.Connect())
	t.Cleanup(func() { node.bus.Disconnect() })
	return node
}

func (n *testNode) set(index uint16, subindex uint8, data ...byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.od[odKey(index, subindex)] = data
}

func (n *testNode) get(index uint16, subindex uint8) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.od[odKey(index, subindex)]
}

// Locked read of a value as uint32
func (n *testNode) u32(index uint16, subindex uint8) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value(index, subindex)
}

func (n *testNode) value(index uint16, subindex uint8) uint32 {
	raw := make([]byte, 4)
	copy(raw, n.od[odKey(index, subindex)])
	return binary.LittleEndian.Uint32(raw)
}

func (n *testNode) nmtState() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *testNode) sdoWrites() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.writes...)
}

func (n *testNode) Handle(frame can.Frame) {
	n.mu.Lock()
	out := n.process(frame)
	n.mu.Unlock()
	for _, frame := range out {
		_ = n.bus.Send(frame)
	}
}

func (n *testNode) process(frame can.Frame) []can.Frame {
	switch {
	case frame.ID == idNmt:
		if frame.Data[1] != 0 && frame.Data[1] != n.id {
			return nil
		}
		switch frame.Data[0] {
		case nmtResetCommunication:
			n.state = nmtStatePreOperational
			return []can.Frame{n.heartbeatFrame(nmtStateInitializing)}
		case nmtEnterPreOperational:
			n.state = nmtStatePreOperational
		case nmtEnterOperational:
			if !n.refuseOp {
				n.state = nmtStateOperational
			}
		case nmtEnterStopped:
			n.state = nmtStateStopped
		}
		if !n.heartbeat {
			return nil
		}
		return []can.Frame{n.heartbeatFrame(n.state)}
	case frame.ID == idSdoServerRx+uint32(n.id):
		return []can.Frame{n.sdo(frame)}
	case frame.ID == idSync:
		return n.sync()
	default:
		n.rpdo(frame)
	}
	return nil
}

func (n *testNode) heartbeatFrame(state uint8) can.Frame {
	frame := can.NewFrame(idHeartbeat+uint32(n.id), 0, 1)
	frame.Data[0] = state
	return frame
}

func (n *testNode) sdo(request can.Frame) can.Frame {
	index := binary.LittleEndian.Uint16(request.Data[1:3])
	subindex := request.Data[3]
	response := can.NewFrame(idSdoServerTx+uint32(n.id), 0, 8)
	copy(response.Data[1:4], request.Data[1:4])
	if code, ok := n.aborts[odKey(index, subindex)]; ok {
		response.Data[0] = sdoAbort
		binary.LittleEndian.PutUint32(response.Data[4:], uint32(code))
		return response
	}
	size := 4 - int(request.Data[0]>>2&0x03)
	data := append([]byte{}, request.Data[4:4+size]...)
	n.od[odKey(index, subindex)] = data
	n.writes = append(n.writes, fmt.Sprintf("x%x:x%x=%x", index, subindex, data))
	response.Data[0] = sdoDownloadResponse
	return response
}

// Send every enabled TPDO, only when operational
func (n *testNode) sync() []can.Frame {
	if n.state != nmtStateOperational {
		return nil
	}
	frames := make([]can.Frame, 0)
	for i := uint16(0); i < nbPdoPerNode; i++ {
		cobId := n.value(entryTpdoComm+i, 1)
		if cobId == 0 || cobId&cobIdInvalid != 0 {
			continue
		}
		frame := can.NewFrame(cobId, 0, 0)
		mapping := entryTpdoMapping + i
		for sub := uint8(1); sub <= uint8(n.value(mapping, 0)); sub++ {
			entry := n.value(mapping, sub)
			length := int(entry&0xFF) / 8
			raw := make([]byte, length)
			copy(raw, n.od[odKey(uint16(entry>>16), uint8(entry>>8))])
			copy(frame.Data[frame.DLC:], raw)
			frame.DLC += uint8(length)
		}
		frames = append(frames, frame)
	}
	return frames
}

// Unpack a received RPDO into the dictionary, only when operational
func (n *testNode) rpdo(frame can.Frame) {
	if n.state != nmtStateOperational {
		return
	}
	for i := uint16(0); i < nbPdoPerNode; i++ {
		cobId := n.value(entryRpdoComm+i, 1)
		if cobId == 0 || cobId&cobIdInvalid != 0 || cobId != frame.ID {
			continue
		}
		mapping := entryRpdoMapping + i
		offset := 0
		for sub := uint8(1); sub <= uint8(n.value(mapping, 0)); sub++ {
			entry := n.value(mapping, sub)
			length := int(entry&0xFF) / 8
			n.od[odKey(uint16(entry>>16), uint8(entry>>8))] = append([]byte{}, frame.Data[offset:offset+length]...)
			offset += length
		}
	}
}
