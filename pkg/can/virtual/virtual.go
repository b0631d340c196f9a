package virtual

import (
	"errors"
	"sync"

	"github.com/samsamfire/goservo/pkg/can"
)

// In process CAN bus primarily used for testing.
// Buses created on the same channel name see each other's frames.
// Frames are delivered synchronously from Send.

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

var ErrNotConnected = errors.New("error : no active connection, abort send")

type channel struct {
	mu    sync.Mutex
	buses map[*Bus]struct{}
}

var (
	channelsMu sync.Mutex
	channels   = make(map[string]*channel)
)

func getChannel(name string) *channel {
	channelsMu.Lock()
	defer channelsMu.Unlock()
	c, ok := channels[name]
	if !ok {
		c = &channel{buses: make(map[*Bus]struct{})}
		channels[name] = c
	}
	return c
}

type Bus struct {
	mu           sync.Mutex
	channel      string
	connected    bool
	receiveOwn   bool
	framehandler can.FrameListener
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	if channel == "" {
		return nil, errors.New("no channel specified")
	}
	return &Bus{channel: channel}, nil
}

// "Connect" to the channel
func (b *Bus) Connect(...any) error {
	c := getChannel(b.channel)
	c.mu.Lock()
	c.buses[b] = struct{}{}
	c.mu.Unlock()
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// "Disconnect" from the channel
func (b *Bus) Disconnect() error {
	c := getChannel(b.channel)
	c.mu.Lock()
	delete(c.buses, b)
	c.mu.Unlock()
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	c := getChannel(b.channel)
	c.mu.Lock()
	receivers := make([]*Bus, 0, len(c.buses))
	for bus := range c.buses {
		if bus != b || b.receiveOwn {
			receivers = append(receivers, bus)
		}
	}
	c.mu.Unlock()
	// Handlers may send in turn, no lock is held here
	for _, bus := range receivers {
		bus.handle(frame)
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

func (b *Bus) handle(frame can.Frame) {
	b.mu.Lock()
	handler := b.framehandler
	b.mu.Unlock()
	if handler != nil {
		handler.Handle(frame)
	}
}

func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
