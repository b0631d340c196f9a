package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	servo "github.com/samsamfire/goservo"
	"github.com/samsamfire/goservo/pkg/cia402"
	"github.com/samsamfire/goservo/pkg/pdo"
	"gopkg.in/ini.v1"
)

const (
	DefaultDriver         = "virtual"
	DefaultAdapter        = "eth0"
	DefaultCyclePeriod    = 10 * time.Millisecond
	DefaultReceiveTimeout = 2 * time.Millisecond
	DefaultStateTimeout   = 5 * time.Second
)

// Settings of a session
type Settings struct {
	Driver         string
	Adapter        string
	Slave          int
	CyclePeriod    time.Duration
	ReceiveTimeout time.Duration
	StateTimeout   time.Duration
	Timing         cia402.Timing
	Layout         *pdo.Layout
}

func DefaultSettings() Settings {
	return Settings{
		Driver:         DefaultDriver,
		Adapter:        DefaultAdapter,
		Slave:          0,
		CyclePeriod:    DefaultCyclePeriod,
		ReceiveTimeout: DefaultReceiveTimeout,
		StateTimeout:   DefaultStateTimeout,
		Timing:         cia402.DefaultTiming(),
		Layout:         cia402.DefaultLayout(),
	}
}

// Load settings from an ini file
// file can be either a path or []byte, as accepted by [ini.Load].
// Missing keys keep their default value.
//
//	[session]
//	driver = virtual
//	adapter = eth0
//
//	[timing]
//	cycle_period = 10ms
//
//	[RxPDO]
//	Mapping1 = 0x60400010
func LoadSettings(file any) (Settings, error) {
	settings := DefaultSettings()
	cfg, err := ini.Load(file)
	if err != nil {
		return settings, err
	}

	session := cfg.Section("session")
	settings.Driver = session.Key("driver").MustString(settings.Driver)
	settings.Adapter = session.Key("adapter").MustString(settings.Adapter)
	settings.Slave = session.Key("slave").MustInt(settings.Slave)

	timing := cfg.Section("timing")
	settings.CyclePeriod = timing.Key("cycle_period").MustDuration(settings.CyclePeriod)
	settings.ReceiveTimeout = timing.Key("receive_timeout").MustDuration(settings.ReceiveTimeout)
	settings.StateTimeout = timing.Key("state_timeout").MustDuration(settings.StateTimeout)
	settings.Timing.StateSettle = timing.Key("state_settle").MustDuration(settings.Timing.StateSettle)
	settings.Timing.MoveSettle = timing.Key("move_settle").MustDuration(settings.Timing.MoveSettle)

	if settings.CyclePeriod <= 0 || settings.ReceiveTimeout <= 0 || settings.StateTimeout <= 0 {
		return settings, errors.New("cycle period, receive timeout and state timeout should be positive")
	}

	// Optional layout override
	rx, errRx := cfg.GetSection("RxPDO")
	tx, errTx := cfg.GetSection("TxPDO")
	if errRx != nil && errTx != nil {
		return settings, nil
	}
	if errRx != nil || errTx != nil {
		return settings, fmt.Errorf("%w : both [RxPDO] and [TxPDO] sections are needed", servo.ErrInvalidLayout)
	}
	outputs, err := parseMappings(rx)
	if err != nil {
		return settings, err
	}
	inputs, err := parseMappings(tx)
	if err != nil {
		return settings, err
	}
	settings.Layout, err = pdo.NewLayout(outputs, inputs)
	return settings, err
}

// Mappings are read in file order e.g. Mapping1 = 0x60400010
func parseMappings(section *ini.Section) ([]uint32, error) {
	mappings := make([]uint32, 0)
	for _, key := range section.Keys() {
		raw, err := strconv.ParseUint(key.String(), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("%w : [%v] %v : %v", servo.ErrInvalidLayout, section.Name(), key.Name(), err)
		}
		mappings = append(mappings, uint32(raw))
	}
	return mappings, nil
}
