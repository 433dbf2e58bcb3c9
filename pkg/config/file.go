package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pneumalabs/spiro/pkg/breath"
	"github.com/pneumalabs/spiro/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		DeadZone:            ptr.To(breath.DefaultDeadZone),
		TickIntervalMillis:  ptr.To(100),
		RetryIntervalMillis: ptr.To(2000),
		CalibrationSamples:  ptr.To(50),
		AllowNonRootAccess:  ptr.To(false),
		// An empty schedule disables automatic calibration. Users opt in
		// with a cron expression, e.g. "0 7 * * *".
		Schedule:   ptr.To(""),
		MQTTBroker: ptr.To(""),
		MQTTTopic:  ptr.To("spiro/breath"),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = defaultFileConfig
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	DeadZone            *float64 `json:"deadZone,omitempty"`
	TickIntervalMillis  *int     `json:"tickIntervalMillis,omitempty"`
	RetryIntervalMillis *int     `json:"retryIntervalMillis,omitempty"`
	CalibrationSamples  *int     `json:"calibrationSamples,omitempty"`
	AllowNonRootAccess  *bool    `json:"allowNonRootAccess,omitempty"`
	Schedule            *string  `json:"schedule,omitempty"`
	MQTTBroker          *string  `json:"mqttBroker,omitempty"`
	MQTTTopic           *string  `json:"mqttTopic,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		DeadZone:            ptr.To(c.DeadZone()),
		TickIntervalMillis:  ptr.To(int(c.TickInterval() / time.Millisecond)),
		RetryIntervalMillis: ptr.To(int(c.RetryInterval() / time.Millisecond)),
		CalibrationSamples:  ptr.To(c.CalibrationSamples()),
		AllowNonRootAccess:  ptr.To(c.AllowNonRootAccess()),
		Schedule:            ptr.To(c.Schedule()),
		MQTTBroker:          ptr.To(c.MQTTBroker()),
		MQTTTopic:           ptr.To(c.MQTTTopic()),
	}

	return rawConfig, nil
}

func (f *File) DeadZone() float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var deadZone float64

	if f.c.DeadZone != nil {
		deadZone = *f.c.DeadZone
	} else {
		deadZone = *defaultFileConfig.DeadZone
	}

	return deadZone
}

func (f *File) TickInterval() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var millis int

	if f.c.TickIntervalMillis != nil {
		millis = *f.c.TickIntervalMillis
	} else {
		millis = *defaultFileConfig.TickIntervalMillis
	}

	return time.Duration(millis) * time.Millisecond
}

func (f *File) RetryInterval() time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var millis int

	if f.c.RetryIntervalMillis != nil {
		millis = *f.c.RetryIntervalMillis
	} else {
		millis = *defaultFileConfig.RetryIntervalMillis
	}

	return time.Duration(millis) * time.Millisecond
}

func (f *File) CalibrationSamples() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var samples int

	if f.c.CalibrationSamples != nil {
		samples = *f.c.CalibrationSamples
	} else {
		samples = *defaultFileConfig.CalibrationSamples
	}

	return samples
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var allowNonRootAccess bool

	if f.c.AllowNonRootAccess != nil {
		allowNonRootAccess = *f.c.AllowNonRootAccess
	} else {
		allowNonRootAccess = *defaultFileConfig.AllowNonRootAccess
	}

	return allowNonRootAccess
}

func (f *File) Schedule() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var schedule string

	if f.c.Schedule != nil {
		schedule = *f.c.Schedule
	} else {
		schedule = *defaultFileConfig.Schedule
	}

	return schedule
}

func (f *File) MQTTBroker() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var broker string

	if f.c.MQTTBroker != nil {
		broker = *f.c.MQTTBroker
	} else {
		broker = *defaultFileConfig.MQTTBroker
	}

	return broker
}

func (f *File) MQTTTopic() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var topic string

	if f.c.MQTTTopic != nil {
		topic = *f.c.MQTTTopic
	} else {
		topic = *defaultFileConfig.MQTTTopic
	}

	return topic
}

func (f *File) SetDeadZone(v float64) {
	if f.c == nil {
		panic("config is nil")
	}

	if v < 0 || v >= 1 {
		panic("dead zone must be in [0, 1)")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.DeadZone = &v
}

func (f *File) SetSchedule(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Schedule = &s
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}
	configString := string(b)

	if strings.TrimSpace(configString) == "" {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"deadZone":           f.DeadZone(),
		"tickInterval":       f.TickInterval().String(),
		"retryInterval":      f.RetryInterval().String(),
		"calibrationSamples": f.CalibrationSamples(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
		"schedule":           f.Schedule(),
		"mqttBroker":         f.MQTTBroker(),
		"mqttTopic":          f.MQTTTopic(),
	}
}
