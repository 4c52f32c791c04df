package controller

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Lars-Olof-Turesson/flowcal"
	"github.com/Lars-Olof-Turesson/flowcal/modbus"
	"github.com/Lars-Olof-Turesson/flowcal/simdrive"
	"github.com/Lars-Olof-Turesson/flowcal/telemetry"
	"github.com/Lars-Olof-Turesson/flowcal/twchart"
)

// Config has the runtime settings used to build a Controller. An empty SerialPort, or
// modbus.SerialPortNone, runs against the simulated drive.
type Config struct {
	SerialPort string        `yaml:"serial_port"`
	BaudRate   string        `yaml:"baud_rate"`
	SlaveID    int           `yaml:"slave_id"`
	WordOrder  string        `yaml:"word_order"`
	Timeout    time.Duration `yaml:"timeout"`

	CalibrationFile     string `yaml:"calibration_file"`
	MaxHomingIterations int    `yaml:"max_homing_iterations"`

	TWChartAddr string `yaml:"twchart_addr"`
	SessionName string `yaml:"session_name"`

	MQTTBroker string `yaml:"mqtt_broker"`
	MQTTTopic  string `yaml:"mqtt_topic"`
}

// DefaultConfig returns settings for the reference drive on the simulator
func DefaultConfig() Config {
	return Config{
		BaudRate:  "19200",
		SlaveID:   1,
		WordOrder: modbus.LowWordFirst.String(),
		Timeout:   500 * time.Millisecond,
		MQTTTopic: telemetry.DefaultTopic,
	}
}

// Simulated tells if the config selects the simulated drive
func (cfg Config) Simulated() bool {
	return cfg.SerialPort == "" || cfg.SerialPort == modbus.SerialPortNone
}

// LoadConfig reads a YAML config file over the defaults
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config: %w", err)
	}

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from FLOWCAL_* environment variables
func (cfg *Config) ApplyEnv() error {
	for name, dst := range map[string]*string{
		"FLOWCAL_SERIAL_PORT":  &cfg.SerialPort,
		"FLOWCAL_BAUD_RATE":    &cfg.BaudRate,
		"FLOWCAL_WORD_ORDER":   &cfg.WordOrder,
		"FLOWCAL_CALIBRATION":  &cfg.CalibrationFile,
		"FLOWCAL_TWCHART_ADDR": &cfg.TWChartAddr,
		"FLOWCAL_SESSION":      &cfg.SessionName,
		"FLOWCAL_MQTT_BROKER":  &cfg.MQTTBroker,
		"FLOWCAL_MQTT_TOPIC":   &cfg.MQTTTopic,
	} {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	var errs []error
	if v, ok := os.LookupEnv("FLOWCAL_SLAVE_ID"); ok {
		id, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FLOWCAL_SLAVE_ID: %w", err))
		}
		cfg.SlaveID = id
	}
	if v, ok := os.LookupEnv("FLOWCAL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FLOWCAL_TIMEOUT: %w", err))
		}
		cfg.Timeout = d
	}
	if v, ok := os.LookupEnv("FLOWCAL_MAX_HOMING_ITERATIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FLOWCAL_MAX_HOMING_ITERATIONS: %w", err))
		}
		cfg.MaxHomingIterations = n
	}

	return errors.Join(errs...)
}

// ModbusConfig converts the serial settings
func (cfg Config) ModbusConfig() (modbus.Config, error) {
	mc := modbus.DefaultConfig(cfg.SerialPort)

	if cfg.BaudRate != "" {
		baud, err := strconv.Atoi(cfg.BaudRate)
		if err != nil || baud <= 0 {
			return modbus.Config{}, fmt.Errorf("invalid baud rate %q", cfg.BaudRate)
		}
		mc.BaudRate = baud
	}

	if cfg.SlaveID != 0 {
		if cfg.SlaveID < 1 || cfg.SlaveID > 247 {
			return modbus.Config{}, fmt.Errorf("invalid slave id %d", cfg.SlaveID)
		}
		mc.SlaveID = byte(cfg.SlaveID)
	}

	if cfg.Timeout > 0 {
		mc.Timeout = cfg.Timeout
	}

	wo, err := modbus.ParseWordOrder(cfg.WordOrder)
	if err != nil {
		return modbus.Config{}, err
	}
	mc.WordOrder = wo

	return mc, nil
}

// NewFromConfig opens the drive, or the simulator, and creates a Controller with the journal and
// publisher the config asks for
func NewFromConfig(cfg Config, logger *zap.SugaredLogger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cal, err := flowcal.LoadCalibration(cfg.CalibrationFile)
	if err != nil {
		return nil, err
	}

	order, err := modbus.ParseWordOrder(cfg.WordOrder)
	if err != nil {
		return nil, err
	}
	registers := flowcal.DefaultRegisterMap()
	registers.WordOrder = order

	var transport modbus.Transport
	if cfg.Simulated() {
		logger.Infow("using simulated drive", "word_order", order)
		simCfg := simdrive.DefaultConfig()
		simCfg.Calibration = cal
		simCfg.Registers = registers
		simCfg.Piston = cal.HomePosition + 2
		transport = simdrive.New(simCfg, flowcal.SystemClock{}, logger)
	} else {
		mc, err := cfg.ModbusConfig()
		if err != nil {
			return nil, err
		}
		client, err := modbus.Open(mc, logger)
		if err != nil {
			return nil, fmt.Errorf("error opening drive: %w", err)
		}
		transport = client
	}

	c, err := New(transport, cal, logger)
	if err != nil {
		return nil, multierr.Append(err, transport.Close())
	}
	c.SetRegisterMap(registers)
	c.SetHomingLimit(cfg.MaxHomingIterations)

	if cfg.TWChartAddr != "" {
		c.SetJournal(twchart.NewClient(cfg.TWChartAddr), cfg.SessionName)
	}

	if cfg.MQTTBroker != "" {
		publisher, err := telemetry.Connect(telemetry.Config{
			Broker: cfg.MQTTBroker,
			Topic:  cfg.MQTTTopic,
		}, logger)
		if err != nil {
			return nil, multierr.Append(err, c.Close())
		}
		c.SetPublisher(publisher)
	}

	return c, nil
}

// NewFromEnv loads the config file named by FLOWCAL_CONFIG, applies environment overrides and creates
// a Controller
func NewFromEnv(logger *zap.SugaredLogger) (*Controller, error) {
	cfg, err := LoadConfig(os.Getenv("FLOWCAL_CONFIG"))
	if err != nil {
		return nil, err
	}

	err = cfg.ApplyEnv()
	if err != nil {
		return nil, err
	}

	return NewFromConfig(cfg, logger)
}
