package mockbroker

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Kind classifies a signal.
type Kind uint8

const (
	// KindSensor values are produced by the vehicle. Providers may set
	// the current value.
	KindSensor Kind = iota

	// KindActuator values have a current and a target slot.
	KindActuator

	// KindAttribute values are static and read-only.
	KindAttribute
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSensor:
		return "sensor"
	case KindActuator:
		return "actuator"
	case KindAttribute:
		return "attribute"
	default:
		return "unknown"
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "sensor", "":
		return KindSensor, nil
	case "actuator":
		return KindActuator, nil
	case "attribute":
		return KindAttribute, nil
	}
	return 0, fmt.Errorf("unknown signal kind %q", s)
}

// Signal describes one node of the signal tree.
type Signal struct {
	Path    string
	Type    wire.DataType
	Kind    Kind
	Initial wire.Value
}

// catalogEntry is the YAML form of a Signal.
type catalogEntry struct {
	Path    string `yaml:"path"`
	Type    string `yaml:"type"`
	Kind    string `yaml:"kind"`
	Initial string `yaml:"initial"`
}

type catalogFile struct {
	Signals []catalogEntry `yaml:"signals"`
}

// LoadCatalog reads a signal catalog:
//
//	signals:
//	  - path: Vehicle.Speed
//	    type: float
//	    kind: sensor
//	    initial: "0"
func LoadCatalog(r io.Reader) ([]Signal, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("catalog is empty")
		}
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	signals := make([]Signal, 0, len(f.Signals))
	seen := make(map[string]bool, len(f.Signals))
	for i, e := range f.Signals {
		if e.Path == "" {
			return nil, fmt.Errorf("signal %d: missing path", i)
		}
		if seen[e.Path] {
			return nil, fmt.Errorf("signal %s: duplicate path", e.Path)
		}
		seen[e.Path] = true

		t, err := wire.ParseDataType(e.Type)
		if err != nil {
			return nil, fmt.Errorf("signal %s: %w", e.Path, err)
		}
		k, err := ParseKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("signal %s: %w", e.Path, err)
		}
		s := Signal{Path: e.Path, Type: t, Kind: k}
		if e.Initial != "" {
			if s.Initial, err = wire.ParseValue(t, e.Initial); err != nil {
				return nil, fmt.Errorf("signal %s: initial value: %w", e.Path, err)
			}
		}
		signals = append(signals, s)
	}
	return signals, nil
}

// LoadCatalogFile reads a signal catalog from path.
func LoadCatalogFile(path string) ([]Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadCatalog(f)
}

// DefaultCatalog returns a small vehicle signal tree.
func DefaultCatalog() []Signal {
	return []Signal{
		{Path: "Vehicle.Speed", Type: wire.TypeFloat, Kind: KindSensor, Initial: wire.FloatValue(0)},
		{Path: "Vehicle.TraveledDistance", Type: wire.TypeFloat, Kind: KindSensor},
		{Path: "Vehicle.Powertrain.TractionBattery.StateOfCharge.Current", Type: wire.TypeFloat, Kind: KindSensor},
		{Path: "Vehicle.Powertrain.Transmission.CurrentGear", Type: wire.TypeInt32, Kind: KindSensor},
		{Path: "Vehicle.Cabin.HVAC.AmbientAirTemperature", Type: wire.TypeFloat, Kind: KindSensor},
		{Path: "Vehicle.Cabin.HVAC.Station.Row1.Driver.Temperature", Type: wire.TypeInt32, Kind: KindActuator},
		{Path: "Vehicle.Cabin.Door.Row1.DriverSide.IsOpen", Type: wire.TypeBool, Kind: KindActuator, Initial: wire.BoolValue(false)},
		{Path: "Vehicle.Cabin.Door.Row1.PassengerSide.IsOpen", Type: wire.TypeBool, Kind: KindActuator, Initial: wire.BoolValue(false)},
		{Path: "Vehicle.Body.Lights.Beam.Low.IsOn", Type: wire.TypeBool, Kind: KindActuator, Initial: wire.BoolValue(false)},
		{Path: "Vehicle.CurrentLocation.Latitude", Type: wire.TypeDouble, Kind: KindSensor},
		{Path: "Vehicle.CurrentLocation.Longitude", Type: wire.TypeDouble, Kind: KindSensor},
		{Path: "Vehicle.VehicleIdentification.VIN", Type: wire.TypeString, Kind: KindAttribute, Initial: wire.StringValue("WVWZZZ1JZXW000001")},
		{Path: "Vehicle.OBD.DTCList", Type: wire.TypeStringArray, Kind: KindSensor},
	}
}
