// Package decoder implements the generic framing-consumer decoder contract:
// config resolution, process lifecycle, and a health-check restart
// supervisor.
//
// Generalizes a WSPR/FT8/FT4/JS8-specific jt9/wsprd invocation model into a
// mode-agnostic iq_in/audio_in -> frames_out/status_out contract.
package decoder

import "fmt"

// Framing enumerates the supported packet framings.
type Framing string

const (
	FramingAX25    Framing = "ax25"
	FramingUSP     Framing = "usp"
	FramingGeoscan Framing = "geoscan"
	FramingDoka    Framing = "doka"
)

// ConfigSource records which precedence tier produced a DecoderConfig.
type ConfigSource string

const (
	SourceManual             ConfigSource = "manual"
	SourceSatelliteConfig    ConfigSource = "satellite_config"
	SourceTransmitterMeta    ConfigSource = "transmitter_metadata"
	SourceSmartDefault       ConfigSource = "smart_default"
)

// Config is a fully resolved decoder configuration.
type Config struct {
	DecoderType      string
	Baudrate         float64
	Framing          Framing
	Deviation        float64
	AFCarrier        float64
	Differential     bool
	PacketSize       int
	TargetSampleRate float64
	Source           ConfigSource
}

// Equal reports whether two configs match on the fields that actually
// affect decoding (baudrate, framing, deviation, af_carrier, differential).
// TargetSampleRate/PacketSize/Source don't participate, so a config-change
// restart only fires on a change that actually affects decoding.
func (c Config) Equal(other Config) bool {
	return c.Baudrate == other.Baudrate &&
		c.Framing == other.Framing &&
		c.Deviation == other.Deviation &&
		c.AFCarrier == other.AFCarrier &&
		c.Differential == other.Differential
}

// Overrides is the manual-override tier, highest in the precedence list.
type Overrides struct {
	Baudrate     *float64
	Framing      *Framing
	Deviation    *float64
	AFCarrier    *float64
	Differential *bool
	PacketSize   *int
}

// SatelliteEntry is one row of the satellite-specific decoder table.
type SatelliteEntry struct {
	Baudrate     float64
	Framing      Framing
	Deviation    float64
	AFCarrier    float64
	Differential bool
	PacketSize   int
}

// TransmitterMeta is the transmitter-derived tier, typically sourced from a
// satellite database's transmitter record.
type TransmitterMeta struct {
	Baudrate  float64
	Framing   Framing
	Deviation float64
}

// smartDefaults maps a modulation name to a reasonable baudrate/framing
// default, used only when no more specific tier supplies a value.
var smartDefaults = map[string]Config{
	"afsk1200": {Baudrate: 1200, Framing: FramingAX25, Deviation: 3000, AFCarrier: 1700},
	"gmsk9600": {Baudrate: 9600, Framing: FramingAX25, Deviation: 5000},
	"bpsk1200": {Baudrate: 1200, Framing: FramingUSP, Deviation: 0},
}

const defaultDecoderModulation = "afsk1200"

// Resolve applies the precedence chain manual > satellite-specific >
// transmitter metadata > smart defaults. Any field left unset by a higher
// tier falls through to the next.
func Resolve(decoderType string, modulation string, sat *SatelliteEntry, tx *TransmitterMeta, overrides *Overrides, targetSampleRateHz float64) (Config, error) {
	def, ok := smartDefaults[modulation]
	if !ok {
		def, ok = smartDefaults[defaultDecoderModulation], true
	}
	if !ok {
		return Config{}, fmt.Errorf("decoder: no smart default available for modulation %q", modulation)
	}
	cfg := Config{
		DecoderType:      decoderType,
		Baudrate:         def.Baudrate,
		Framing:          def.Framing,
		Deviation:        def.Deviation,
		AFCarrier:        def.AFCarrier,
		TargetSampleRate: targetSampleRateHz,
		Source:           SourceSmartDefault,
	}

	if tx != nil {
		if tx.Baudrate != 0 {
			cfg.Baudrate = tx.Baudrate
		}
		if tx.Framing != "" {
			cfg.Framing = tx.Framing
		}
		if tx.Deviation != 0 {
			cfg.Deviation = tx.Deviation
		}
		cfg.Source = SourceTransmitterMeta
	}

	if sat != nil {
		if sat.Baudrate != 0 {
			cfg.Baudrate = sat.Baudrate
		}
		if sat.Framing != "" {
			cfg.Framing = sat.Framing
		}
		if sat.Deviation != 0 {
			cfg.Deviation = sat.Deviation
		}
		if sat.AFCarrier != 0 {
			cfg.AFCarrier = sat.AFCarrier
		}
		if sat.Differential {
			cfg.Differential = true
		}
		if sat.PacketSize != 0 {
			cfg.PacketSize = sat.PacketSize
		}
		cfg.Source = SourceSatelliteConfig
	}

	if overrides != nil {
		applied := false
		if overrides.Baudrate != nil {
			cfg.Baudrate = *overrides.Baudrate
			applied = true
		}
		if overrides.Framing != nil {
			cfg.Framing = *overrides.Framing
			applied = true
		}
		if overrides.Deviation != nil {
			cfg.Deviation = *overrides.Deviation
			applied = true
		}
		if overrides.AFCarrier != nil {
			cfg.AFCarrier = *overrides.AFCarrier
			applied = true
		}
		if overrides.Differential != nil {
			cfg.Differential = *overrides.Differential
			applied = true
		}
		if overrides.PacketSize != nil {
			cfg.PacketSize = *overrides.PacketSize
			applied = true
		}
		if applied {
			cfg.Source = SourceManual
		}
	}

	return cfg, nil
}
