package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrecedenceSmartDefaultOnly(t *testing.T) {
	cfg, err := Resolve("generic", "afsk1200", nil, nil, nil, 48000)
	require.NoError(t, err)
	assert.Equal(t, SourceSmartDefault, cfg.Source)
	assert.Equal(t, 1200.0, cfg.Baudrate)
	assert.Equal(t, FramingAX25, cfg.Framing)
}

func TestResolvePrecedenceTransmitterOverridesDefault(t *testing.T) {
	tx := &TransmitterMeta{Baudrate: 4800, Framing: FramingUSP}
	cfg, err := Resolve("generic", "afsk1200", nil, tx, nil, 48000)
	require.NoError(t, err)
	assert.Equal(t, SourceTransmitterMeta, cfg.Source)
	assert.Equal(t, 4800.0, cfg.Baudrate)
	assert.Equal(t, FramingUSP, cfg.Framing)
}

func TestResolvePrecedenceSatelliteOverridesTransmitter(t *testing.T) {
	tx := &TransmitterMeta{Baudrate: 4800, Framing: FramingUSP}
	sat := &SatelliteEntry{Baudrate: 9600, Framing: FramingGeoscan, Differential: true}
	cfg, err := Resolve("generic", "afsk1200", sat, tx, nil, 48000)
	require.NoError(t, err)
	assert.Equal(t, SourceSatelliteConfig, cfg.Source)
	assert.Equal(t, 9600.0, cfg.Baudrate)
	assert.Equal(t, FramingGeoscan, cfg.Framing)
	assert.True(t, cfg.Differential)
}

func TestResolvePrecedenceManualOverridesEverything(t *testing.T) {
	sat := &SatelliteEntry{Baudrate: 9600, Framing: FramingGeoscan}
	baud := 2400.0
	cfg, err := Resolve("generic", "afsk1200", sat, nil, &Overrides{Baudrate: &baud}, 48000)
	require.NoError(t, err)
	assert.Equal(t, SourceManual, cfg.Source)
	assert.Equal(t, 2400.0, cfg.Baudrate)
	assert.Equal(t, FramingGeoscan, cfg.Framing) // satellite tier still supplies the rest
}

func TestConfigEqualityIgnoresNonDecodingFields(t *testing.T) {
	a := Config{Baudrate: 1200, Framing: FramingAX25, Deviation: 3000, AFCarrier: 1700, TargetSampleRate: 48000, Source: SourceSmartDefault}
	b := Config{Baudrate: 1200, Framing: FramingAX25, Deviation: 3000, AFCarrier: 1700, TargetSampleRate: 96000, Source: SourceManual}
	assert.True(t, a.Equal(b))

	c := b
	c.Baudrate = 9600
	assert.False(t, a.Equal(c))
}
