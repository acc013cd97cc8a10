package radiomap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"fieldtrack-api/pkg/ontology"
)

func TestHashIdent(t *testing.T) {
	h := HashIdent("aa:bb:cc:dd:ee:ff")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashIdent("AA:BB:CC:DD:EE:FF"), "hashing is case-insensitive")

	// A value that already looks like a digest passes through.
	pre := strings.Repeat("ab", 32)
	assert.Equal(t, pre, HashIdent(pre))

	assert.Equal(t, "", HashIdent("  "))
}

func TestSanitizeWifiDedupAndTruncate(t *testing.T) {
	obs := []ontology.WifiObservation{
		{BSSIDHash: "ap-1", RSSI: -70},
		{BSSIDHash: "ap-1", RSSI: -55}, // duplicate, stronger
		{BSSIDHash: "ap-2", RSSI: -80},
		{BSSIDHash: "ap-3", RSSI: -60},
		{BSSIDHash: "", RSSI: -30}, // no identifier
	}

	vec := SanitizeWifi(obs, 2)
	assert.Len(t, vec, 2)
	assert.Equal(t, HashIdent("ap-1"), vec[0].H, "strongest AP first after dedup")
	assert.Equal(t, -55.0, vec[0].S)
	assert.Equal(t, HashIdent("ap-3"), vec[1].H)
}

func TestSanitizeCells(t *testing.T) {
	obs := []ontology.CellObservation{
		{KeyHash: "262:1:100:4501", DBm: -95},
		{KeyHash: "262:1:100:4502", DBm: -85},
	}
	vec := SanitizeCells(obs, CellTopK)
	assert.Len(t, vec, 2)
	assert.Equal(t, -85.0, vec[0].S)
}

func TestTileID(t *testing.T) {
	assert.Equal(t, "52520_13405", TileID(52.5200, 13.4050))
	assert.Equal(t, TileID(52.52001, 13.40501), TileID(52.52049, 13.40549), "points inside one tile share an id")
	assert.NotEqual(t, TileID(52.520, 13.405), TileID(52.521, 13.405))
	assert.Equal(t, "-33869_151209", TileID(-33.8688, 151.2093))
}

func TestHaversineM(t *testing.T) {
	assert.InDelta(t, 0, HaversineM(52.52, 13.405, 52.52, 13.405), 1e-9)
	// One thousandth of a degree of latitude is ~111m.
	assert.InDelta(t, 111.2, HaversineM(52.520, 13.405, 52.521, 13.405), 1.0)
}
