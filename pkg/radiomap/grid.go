package radiomap

import (
	"fmt"
	"math"
)

const earthRadiusM = 6371000.0

// TileID maps a coordinate onto the ~111m training grid by rounding
// to three decimal places.
func TileID(lat, lon float64) string {
	return fmt.Sprintf("%d_%d", int64(math.Round(lat*1000)), int64(math.Round(lon*1000)))
}

// HaversineM returns the great-circle distance between two points in
// meters.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}
