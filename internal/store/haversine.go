package store

import "math"

const earthRadiusKM = 6371.0

// haversineKM returns the great-circle distance between two points in
// kilometers. The sqlite driver computes distances here; postgres does
// the same math in SQL.
func haversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Pow(math.Sin(dLng/2), 2)
	return earthRadiusKM * 2 * math.Asin(math.Sqrt(a))
}
