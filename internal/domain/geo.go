package domain

import (
	"fmt"
	"math"
)

// EarthRadiusKm — средний радиус Земли, используемый в формуле гаверсинуса.
const EarthRadiusKm = 6371.0

// Coordinate — точка на поверхности Земли в градусах.
type Coordinate struct {
	Lat float64
	Lng float64
}

// Validate проверяет диапазоны широты и долготы.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return fmt.Errorf("%w: coordinate is NaN", ErrInvalidAddress)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %.6f out of range", ErrInvalidAddress, c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %.6f out of range", ErrInvalidAddress, c.Lng)
	}
	return nil
}

// Distance возвращает расстояние по большой окружности между точками в километрах.
func Distance(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Ошибки округления могут дать h чуть больше 1 для антиподов.
	h = math.Min(1, h)

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
