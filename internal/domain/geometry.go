package domain

import "fmt"

func (p Position) Validate(field string) error {
	if p.Lat < -90 || p.Lat > 90 {
		return ValidationError{Field: field, Reason: fmt.Sprintf("latitude %v out of range", p.Lat)}
	}
	if p.Lon < -180 || p.Lon > 180 {
		return ValidationError{Field: field, Reason: fmt.Sprintf("longitude %v out of range", p.Lon)}
	}
	return nil
}

// ValidateGeometry checks the point and the shape allowed for kind.
func ValidateGeometry(kind Kind, pos Position, polygon, polyline []Position) error {
	if err := pos.Validate("position"); err != nil {
		return err
	}
	if len(polygon) > 0 {
		if !kind.Area() {
			return ValidationError{Field: "polygon", Reason: fmt.Sprintf("not allowed for %s", kind)}
		}
		if len(polygon) < 3 {
			return ValidationError{Field: "polygon", Reason: "needs at least 3 vertices"}
		}
		for i, v := range polygon {
			if err := v.Validate(fmt.Sprintf("polygon[%d]", i)); err != nil {
				return err
			}
		}
	}
	if len(polyline) > 0 {
		if !kind.Linear() {
			return ValidationError{Field: "polyline", Reason: fmt.Sprintf("not allowed for %s", kind)}
		}
		if len(polyline) < 2 {
			return ValidationError{Field: "polyline", Reason: "needs at least 2 points"}
		}
		for i, v := range polyline {
			if err := v.Validate(fmt.Sprintf("polyline[%d]", i)); err != nil {
				return err
			}
		}
	}
	return nil
}
