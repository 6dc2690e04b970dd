package config

import "fmt"

func errRequired(field string) error {
	return fmt.Errorf("config: %s is required", field)
}

func errFloor(field string, min int) error {
	return fmt.Errorf("config: %s must be >= %d", field, min)
}
