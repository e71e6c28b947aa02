package model

import "fmt"

func errHour(field string, v int) error {
	return fmt.Errorf("model: %s must be in [0,23], got %d", field, v)
}

func errNegative(what string) error {
	return fmt.Errorf("model: %s must be non-negative", what)
}
