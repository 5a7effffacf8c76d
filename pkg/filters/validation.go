package filters

import (
	"fmt"
	"strings"
)

// ValidationError reports an inverted min/max pair
type ValidationError struct {
	Pair Pair
	Min  float64
	Max  float64
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s (%g) is greater than %s (%g)", e.Pair.Min, e.Min, e.Pair.Max, e.Max)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}
	msgs := make([]string, len(ve))
	for i, err := range ve {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid filter configuration: %s", strings.Join(msgs, "; "))
}

// Validate checks every known min/max pair. Pairs with an unset side are
// always valid.
func (c Config) Validate() error {
	var errs ValidationErrors
	for _, p := range pairs {
		lo, okLo := c.Get(p.Min).Float()
		hi, okHi := c.Get(p.Max).Float()
		if okLo && okHi && lo > hi {
			errs = append(errs, ValidationError{Pair: p, Min: lo, Max: hi})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
