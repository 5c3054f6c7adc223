// Package cron parses 5-field cron expressions and computes fire times
// in a named time zone.
//
// Field order is minute, hour, day-of-month, month, day-of-week. Fields
// accept wildcards, comma lists, ranges, steps, and three-letter names
// for months and weekdays. Day-of-week runs 0=Sunday through 6=Saturday.
package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// Field identifies one of the five cron fields.
type Field int

const (
	FieldMinute Field = iota
	FieldHour
	FieldDayOfMonth
	FieldMonth
	FieldDayOfWeek
)

var fieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// String returns the human-readable field name.
func (f Field) String() string {
	if f < FieldMinute || f > FieldDayOfWeek {
		return "unknown"
	}
	return fieldNames[f]
}

// ErrorCode classifies a field validation failure.
type ErrorCode string

const (
	ErrInvalidFormat ErrorCode = "INVALID_FORMAT"
	ErrOutOfRange    ErrorCode = "OUT_OF_RANGE"
	ErrInvalidStep   ErrorCode = "INVALID_STEP"
	ErrInvalidRange  ErrorCode = "INVALID_RANGE"
)

// FieldError describes why a single cron field failed validation.
type FieldError struct {
	Field Field
	Value string
	Code  ErrorCode
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("cron %s field %q: %s", e.Field, e.Value, e.Code)
}

type fieldSpec struct {
	min   int
	max   int
	names map[string]int
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

var fieldSpecs = [5]fieldSpec{
	{min: 0, max: 59},
	{min: 0, max: 23},
	{min: 1, max: 31},
	{min: 1, max: 12, names: monthNames},
	{min: 0, max: 6, names: dayNames},
}

// Expression is a parsed, validated cron expression.
type Expression struct {
	raw      [5]string
	sets     [5]uint64
	wildcard [5]bool
}

// Parse splits and validates a 5-field cron expression. It returns the
// first field error encountered.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression requires 5 fields, got %d", len(parts))
	}

	parsed := &Expression{}
	for i, part := range parts {
		set, wildcard, err := parseField(Field(i), part)
		if err != nil {
			return nil, err
		}
		parsed.raw[i] = part
		parsed.sets[i] = set
		parsed.wildcard[i] = wildcard
	}
	return parsed, nil
}

// Validate checks every field of the expression and returns all field
// errors. A wrong field count is reported as a single format error on
// the minute field.
func Validate(expr string) []*FieldError {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return []*FieldError{{Field: FieldMinute, Value: expr, Code: ErrInvalidFormat}}
	}

	var errs []*FieldError
	for i, part := range parts {
		if _, _, err := parseField(Field(i), part); err != nil {
			if fe, ok := err.(*FieldError); ok {
				errs = append(errs, fe)
			} else {
				errs = append(errs, &FieldError{Field: Field(i), Value: part, Code: ErrInvalidFormat})
			}
		}
	}
	return errs
}

// parseField expands one field into a bit set over its domain.
func parseField(field Field, value string) (uint64, bool, error) {
	spec := fieldSpecs[field]

	if value == "*" {
		return rangeMask(spec.min, spec.max, 1), true, nil
	}

	var set uint64
	for _, part := range strings.Split(value, ",") {
		if part == "" {
			return 0, false, &FieldError{Field: field, Value: value, Code: ErrInvalidFormat}
		}
		mask, err := parsePart(field, spec, part)
		if err != nil {
			return 0, false, err
		}
		set |= mask
	}
	return set, false, nil
}

func parsePart(field Field, spec fieldSpec, part string) (uint64, error) {
	base := part
	step := 1

	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		base = part[:idx]
		stepText := part[idx+1:]
		n, err := strconv.Atoi(stepText)
		if err != nil || n < 1 {
			return 0, &FieldError{Field: field, Value: part, Code: ErrInvalidStep}
		}
		step = n
		// A step base must be a wildcard or a range.
		if base != "*" && !strings.ContainsRune(base, '-') {
			return 0, &FieldError{Field: field, Value: part, Code: ErrInvalidStep}
		}
	}

	lo, hi := spec.min, spec.max
	switch {
	case base == "*":
		// full domain
	case strings.ContainsRune(base, '-'):
		bounds := strings.SplitN(base, "-", 2)
		a, okA := parseValue(spec, bounds[0])
		b, okB := parseValue(spec, bounds[1])
		if !okA || !okB {
			return 0, rangeBoundError(field, spec, part, bounds)
		}
		if a > b {
			return 0, &FieldError{Field: field, Value: part, Code: ErrInvalidRange}
		}
		if a < spec.min || b > spec.max {
			return 0, &FieldError{Field: field, Value: part, Code: ErrOutOfRange}
		}
		lo, hi = a, b
	default:
		v, ok := parseValue(spec, base)
		if !ok {
			return 0, &FieldError{Field: field, Value: part, Code: ErrInvalidFormat}
		}
		if v < spec.min || v > spec.max {
			return 0, &FieldError{Field: field, Value: part, Code: ErrOutOfRange}
		}
		lo, hi = v, v
	}

	return rangeMask(lo, hi, step), nil
}

// rangeBoundError distinguishes a malformed bound from a numeric bound
// outside the domain.
func rangeBoundError(field Field, spec fieldSpec, part string, bounds []string) *FieldError {
	for _, b := range bounds {
		if _, err := strconv.Atoi(b); err == nil {
			return &FieldError{Field: field, Value: part, Code: ErrOutOfRange}
		}
	}
	return &FieldError{Field: field, Value: part, Code: ErrInvalidFormat}
}

func parseValue(spec fieldSpec, text string) (int, bool) {
	if spec.names != nil {
		if v, ok := spec.names[strings.ToLower(text)]; ok {
			return v, true
		}
	}
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return v, true
}

func rangeMask(lo, hi, step int) uint64 {
	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}
	return mask
}

// Expand returns the sorted set of values the field matches.
func (e *Expression) Expand(field Field) []int {
	spec := fieldSpecs[field]
	set := e.sets[field]
	values := make([]int, 0, spec.max-spec.min+1)
	for v := spec.min; v <= spec.max; v++ {
		if set&(1<<uint(v)) != 0 {
			values = append(values, v)
		}
	}
	return values
}

// Wildcard reports whether the field was written as a bare wildcard.
func (e *Expression) Wildcard(field Field) bool {
	return e.wildcard[field]
}

func (e *Expression) contains(field Field, v int) bool {
	return e.sets[field]&(1<<uint(v)) != 0
}

// String re-joins the original fields.
func (e *Expression) String() string {
	return strings.Join(e.raw[:], " ")
}
