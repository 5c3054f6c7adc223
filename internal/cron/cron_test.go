package cron

import (
	"reflect"
	"testing"
	"time"
)

func TestParse_FieldCount(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "* * * * * *", "0 9 * *"} {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) expected error", expr)
		}
	}
	if _, err := Parse("* * * * *"); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
}

func TestParse_Wildcard(t *testing.T) {
	expr, err := Parse("* * * * *")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := expr.Expand(FieldMinute); len(got) != 60 || got[0] != 0 || got[59] != 59 {
		t.Errorf("minute expansion = %v", got)
	}
	if got := expr.Expand(FieldDayOfMonth); len(got) != 31 || got[0] != 1 {
		t.Errorf("day-of-month expansion = %v", got)
	}
	for f := FieldMinute; f <= FieldDayOfWeek; f++ {
		if !expr.Wildcard(f) {
			t.Errorf("field %s should be wildcard", f)
		}
	}
}

func TestParse_Expansions(t *testing.T) {
	tests := []struct {
		expr  string
		field Field
		want  []int
	}{
		{"1,5,30 * * * *", FieldMinute, []int{1, 5, 30}},
		{"10-13 * * * *", FieldMinute, []int{10, 11, 12, 13}},
		{"*/15 * * * *", FieldMinute, []int{0, 15, 30, 45}},
		{"10-20/5 * * * *", FieldMinute, []int{10, 15, 20}},
		{"* * * jan,jul *", FieldMonth, []int{1, 7}},
		{"* * * * MON-FRI", FieldDayOfWeek, []int{1, 2, 3, 4, 5}},
		{"* * * * 0,6", FieldDayOfWeek, []int{0, 6}},
		{"5,5,5 * * * *", FieldMinute, []int{5}},
	}
	for _, tt := range tests {
		expr, err := Parse(tt.expr)
		if err != nil {
			t.Errorf("Parse(%q) error = %v", tt.expr, err)
			continue
		}
		if got := expr.Expand(tt.field); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Parse(%q).Expand(%s) = %v, want %v", tt.expr, tt.field, got, tt.want)
		}
	}
}

func TestParse_ErrorCodes(t *testing.T) {
	tests := []struct {
		expr string
		code ErrorCode
	}{
		{"60 * * * *", ErrOutOfRange},
		{"* 24 * * *", ErrOutOfRange},
		{"* * 0 * *", ErrOutOfRange},
		{"* * 32 * *", ErrOutOfRange},
		{"* * * 13 *", ErrOutOfRange},
		{"* * * * 7", ErrOutOfRange},
		{"abc * * * *", ErrInvalidFormat},
		{"1,,2 * * * *", ErrInvalidFormat},
		{"*/0 * * * *", ErrInvalidStep},
		{"*/x * * * *", ErrInvalidStep},
		{"5/2 * * * *", ErrInvalidStep},
		{"30-10 * * * *", ErrInvalidRange},
		{"10-70 * * * *", ErrOutOfRange},
	}
	for _, tt := range tests {
		_, err := Parse(tt.expr)
		if err == nil {
			t.Errorf("Parse(%q) expected error", tt.expr)
			continue
		}
		fe, ok := err.(*FieldError)
		if !ok {
			t.Errorf("Parse(%q) error type = %T", tt.expr, err)
			continue
		}
		if fe.Code != tt.code {
			t.Errorf("Parse(%q) code = %s, want %s", tt.expr, fe.Code, tt.code)
		}
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	errs := Validate("60 24 * * *")
	if len(errs) != 2 {
		t.Fatalf("Validate() returned %d errors, want 2", len(errs))
	}
	if errs[0].Field != FieldMinute || errs[1].Field != FieldHour {
		t.Errorf("unexpected fields: %v, %v", errs[0].Field, errs[1].Field)
	}
	if errs := Validate("* * * * *"); len(errs) != 0 {
		t.Errorf("Validate() on valid expression = %v", errs)
	}
}

func TestString_RoundTrip(t *testing.T) {
	for _, raw := range []string{"* * * * *", "0 9 * * *", "*/5 8-18 1,15 jan *"} {
		expr, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", raw, err)
		}
		again, err := Parse(expr.String())
		if err != nil {
			t.Fatalf("Parse(String()) error = %v", err)
		}
		for f := FieldMinute; f <= FieldDayOfWeek; f++ {
			if !reflect.DeepEqual(expr.Expand(f), again.Expand(f)) {
				t.Errorf("round trip of %q changed field %s", raw, f)
			}
		}
	}
}

func TestNext_DailyAcrossBoundary(t *testing.T) {
	expr, err := Parse("0 9 * * *")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	from := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	next, ok := expr.Next(from, time.UTC)
	if !ok {
		t.Fatal("expected a next fire")
	}
	want := time.Date(2024, 1, 16, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}

	times := expr.NextN(from, 3, time.UTC)
	if len(times) != 3 {
		t.Fatalf("NextN() returned %d times", len(times))
	}
	for i, ts := range times {
		if ts.Hour() != 9 || ts.Minute() != 0 {
			t.Errorf("NextN()[%d] = %v, want 09:00", i, ts)
		}
		if i > 0 && !times[i-1].Before(ts) {
			t.Errorf("NextN() not strictly increasing at %d", i)
		}
	}
}

func TestNext_StrictlyAfterFrom(t *testing.T) {
	expr, err := Parse("0 9 * * *")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	// from exactly at a fire time must advance to the next day
	from := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	next, ok := expr.Next(from, time.UTC)
	if !ok {
		t.Fatal("expected a next fire")
	}
	if next.Day() != 16 {
		t.Errorf("Next() = %v, want January 16", next)
	}
}

func TestNext_Timezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	expr, err := Parse("30 8 * * *")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	next, ok := expr.Next(from, loc)
	if !ok {
		t.Fatal("expected a next fire")
	}
	wall := next.In(loc)
	if wall.Hour() != 8 || wall.Minute() != 30 {
		t.Errorf("Next() wall clock = %v, want 08:30", wall)
	}
}

func TestNext_DayUnion(t *testing.T) {
	// Both day fields restricted: fire on the 15th OR on Mondays.
	expr, err := Parse("0 12 15 * 1")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	// Monday 2024-01-01 matches via day-of-week even though dom=15.
	from := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	next, ok := expr.Next(from, time.UTC)
	if !ok {
		t.Fatal("expected a next fire")
	}
	want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v (Monday)", next, want)
	}

	// 2024-01-15 is also a Monday; the next non-Monday union hit is via dom.
	from = time.Date(2024, 2, 6, 0, 0, 0, 0, time.UTC) // Tuesday
	next, ok = expr.Next(from, time.UTC)
	if !ok {
		t.Fatal("expected a next fire")
	}
	if next.Weekday() != time.Monday && next.Day() != 15 {
		t.Errorf("Next() = %v, matches neither day field", next)
	}
}

func TestNext_NoFire(t *testing.T) {
	expr, err := Parse("0 0 30 2 *")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, ok := expr.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC); ok {
		t.Error("February 30 should never fire")
	}
}

func TestNext_MonotonicAndMatching(t *testing.T) {
	exprs := []string{"* * * * *", "*/7 3 * * *", "0 9 * * 1-5", "15 6 1,15 * *", "0 0 29 2 *"}
	start := time.Date(2024, 3, 10, 11, 22, 0, 0, time.UTC)
	for _, raw := range exprs {
		expr, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", raw, err)
		}
		prev := start
		for i := 0; i < 20; i++ {
			next, ok := expr.Next(prev, time.UTC)
			if !ok {
				break
			}
			if !next.After(prev) {
				t.Fatalf("%q: Next(%v) = %v not strictly after", raw, prev, next)
			}
			if !expr.Matches(next, time.UTC) {
				t.Fatalf("%q: Next() result %v does not match", raw, next)
			}
			prev = next
		}
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"* * * * *", "every minute"},
		{"*/5 * * * *", "every 5 minutes"},
		{"0 9 * * *", "at 9:00"},
		{"30 14 * * 1-5", "at 14:30 on weekdays"},
		{"0 0 1 * *", "at 0:00 on day 1"},
		{"0 12 * 6 *", "at 12:00 in June"},
		{"0 8 * * 1", "at 8:00 on Monday"},
		{"0 * * * *", "every hour"},
	}
	for _, tt := range tests {
		expr, err := Parse(tt.expr)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tt.expr, err)
		}
		if got := expr.Describe(); got != tt.want {
			t.Errorf("Describe(%q) = %q, want %q", tt.expr, got, tt.want)
		}
	}
}
