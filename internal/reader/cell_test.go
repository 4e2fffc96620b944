package reader

import (
	"errors"
	"testing"
	"time"
)

func cell(v string) Cell {
	return Cell{raw: v, coord: Coordinate{File: "f.csv", Record: 3, Line: 4}, column: 0, name: "col"}
}

func TestCell_Date(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
		wantErr   bool
		want      time.Time
	}{
		{"", false, false, time.Time{}},
		{"   ", false, false, time.Time{}},
		{"2024-03-15", true, false, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"15/03/2024", true, false, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"5/3/2024", true, false, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"20240315", true, false, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"15-Mar-2024", true, false, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"15/03/85", true, false, time.Date(1985, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"15/03/05", true, false, time.Date(2005, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"15/03/60", true, false, time.Date(1960, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"15-Mar-60", true, false, time.Date(1960, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"not a date", false, true, time.Time{}},
		{"31/02/2024", false, true, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cell(tt.input).Date()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Date(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidValue) {
				t.Errorf("Date(%q) error = %v, want ErrInvalidValue", tt.input, err)
			}
			if got.Valid != tt.wantValid {
				t.Errorf("Date(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if tt.wantValid && !got.Time.Equal(tt.want) {
				t.Errorf("Date(%q) = %v, want %v", tt.input, got.Time, tt.want)
			}
		})
	}
}

func TestCell_DateTime(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2024-03-15 10:30:00", time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)},
		{"2024-03-15T10:30:00", time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)},
		{"15/03/2024 10:30", time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)},
		{"15/03/2024", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cell(tt.input).DateTime()
			if err != nil {
				t.Fatalf("DateTime(%q) error = %v", tt.input, err)
			}
			if !got.Valid || !got.Time.Equal(tt.want) {
				t.Errorf("DateTime(%q) = %v, want %v", tt.input, got.Time, tt.want)
			}
		})
	}

	if _, err := cell("yesterday").DateTime(); err == nil {
		t.Error("DateTime(\"yesterday\") expected error")
	}
}

func TestCell_Bool(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
		wantBool  bool
		wantErr   bool
	}{
		{"", false, false, false},
		{"true", true, true, false},
		{"Y", true, true, false},
		{"1", true, true, false},
		{"false", true, false, false},
		{"no", true, false, false},
		{"0", true, false, false},
		{"maybe", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cell(tt.input).Bool()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Bool(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got.Valid != tt.wantValid || got.Bool != tt.wantBool {
				t.Errorf("Bool(%q) = {%v %v}, want {%v %v}", tt.input, got.Bool, got.Valid, tt.wantBool, tt.wantValid)
			}
		})
	}
}

func TestCell_Numeric(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
		wantErr   bool
	}{
		{"", false, false},
		{"42", true, false},
		{"-3.5", true, false},
		{"1,234.50", true, false},
		{"12abc", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cell(tt.input).Numeric()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Numeric(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got.Valid != tt.wantValid {
				t.Errorf("Numeric(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
		})
	}
}

func TestCell_IntAndText(t *testing.T) {
	i, err := cell(" 17 ").Int()
	if err != nil || !i.Valid || i.Int64 != 17 {
		t.Errorf("Int(\" 17 \") = %v, %v; want 17", i, err)
	}
	zero, err := cell("0").Int()
	if err != nil || !zero.Valid || zero.Int64 != 0 {
		t.Errorf("Int(\"0\") = %v, %v; want valid zero", zero, err)
	}
	if _, err := cell("1.5").Int(); err == nil {
		t.Error("Int(\"1.5\") expected error")
	}

	if txt := cell("  x ").Text(); !txt.Valid || txt.String != "x" {
		t.Errorf("Text() = %+v, want valid \"x\"", txt)
	}
	if txt := cell("").Text(); txt.Valid {
		t.Error("Text() of empty cell should not be valid")
	}
}
