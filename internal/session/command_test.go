package session

import (
	"reflect"
	"strings"
	"testing"
)

func TestDedent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"already flush", "a\nb", []string{"a", "b"}},
		{"common indent", "\n    if x:\n        y()\n    z()\n", []string{"if x:", "    y()", "z()"}},
		{"blank lines inside kept", "  a\n\n  b", []string{"a", "", "b"}},
		{"crlf", "  a\r\n  b\r\n", []string{"a", "b"}},
		{"tabs", "\ta\n\tb", []string{"a", "b"}},
		{"empty", "\n\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dedent(tt.in)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("dedent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNeedsPaste(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"print(1)", false},
		{"for i in range(3):", true},
		{"x = 1 + \\", true},
		{"a\nb", true},
		{"d = {'k': 1}", false},
	}
	for _, tt := range tests {
		if got := needsPaste(tt.in); got != tt.want {
			t.Errorf("needsPaste(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsValueLine(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"x", true},
		{"machine.freq", true},
		{"1+1", true},
		{"sensor.read()", true},
		{"[i for i in range(3)]", true},
		{"x = 1", false},
		{"a; b", false},
		{"  indented()", false},
		{"# comment", false},
		{"pass", false},
		{"import os", false},
		{"return x", false},
		{"else:", false},
		{"@micropython.native", false},
	}
	for _, tt := range tests {
		if got := isValueLine(tt.in); got != tt.want {
			t.Errorf("isValueLine(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEvalProgram(t *testing.T) {
	lines, want := evalProgram("x = 2\nx*3", "abc")
	if !want {
		t.Fatal("wantValue = false, want true")
	}
	if lines[0] != "x = 2" || lines[1] != "__mr_v=(x*3)" {
		t.Errorf("program head = %q", lines[:2])
	}
	joined := strings.Join(lines, "\n")
	if strings.Contains(joined, valueStartMark+"abc") {
		t.Error("start marker appears verbatim in the program, its echo would match")
	}
	if !strings.Contains(joined, "'"+valueStartMark+"'+'abc"+markSuffix+"'") {
		t.Errorf("program has no split start marker:\n%s", joined)
	}

	lines, want = evalProgram("x = 2", "abc")
	if want || !reflect.DeepEqual(lines, []string{"x = 2"}) {
		t.Errorf("evalProgram(statement) = %q, %v", lines, want)
	}
}

func TestEvalProgramContinuedLastLine(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		wantValue bool
	}{
		{"closing bracket", "x = [\n    1,\n]", false},
		{"closing call", "print(\n    1)", false},
		{"dict literal", "{\n 'a': 1,\n }", false},
		{"after triple-quoted string", "s = \"\"\"a\nb\"\"\"\ns", true},
		{"inside triple-quoted string", "s = '''a\nb'''", false},
		{"backslash continuation", "x = 1 + \\\n2", false},
		{"bracket in string", "s = '('\ns", true},
		{"bracket in comment", "x = 1  # (\nx", true},
		{"balanced brackets", "x = [1,\n 2]\nlen(x)", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, want := evalProgram(tt.code, "id")
			if want != tt.wantValue {
				t.Errorf("evalProgram(%q) wantValue = %v, want %v", tt.code, want, tt.wantValue)
			}
			for _, l := range lines {
				if strings.HasPrefix(l, evalValueVar+"=(") && !tt.wantValue {
					t.Errorf("evalProgram(%q) wrapped a continued line: %q", tt.code, l)
				}
			}
		})
	}
}
