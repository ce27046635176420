package fakedevice

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	evalAssign  = regexp.MustCompile(`^__mr_v=\((.*)\)$`)
	openCall    = regexp.MustCompile(`^__mr_f=open\((.*),'wb'\)$`)
	writeCall   = regexp.MustCompile(`^__mr_f\.write\((.*)\)$`)
	printCall   = regexp.MustCompile(`^print\((.*)\)$`)
	decimalLit  = regexp.MustCompile(`^bytes\(\[([0-9,]*)\]\)$`)
	hexLit      = regexp.MustCompile(`^bytes\.fromhex\('([0-9a-f]*)'\)$`)
	base64Lit   = regexp.MustCompile(`^__mr_d\('([A-Za-z0-9+/=]*)'\)$`)
	raiseStmt   = regexp.MustCompile(`^raise (\w+)(?:\((.*)\))?$`)
	assignStmt  = regexp.MustCompile(`^([A-Za-z_]\w*)\s*=\s*(.+)$`)
	identityRef = `__import__("sys").implementation`
)

// run executes a program the way the fake understands it. Interactive
// programs echo the value of expression statements like the REPL does.
func (d *Device) run(code string, interactive bool) (stdout, stderr string) {
	if d.handler != nil {
		if out, ok := d.handler(code); ok {
			return crlf(out), ""
		}
	}

	var out strings.Builder
	lines := strings.Split(code, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")
		switch {
		case line == "try:":
			// The eval wrapper's try/except only renders __mr_v, which is
			// kept as JSON already.
			for i+1 < len(lines) && (strings.HasPrefix(lines[i+1], " ") || strings.HasPrefix(lines[i+1], "except")) {
				i++
			}
			continue
		case strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t"):
			continue
		}
		for _, stmt := range strings.Split(line, ";") {
			text, err := d.statement(strings.TrimSpace(stmt), interactive)
			out.WriteString(text)
			if err != "" {
				return out.String(), traceback(err)
			}
		}
	}
	return out.String(), ""
}

// statement returns output and, on failure, the exception line.
func (d *Device) statement(stmt string, interactive bool) (string, string) {
	switch {
	case stmt == "" || strings.HasPrefix(stmt, "#"):
		return "", ""
	case strings.HasPrefix(stmt, "del "), strings.HasPrefix(stmt, "from binascii import"):
		if strings.Contains(stmt, "a2b_base64") {
			d.decoder = true
		}
		return "", ""
	}

	if m := evalAssign.FindStringSubmatch(stmt); m != nil {
		v, err := d.eval(m[1])
		if err != "" {
			return "", err
		}
		d.vars["__mr_v"] = v
		return "", ""
	}
	if m := openCall.FindStringSubmatch(stmt); m != nil {
		name, err := strconv.Unquote(m[1])
		if err != nil {
			return "", "SyntaxError: invalid syntax"
		}
		if errno, ok := d.failOpenOn[name]; ok {
			return "", "OSError: " + errno
		}
		d.files[name] = []byte{}
		d.handle = name
		return "", ""
	}
	if m := writeCall.FindStringSubmatch(stmt); m != nil {
		return d.write(m[1], interactive)
	}
	if stmt == "__mr_f.close()" {
		if d.handle == "" {
			return "", "NameError: name '__mr_f' isn't defined"
		}
		d.closeCount[d.handle]++
		d.handle = ""
		return "", ""
	}
	if m := printCall.FindStringSubmatch(stmt); m != nil {
		if m[1] == "__mr_s" {
			return d.vars["__mr_v"] + "\r\n", ""
		}
		v, err := d.eval(m[1])
		if err != "" {
			return "", err
		}
		return display(v) + "\r\n", ""
	}
	if m := raiseStmt.FindStringSubmatch(stmt); m != nil {
		msg := m[1]
		if arg, err := strconv.Unquote(strings.ReplaceAll(m[2], "'", "\"")); err == nil && arg != "" {
			msg += ": " + arg
		}
		return "", msg
	}

	if m := assignStmt.FindStringSubmatch(stmt); m != nil {
		v, err := d.eval(m[2])
		if err != "" {
			return "", err
		}
		d.vars[m[1]] = v
		return "", ""
	}

	v, err := d.eval(stmt)
	if err != "" {
		return "", err
	}
	if interactive && v != "null" {
		return repr(v) + "\r\n", ""
	}
	return "", ""
}

func (d *Device) write(arg string, interactive bool) (string, string) {
	if d.handle == "" {
		return "", "NameError: name '__mr_f' isn't defined"
	}
	var data []byte
	switch {
	case decimalLit.MatchString(arg):
		for _, f := range strings.Split(decimalLit.FindStringSubmatch(arg)[1], ",") {
			if f == "" {
				continue
			}
			n, err := strconv.Atoi(f)
			if err != nil || n > 255 {
				return "", "ValueError: bytes must be in range(0, 256)"
			}
			data = append(data, byte(n))
		}
	case hexLit.MatchString(arg):
		b, err := hex.DecodeString(hexLit.FindStringSubmatch(arg)[1])
		if err != nil {
			return "", "ValueError: non-hex digit found"
		}
		data = b
	case base64Lit.MatchString(arg):
		if !d.decoder {
			return "", "NameError: name '__mr_d' isn't defined"
		}
		b, err := base64.StdEncoding.DecodeString(base64Lit.FindStringSubmatch(arg)[1])
		if err != nil {
			return "", "ValueError: incorrect padding"
		}
		data = b
	default:
		return "", "TypeError: object with buffer protocol required"
	}
	d.files[d.handle] = append(d.files[d.handle], data...)
	d.writes++
	if interactive {
		return strconv.Itoa(len(data)) + "\r\n", ""
	}
	return "", ""
}

// eval returns the JSON text of a tiny subset of Python expressions:
// configured values, the identity query, string concatenation and integer
// arithmetic over literals and integer variables.
func (d *Device) eval(expr string) (string, string) {
	expr = strings.TrimSpace(expr)
	if v, ok := d.values[expr]; ok {
		return v, ""
	}
	if v, ok := d.vars[expr]; ok {
		return v, ""
	}
	if strings.Contains(expr, identityRef) {
		return quoteJSON(d.Machine), ""
	}
	switch expr {
	case "None":
		return "null", ""
	case "True":
		return "true", ""
	case "False":
		return "false", ""
	}
	if s, ok := concat(expr); ok {
		return quoteJSON(s), ""
	}
	p := &arith{src: expr, vars: d.vars}
	n, ok := p.expr()
	if ok && p.pos == len(p.src) {
		return strconv.Itoa(n), ""
	}
	name := expr
	if i := strings.IndexAny(name, "(.[ +-*"); i > 0 {
		name = name[:i]
	}
	return "", fmt.Sprintf("NameError: name '%s' isn't defined", name)
}

// concat parses 'a'+'b' string literal sums.
func concat(expr string) (string, bool) {
	var b strings.Builder
	for _, part := range strings.Split(expr, "+") {
		part = strings.TrimSpace(part)
		if len(part) < 2 {
			return "", false
		}
		q := part[0]
		if (q != '\'' && q != '"') || part[len(part)-1] != q {
			return "", false
		}
		b.WriteString(part[1 : len(part)-1])
	}
	return b.String(), true
}

type arith struct {
	src  string
	pos  int
	vars map[string]string
}

func (p *arith) expr() (int, bool) {
	n, ok := p.term()
	for ok && p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '+':
			p.pos++
			m, mok := p.term()
			n, ok = n+m, mok
		case '-':
			p.pos++
			m, mok := p.term()
			n, ok = n-m, mok
		default:
			return n, ok
		}
	}
	return n, ok
}

func (p *arith) term() (int, bool) {
	n, ok := p.factor()
	for ok && p.pos < len(p.src) && p.src[p.pos] == '*' {
		p.pos++
		m, mok := p.factor()
		n, ok = n*m, mok
	}
	return n, ok
}

func (p *arith) factor() (int, bool) {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
	if p.pos < len(p.src) && p.src[p.pos] == '(' {
		p.pos++
		n, ok := p.expr()
		if !ok || p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return 0, false
		}
		p.pos++
		return n, true
	}
	start := p.pos
	if p.pos < len(p.src) && isIdentStart(p.src[p.pos]) {
		for p.pos < len(p.src) && (isIdentStart(p.src[p.pos]) || isDigit(p.src[p.pos])) {
			p.pos++
		}
		v, ok := p.vars[p.src[start:p.pos]]
		if !ok {
			return 0, false
		}
		n, err := strconv.Atoi(v)
		p.skipSpace()
		return n, err == nil
	}
	for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		return 0, false
	}
	n, err := strconv.Atoi(p.src[start:p.pos])
	p.skipSpace()
	return n, err == nil
}

func (p *arith) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func quoteJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// display renders a JSON value the way print would.
func display(v string) string {
	var s string
	if err := json.Unmarshal([]byte(v), &s); err == nil {
		return s
	}
	return repr(v)
}

// repr renders a JSON value the way the REPL echoes it.
func repr(v string) string {
	switch v {
	case "null":
		return "None"
	case "true":
		return "True"
	case "false":
		return "False"
	}
	var s string
	if err := json.Unmarshal([]byte(v), &s); err == nil {
		return "'" + s + "'"
	}
	return v
}

func traceback(exc string) string {
	return "Traceback (most recent call last):\r\n  File \"<stdin>\", line 1, in <module>\r\n" + exc + "\r\n"
}

func crlf(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}
