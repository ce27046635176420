package session

import (
	"reflect"
	"strings"
	"testing"

	"github.com/acolita/micro-repl/internal/prompt"
)

func feedAll(c *capture, chunks ...string) []OutputEvent {
	var events []OutputEvent
	for _, ch := range chunks {
		events = append(events, c.Feed([]byte(ch))...)
	}
	return events
}

func TestCaptureWriteExchange(t *testing.T) {
	tests := []struct {
		name   string
		chunks func(sentinel string) []string
	}{
		{
			name: "one chunk",
			chunks: func(s string) []string {
				return []string{"print(1)\r\n1\r\n>>> " + s + "\r\n>>> "}
			},
		},
		{
			name: "split inside prompt and line ending",
			chunks: func(s string) []string {
				return []string{"pri", "nt(1)\r", "\n1\r\n>", ">> ", s[:3], s[3:] + "\r\n>>", "> "}
			},
		},
		{
			name: "byte by byte",
			chunks: func(s string) []string {
				all := "print(1)\r\n1\r\n>>> " + s + "\r\n>>> "
				out := make([]string, len(all))
				for i := range all {
					out[i] = all[i : i+1]
				}
				return out
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCapture(prompt.NewClassifier())
			cmd := newCommand(KindWrite, []string{"print(1)"})
			c.begin(cmd)

			feedAll(c, tt.chunks(cmd.sentinel)...)

			if !cmd.done {
				t.Fatal("command not completed")
			}
			if got := cmd.output(); got != "1" {
				t.Errorf("output = %q, want %q", got, "1")
			}
			if c.cmd != nil {
				t.Error("capture still attached after completion")
			}
		})
	}
}

func TestCapturePromptBeforeSentinelDoesNotComplete(t *testing.T) {
	c := newCapture(prompt.NewClassifier())
	cmd := newCommand(KindWrite, []string{"x=1"})
	c.begin(cmd)

	feedAll(c, "x=1\r\n>>> ")
	if cmd.done {
		t.Fatal("completed on the prompt before the sentinel echo")
	}
	feedAll(c, cmd.sentinel+"\r\n>>> ")
	if !cmd.done {
		t.Fatal("not completed after the sentinel echo")
	}
	if got := cmd.output(); got != "" {
		t.Errorf("output = %q, want empty", got)
	}
}

func TestCapturePasteEcho(t *testing.T) {
	c := newCapture(prompt.NewClassifier())
	lines := []string{"for i in (1, 2):", "    print(i)"}
	cmd := newCommand(KindPaste, lines)
	feedAll(c, ">>> ")
	c.begin(cmd)

	feedAll(c,
		"\r\npaste mode; Ctrl-C to cancel, Ctrl-D to finish\r\n=== ",
		"for i in (1, 2):\r\n=== ",
		"    print(i)\r\n=== ",
		"\r\n1\r\n2\r\n>>> ",
		cmd.sentinel+"\r\n>>> ",
	)

	if got := cmd.output(); got != "1\n2" {
		t.Errorf("output = %q, want %q", got, "1\n2")
	}
}

func TestCaptureValueMarkers(t *testing.T) {
	c := newCapture(prompt.NewClassifier())
	cmd := newCommand(KindEval, nil)
	cmd.wantValue = true
	cmd.startMark = valueStartMark + cmd.id + markSuffix
	cmd.endMark = valueEndMark + cmd.id + markSuffix
	c.begin(cmd)

	feedAll(c,
		"side effect\r\n",
		cmd.startMark+"\r\n[1, 2]\r\n"+cmd.endMark+"\r\n>>> ",
		cmd.sentinel+"\r\n>>> ",
	)

	if !cmd.hasValue || cmd.value() != "[1, 2]" {
		t.Errorf("value = %q (has %v), want %q", cmd.value(), cmd.hasValue, "[1, 2]")
	}
	if got := cmd.output(); got != "side effect" {
		t.Errorf("output = %q, want %q", got, "side effect")
	}
}

func TestCaptureEchoSearchesForward(t *testing.T) {
	c := newCapture(prompt.NewClassifier())
	cmd := newCommand(KindPaste, []string{"a=1", "b=2", "print(a+b)"})
	c.begin(cmd)

	// The device mangled the first echo line.
	feedAll(c, "=== a=\r\n=== b=2\r\n=== print(a+b)\r\n=== \r\n3\r\n>>> ", cmd.sentinel+"\r\n>>> ")

	if got := cmd.output(); got != "a=\n3" {
		t.Errorf("output = %q, want %q", got, "a=\n3")
	}
}

func TestCaptureContinuationAfterSentinel(t *testing.T) {
	c := newCapture(prompt.NewClassifier())
	cmd := newCommand(KindWrite, []string{"x = (1,"})
	c.begin(cmd)

	feedAll(c, "x = (1,\r\n... "+cmd.sentinel+"\r\n... ")
	if !cmd.needEnter {
		t.Error("needEnter = false after a continuation prompt following the sentinel")
	}
}

func TestCaptureUnsolicited(t *testing.T) {
	c := newCapture(prompt.NewClassifier())

	events := feedAll(c, "MicroPython v1.22.0 on 2024-01-05; Raspberry Pi Pico with RP2040\r\nhello\r\n>>> ")

	var texts []string
	for _, ev := range events {
		if ev.Kind == prompt.KindBanner {
			texts = append(texts, ev.Text)
		}
	}
	want := []string{"MicroPython v1.22.0 on 2024-01-05; Raspberry Pi Pico with RP2040", "hello"}
	if !reflect.DeepEqual(texts, want) {
		t.Errorf("unsolicited lines = %q, want %q", texts, want)
	}
	if c.identity == nil || c.identity.String() != "Raspberry Pi Pico with RP2040" {
		t.Errorf("identity = %+v", c.identity)
	}
}

func TestCaptureDesync(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		tolerant bool
		line     string
		want     bool
	}{
		{"raw banner during write", KindWrite, false, "raw REPL; CTRL-B to exit", true},
		{"soft reboot during paste", KindPaste, false, "MPY: soft reboot\r\nMicroPython v1.22.0 on 2024-01-05; Pico with RP2040\r\nType \"help()\" for more information.", true},
		{"hard reset during write", KindWrite, false, "MicroPython v1.22.0 on 2024-01-05; Pico with RP2040\r\nType \"help()\" for more information.", true},
		{"program prints soft reboot", KindWrite, false, "soft reboot", false},
		{"program prints a banner", KindWrite, false, "MicroPython v1.22.0 on 2024-01-05; Pico with RP2040\r\ndone", false},
		{"soft reboot during sync", KindSync, true, "MPY: soft reboot", false},
		{"traceback is output", KindWrite, false, "Traceback (most recent call last):", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCapture(prompt.NewClassifier())
			cmd := newCommand(tt.kind, nil)
			cmd.tolerant = tt.tolerant
			c.begin(cmd)

			feedAll(c, tt.line+"\r\n")
			if got := cmd.desync != nil; got != tt.want {
				t.Errorf("desync = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCaptureFlush(t *testing.T) {
	c := newCapture(prompt.NewClassifier())
	cmd := newCommand(KindWrite, []string{"loop()"})
	c.begin(cmd)

	feedAll(c, "loop()\r\ncount: 1\r\ncount: 2")
	c.Flush()
	if got := cmd.output(); got != "count: 1\ncount: 2" {
		t.Errorf("output = %q", got)
	}
}

func TestRawReply(t *testing.T) {
	r := &rawReply{}
	stream := "\r\nraw REPL; CTRL-B to exit\r\n>OKhello\r\n\x04Traceback\r\n\x04>rest"

	n := r.feed([]byte(stream))
	if !r.finished() {
		t.Fatal("reply not finished")
	}
	if got := stream[n:]; got != "rest" {
		t.Errorf("unconsumed = %q, want %q", got, "rest")
	}
	if string(r.stdout) != "hello\r\n" {
		t.Errorf("stdout = %q", r.stdout)
	}
	if !strings.HasPrefix(string(r.stderr), "Traceback") {
		t.Errorf("stderr = %q", r.stderr)
	}
}
