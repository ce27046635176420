package session

import "time"

// REPL control characters.
const (
	ctrlA = "\x01" // raw REPL
	ctrlB = "\x02" // friendly REPL, prints the banner
	ctrlC = "\x03" // KeyboardInterrupt
	ctrlD = "\x04" // soft reboot, or finish paste/raw input
	ctrlE = "\x05" // paste mode

	enter = "\r"

	// interruptSequence leaves continuation input, then interrupts twice so a
	// handler catching the first KeyboardInterrupt is also stopped.
	interruptSequence = enter + ctrlC + ctrlC
)

// Names reserved on the device for driver state.
const (
	evalValueVar   = "__mr_v"
	evalTextVar    = "__mr_s"
	uploadFileVar  = "__mr_f"
	uploadDecoder  = "__mr_d"
	valueStartMark = "___MRV_"
	valueEndMark   = "___MRE_"
	markSuffix     = "___"
	sentinelPrefix = "# "
)

// Defaults for Options.
const (
	DefaultBaudRate       = 115200
	DefaultCommandTimeout = 10 * time.Second
	DefaultResetTimeout   = 5 * time.Second
	DefaultHandshakeQuiet = 300 * time.Millisecond
	DefaultMaxQueue       = 64
	DefaultChunkSize      = 64
	MaxChunkSize          = 512

	readBufferSize = 4096
	resetAttempts  = 3
)

// identityExpr asks the firmware for the same string the boot banner
// prints after the semicolon.
const identityExpr = `(lambda i: getattr(i, "_machine", i.name))(__import__("sys").implementation)`
