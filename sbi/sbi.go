// Package sbi is the firmware boundary: the handful of calls a real
// kernel would make via the RISC-V SBI ecosystem (console I/O, the
// cycle counter backing get_time, shutdown). Grounded on biscuit's
// defs.Device_t split between a real backend and an in-memory test
// double; the raw-mode terminal adapter uses golang.org/x/term so a
// host process can genuinely act as the "console" stdin/stdout reaches.
package sbi

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/term"

	"rvos/config"
)

// Firmware is everything the kernel calls through the SBI boundary.
type Firmware interface {
	// ConsoleGetChar returns the next character if one is buffered, or
	// ok=false if none is available yet (non-blocking, matches
	// sbi_rt::legacy::console_getchar's -1-means-nothing convention).
	ConsoleGetChar() (ch byte, ok bool)
	// ConsolePutChar writes one byte to the console.
	ConsolePutChar(ch byte)
	// Ticks returns a monotonically increasing counter advancing at
	// config.ClockFreq per second, backing sys_get_time.
	Ticks() uint64
	// Shutdown halts the machine. Real firmware never returns from this.
	Shutdown(failure bool)
}

// Console is the reference Firmware: a real terminal in raw mode so
// individual keystrokes arrive without waiting for a newline, with a
// background reader feeding a buffered channel so ConsoleGetChar can be
// non-blocking the way the SBI legacy call is.
type Console struct {
	mu      sync.Mutex
	ch      chan byte
	restore func() error
	start   time.Time
}

// NewConsole puts fd (normally os.Stdin's fd) into raw mode and starts
// the background reader. Callers must call Close on shutdown to restore
// the terminal.
func NewConsole() (*Console, error) {
	fd := int(os.Stdin.Fd())
	c := &Console{ch: make(chan byte, 256), start: time.Now()}
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("sbi: raw mode: %w", err)
		}
		c.restore = func() error { return term.Restore(fd, oldState) }
	}
	go c.pump()
	return c, nil
}

func (c *Console) pump() {
	r := bufio.NewReader(os.Stdin)
	for {
		b, err := r.ReadByte()
		if err != nil {
			close(c.ch)
			return
		}
		c.ch <- b
	}
}

func (c *Console) ConsoleGetChar() (byte, bool) {
	select {
	case b, open := <-c.ch:
		return b, open
	default:
		return 0, false
	}
}

func (c *Console) ConsolePutChar(ch byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	os.Stdout.Write([]byte{ch})
}

func (c *Console) Ticks() uint64 {
	return uint64(time.Since(c.start) / (time.Second / config.ClockFreq))
}

func (c *Console) Shutdown(failure bool) {
	c.Close()
	code := 0
	if failure {
		code = 1
	}
	os.Exit(code)
}

// Close restores the terminal's original mode, if it was changed.
func (c *Console) Close() error {
	if c.restore != nil {
		return c.restore()
	}
	return nil
}

// TestFirmware is a slice-backed Firmware double for tests: feed it
// bytes via Feed, read what it "printed" via Output.
type TestFirmware struct {
	mu      sync.Mutex
	in      []byte
	Output  []byte
	clock   uint64
	ShutAt  int // -1 until Shutdown is called; then the failure flag as 0/1
}

// NewTestFirmware returns an empty test double with ShutAt unset (-1).
func NewTestFirmware() *TestFirmware { return &TestFirmware{ShutAt: -1} }

// Feed appends bytes the next ConsoleGetChar calls will return in order.
func (f *TestFirmware) Feed(b ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, b...)
}

func (f *TestFirmware) ConsoleGetChar() (byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.in) == 0 {
		return 0, false
	}
	b := f.in[0]
	f.in = f.in[1:]
	return b, true
}

func (f *TestFirmware) ConsolePutChar(ch byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Output = append(f.Output, ch)
}

func (f *TestFirmware) Ticks() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock++
	return f.clock
}

func (f *TestFirmware) Shutdown(failure bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failure {
		f.ShutAt = 1
	} else {
		f.ShutAt = 0
	}
}
