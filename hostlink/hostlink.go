// Package hostlink opens the byte transport a supervisor.Supervisor reads
// wire frames from and writes ACKs to: either a real serial tty (for talking
// to actual host tooling) or a PTY pair (the default development link, with
// the supervisor holding the master side and printing the slave path for a
// host controller to connect to).
package hostlink

import (
	"fmt"
	"io"
	"os"

	goserial "github.com/daedaluz/goserial"
	"golang.org/x/sys/unix"
)

// Link is the host-facing byte transport. The supervisor's read loop reads
// frames off it and writes ACKs back; protocol.Session's response frames
// reach it through the Send hook the supervisor installs.
type Link interface {
	io.ReadWriteCloser
}

// SerialOptions configures OpenSerial.
type SerialOptions struct {
	Baud int // bits/sec; 0 selects 115200
}

var bauds = map[int]goserial.CFlag{
	50:      goserial.B50,
	110:     goserial.B110,
	300:     goserial.B300,
	1200:    goserial.B1200,
	2400:    goserial.B2400,
	4800:    goserial.B4800,
	9600:    goserial.B9600,
	19200:   goserial.B19200,
	38400:   goserial.B38400,
	57600:   goserial.B57600,
	115200:  goserial.B115200,
	230400:  goserial.B230400,
	460800:  goserial.B460800,
	921600:  goserial.B921600,
	1152000: goserial.B1152000,
}

// serialLink wraps a *goserial.Port as a Link.
type serialLink struct {
	port *goserial.Port
}

func (s *serialLink) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *serialLink) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialLink) Close() error                { return s.port.Close() }

// OpenSerial opens name (e.g. "/dev/ttyUSB0") as a raw, 8N1 serial link at
// the requested baud. Line discipline is forced to raw mode the same way
// Daedaluz-goserial's MakeRaw does for a physical UART, since a host
// controller speaking the wire protocol never wants cooked tty processing
// in the way.
func OpenSerial(name string, opts SerialOptions) (Link, error) {
	baud := opts.Baud
	if baud == 0 {
		baud = 115200
	}
	speed, ok := bauds[baud]
	if !ok {
		return nil, fmt.Errorf("hostlink: unsupported baud rate %d", baud)
	}

	port, err := goserial.Open(name, goserial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("hostlink: open serial %s: %w", name, err)
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, fmt.Errorf("hostlink: make raw %s: %w", name, err)
	}
	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("hostlink: get attr %s: %w", name, err)
	}
	attrs.SetSpeed(speed)
	if err := port.SetAttr(goserial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, fmt.Errorf("hostlink: set speed %s: %w", name, err)
	}
	return &serialLink{port: port}, nil
}

// ptyLink is the master side of a PTY pair, with the slave path kept around
// for reporting to the caller.
type ptyLink struct {
	master *os.File
	slave  string
}

func (p *ptyLink) Read(b []byte) (int, error)  { return p.master.Read(b) }
func (p *ptyLink) Write(b []byte) (int, error) { return p.master.Write(b) }
func (p *ptyLink) Close() error                { return p.master.Close() }

// SlavePath returns the path a host controller should open to reach the
// other end of this PTY pair (e.g. "/dev/pts/4").
func (p *ptyLink) SlavePath() string { return p.slave }

// PTY is the subset of Link that also exposes the slave-side path.
type PTY interface {
	Link
	SlavePath() string
}

// OpenPTY allocates a fresh PTY pair via posix_openpt/grantpt/unlockpt and
// returns the master end, the development default when no -port flag names
// a real tty: a host controller connects to the printed slave path exactly
// as it would a physical serial device.
func OpenPTY() (PTY, error) {
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("hostlink: open /dev/ptmx: %w", err)
	}

	// grantpt is a no-op under devpts with default permissions; unlockpt
	// (TIOCSPTLCK) is the one that matters to make the slave usable.
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostlink: unlockpt: %w", err)
	}

	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hostlink: ptsname: %w", err)
	}

	return &ptyLink{
		master: os.NewFile(uintptr(fd), "/dev/ptmx"),
		slave:  fmt.Sprintf("/dev/pts/%d", n),
	}, nil
}
