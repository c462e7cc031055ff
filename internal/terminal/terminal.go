// Package terminal describes the pseudo-terminal requested for a remote
// shell: its dimensions, the unit they are expressed in, the terminal type
// and the environment exported to the shell.
package terminal

import (
	"fmt"
	"sort"

	"golang.org/x/crypto/ssh"
)

// Type is the TERM value requested for the pseudo-terminal.
type Type string

const (
	XTerm         Type = "xterm"
	Vanilla       Type = "vanilla"
	VT102         Type = "vt102"
	XTerm256Color Type = "xterm-256color"
)

// ParseType converts a TERM string to a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case XTerm, Vanilla, VT102, XTerm256Color:
		return t, nil
	default:
		return "", fmt.Errorf("unknown terminal type %q", s)
	}
}

// Unit is the unit of the terminal dimensions.
type Unit int

const (
	Characters Unit = iota
	Pixels
)

func (u Unit) String() string {
	switch u {
	case Characters:
		return "chars"
	case Pixels:
		return "pixels"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// ParseUnit converts "chars" or "pixels" to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "", "chars", "characters":
		return Characters, nil
	case "pixels", "px":
		return Pixels, nil
	default:
		return 0, fmt.Errorf("unknown terminal unit %q", s)
	}
}

const (
	DefaultWidth  = 80
	DefaultHeight = 25
	DefaultType   = XTerm
)

// Upper bounds for requested dimensions.
const (
	MaxColumns = 500
	MaxRows    = 500
	MaxPixels  = 16384
)

// Descriptor is an immutable description of a pseudo-terminal.
type Descriptor struct {
	width    int
	height   int
	unit     Unit
	termType Type
	env      map[string]string
}

// Option configures a Descriptor.
type Option func(*Descriptor)

// WithSize sets width and height.
func WithSize(width, height int) Option {
	return func(d *Descriptor) {
		d.width = width
		d.height = height
	}
}

// WithUnit sets the unit width and height are expressed in.
func WithUnit(u Unit) Option {
	return func(d *Descriptor) {
		d.unit = u
	}
}

// WithType sets the terminal type.
func WithType(t Type) Option {
	return func(d *Descriptor) {
		d.termType = t
	}
}

// WithEnv adds environment variables. Later values win.
func WithEnv(env map[string]string) Option {
	return func(d *Descriptor) {
		for k, v := range env {
			d.env[k] = v
		}
	}
}

// New builds a Descriptor. Without options it is 80x25 characters of xterm
// with no environment.
func New(opts ...Option) (*Descriptor, error) {
	d := &Descriptor{
		width:    DefaultWidth,
		height:   DefaultHeight,
		unit:     Characters,
		termType: DefaultType,
		env:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Default returns the default descriptor.
func Default() *Descriptor {
	d, _ := New()
	return d
}

func (d *Descriptor) validate() error {
	if d.width <= 0 || d.height <= 0 {
		return fmt.Errorf("terminal size %dx%d must be positive", d.width, d.height)
	}
	limitW, limitH := MaxColumns, MaxRows
	if d.unit == Pixels {
		limitW, limitH = MaxPixels, MaxPixels
	} else if d.unit != Characters {
		return fmt.Errorf("invalid terminal unit %s", d.unit)
	}
	if d.width > limitW || d.height > limitH {
		return fmt.Errorf("terminal size %dx%d %s exceeds %dx%d", d.width, d.height, d.unit, limitW, limitH)
	}
	if _, err := ParseType(string(d.termType)); err != nil {
		return err
	}
	for k := range d.env {
		if k == "" {
			return fmt.Errorf("empty environment variable name")
		}
	}
	return nil
}

func (d *Descriptor) Width() int  { return d.width }
func (d *Descriptor) Height() int { return d.height }
func (d *Descriptor) Unit() Unit  { return d.unit }
func (d *Descriptor) Type() Type  { return d.termType }

// Env returns a copy of the environment.
func (d *Descriptor) Env() map[string]string {
	env := make(map[string]string, len(d.env))
	for k, v := range d.env {
		env[k] = v
	}
	return env
}

// EnvKeys returns the environment variable names in sorted order.
func (d *Descriptor) EnvKeys() []string {
	keys := make([]string, 0, len(d.env))
	for k := range d.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Modes are the terminal modes sent with every pty request.
func Modes() ssh.TerminalModes {
	return ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
}

// ptyRequestMsg is the "pty-req" payload of RFC 4254 section 6.2.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// PTYRequest returns the wire payload of a "pty-req" channel request for
// this descriptor. Character dimensions go in the column/row fields and pixel
// dimensions in the width/height fields; the unused pair is zero.
func (d *Descriptor) PTYRequest(modes ssh.TerminalModes) []byte {
	msg := ptyRequestMsg{
		Term:     string(d.termType),
		Modelist: encodeModes(modes),
	}
	if d.unit == Pixels {
		msg.Width = uint32(d.width)
		msg.Height = uint32(d.height)
	} else {
		msg.Columns = uint32(d.width)
		msg.Rows = uint32(d.height)
	}
	return ssh.Marshal(&msg)
}

// encodeModes serialises modes as opcode byte plus uint32 value pairs in
// opcode order, terminated by TTY_OP_END.
func encodeModes(modes ssh.TerminalModes) string {
	opcodes := make([]int, 0, len(modes))
	for op := range modes {
		opcodes = append(opcodes, int(op))
	}
	sort.Ints(opcodes)

	buf := make([]byte, 0, len(opcodes)*5+1)
	for _, op := range opcodes {
		v := modes[uint8(op)]
		buf = append(buf, byte(op), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	buf = append(buf, 0)
	return string(buf)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s %dx%d %s", d.termType, d.width, d.height, d.unit)
}
