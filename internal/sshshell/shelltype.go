package sshshell

import "strings"

// ShellType is the family of the remote login shell.
type ShellType string

const (
	Unknown ShellType = "UNKNOWN"
	Sh      ShellType = "sh"
	Bash    ShellType = "bash"
	Csh     ShellType = "csh"
	Tcsh    ShellType = "tcsh"
	Zsh     ShellType = "zsh"
	Rzsh    ShellType = "rzsh"
	Zsh5    ShellType = "zsh5"
	Ksh     ShellType = "ksh"
	Ksh93   ShellType = "ksh93"
	Pdksh   ShellType = "pdksh"
	Ash     ShellType = "ash"
	Dash    ShellType = "dash"
)

var knownShells = map[string]ShellType{
	"sh":    Sh,
	"bash":  Bash,
	"csh":   Csh,
	"tcsh":  Tcsh,
	"zsh":   Zsh,
	"rzsh":  Rzsh,
	"zsh5":  Zsh5,
	"ksh":   Ksh,
	"ksh93": Ksh93,
	"pdksh": Pdksh,
	"ash":   Ash,
	"dash":  Dash,
}

// ParseShellType maps a shell name as reported by $0 to a ShellType. A
// single leading hyphen (login shell) and any directory prefix are ignored.
// Unrecognised names yield Unknown.
func ParseShellType(name string) ShellType {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "-")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if t, ok := knownShells[name]; ok {
		return t
	}
	return Unknown
}

func (t ShellType) String() string {
	if t == "" {
		return string(Unknown)
	}
	return string(t)
}

// IsCShell reports whether the shell uses C-shell syntax for variables.
func (t ShellType) IsCShell() bool {
	return t == Csh || t == Tcsh
}

// promptCommand returns the command that sets the interactive prompt to
// marker in this shell family. Anything not C-shell is treated as Bourne
// compatible.
func (t ShellType) promptCommand(marker string) string {
	if t.IsCShell() {
		return `set prompt="` + marker + `"`
	}
	return `export PS1="` + marker + `"`
}
