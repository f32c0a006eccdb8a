// Package remote turns a local command into one that runs in an isolated or
// remote environment. The executor passes a strategy down to every handler;
// the scheduler itself does not care where commands run.
package remote

import (
	"fmt"
	"sort"
	"strings"
)

// TaskMeta identifies the task a command is wrapped for.
type TaskMeta struct {
	TaskID  string
	Handler string
}

// Executor wraps argv into a replacement command that achieves the same
// effect somewhere else when run locally.
type Executor interface {
	Wrap(meta TaskMeta, argv []string) ([]string, error)
}

// Local runs commands as they are.
type Local struct{}

func (Local) Wrap(_ TaskMeta, argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	out := make([]string, len(argv))
	copy(out, argv)
	return out, nil
}

// Resources are the requests and limits of one handler category.
type Resources struct {
	CPUQuota  string `yaml:"cpuQuota"`  // e.g. "200%"
	MemoryMax string `yaml:"memoryMax"` // e.g. "4G"
	TasksMax  int    `yaml:"tasksMax"`
}

func (r Resources) properties() []string {
	var props []string
	if r.CPUQuota != "" {
		props = append(props, "-p", "CPUQuota="+r.CPUQuota)
	}
	if r.MemoryMax != "" {
		props = append(props, "-p", "MemoryMax="+r.MemoryMax)
	}
	if r.TasksMax > 0 {
		props = append(props, "-p", fmt.Sprintf("TasksMax=%d", r.TasksMax))
	}
	return props
}

// Limited confines commands of handler categories with declared resources in a
// transient systemd scope. Categories without limits pass through to Inner.
type Limited struct {
	Limits map[string]Resources
	Inner  Executor
}

func (l Limited) Wrap(meta TaskMeta, argv []string) ([]string, error) {
	inner := l.Inner
	if inner == nil {
		inner = Local{}
	}
	wrapped, err := inner.Wrap(meta, argv)
	if err != nil {
		return nil, err
	}
	res, ok := l.Limits[meta.Handler]
	if !ok || len(res.properties()) == 0 {
		return wrapped, nil
	}
	cmd := []string{"systemd-run", "--scope", "--quiet", "--collect",
		"--unit", "chainbuild-" + sanitizeUnit(meta.TaskID)}
	cmd = append(cmd, res.properties()...)
	cmd = append(cmd, "--")
	return append(cmd, wrapped...), nil
}

func sanitizeUnit(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// ShellQuote renders argv as a single POSIX shell command line.
func ShellQuote(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a != "" && strings.IndexFunc(a, needsQuoting) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./=:,@%+", r):
		return false
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
