// Package workload parses and runs scripted sequences of heap operations. A script has one operation
// per line:
//
//	alloc   <name> <bytes>
//	zalloc  <name> <bytes>
//	calloc  <name> <count> <bytes>
//	realloc <name> <bytes>
//	free    <name>
//	write   <name> <text>
//	check
//
// Blank lines and lines starting with # are ignored.
package workload

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// OpKind is the heap call an Op performs
type OpKind int

const (
	OpAlloc OpKind = iota
	OpZalloc
	OpCalloc
	OpRealloc
	OpFree
	OpWrite
	OpCheck
)

var opKindMapping = map[OpKind]string{
	OpAlloc:   "alloc",
	OpZalloc:  "zalloc",
	OpCalloc:  "calloc",
	OpRealloc: "realloc",
	OpFree:    "free",
	OpWrite:   "write",
	OpCheck:   "check",
}

func (k OpKind) String() string {
	return opKindMapping[k]
}

// ErrSyntax is wrapped by every error Parse returns for a malformed line
var ErrSyntax = errors.New("workload syntax error")

// Op is a single parsed script line
type Op struct {
	Line  int
	Kind  OpKind
	Name  string
	Count int
	Size  int
	Text  string
}

// Parse reads a script. Errors name the line they were found on.
func Parse(r io.Reader) ([]Op, error) {
	scanner := bufio.NewScanner(r)

	var ops []Op
	line := 0
	for scanner.Scan() {
		line++
		trim := strings.TrimSpace(scanner.Text())
		if trim == "" || strings.HasPrefix(trim, "#") {
			continue
		}

		op, err := parseLine(line, trim)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read workload")
	}

	return ops, nil
}

var sizedOps = map[string]OpKind{
	"alloc":   OpAlloc,
	"zalloc":  OpZalloc,
	"realloc": OpRealloc,
}

func parseLine(line int, text string) (Op, error) {
	fields := strings.Fields(text)
	op := Op{Line: line}

	var err error
	switch fields[0] {
	case "alloc", "zalloc", "realloc":
		op.Kind = sizedOps[fields[0]]
		if len(fields) != 3 {
			return op, syntaxError(line, "%s takes a name and a size", fields[0])
		}
		op.Name = fields[1]
		op.Size, err = parseSize(line, fields[2])
	case "calloc":
		op.Kind = OpCalloc
		if len(fields) != 4 {
			return op, syntaxError(line, "calloc takes a name, a count and a size")
		}
		op.Name = fields[1]
		op.Count, err = parseSize(line, fields[2])
		if err == nil {
			op.Size, err = parseSize(line, fields[3])
		}
	case "free":
		op.Kind = OpFree
		if len(fields) != 2 {
			return op, syntaxError(line, "free takes a name")
		}
		op.Name = fields[1]
	case "write":
		op.Kind = OpWrite
		if len(fields) < 3 {
			return op, syntaxError(line, "write takes a name and text")
		}
		op.Name = fields[1]
		op.Text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(text, "write")), op.Name))
	case "check":
		op.Kind = OpCheck
		if len(fields) != 1 {
			return op, syntaxError(line, "check takes no arguments")
		}
	default:
		return op, syntaxError(line, "unknown operation %q", fields[0])
	}

	return op, err
}

func parseSize(line int, field string) (int, error) {
	size, err := strconv.Atoi(field)
	if err != nil || size < 0 {
		return 0, syntaxError(line, "%q is not a size", field)
	}
	return size, nil
}

func syntaxError(line int, format string, args ...any) error {
	return errors.Wrapf(ErrSyntax, "line %d: "+format, append([]any{line}, args...)...)
}
