package ftr

import (
	"path/filepath"
	"runtime"
	"strings"
)

// Filter is a predicate over raw events, used as an include or ignore rule.
// Filters should depend only on the code location of the event, because a
// rejected location may be disabled for the rest of the capture.
type Filter func(ev *RawEvent) bool

// PathFilter returns a filter that matches events whose source filename
// contains the given fragment. Separators are normalized to slashes.
func PathFilter(fragment string) Filter {
	fragment = filepath.ToSlash(fragment)
	return func(ev *RawEvent) bool {
		return strings.Contains(filepath.ToSlash(ev.Code.Filename), fragment)
	}
}

// rule is a named filter, so decisions can be explained in logs.
type rule struct {
	name   string
	filter Filter
}

func pathRules(kind string, fragments []string) []rule {
	rules := make([]rule, 0, len(fragments))
	for _, f := range fragments {
		if f == "" {
			continue
		}
		rules = append(rules, rule{name: kind + ":" + f, filter: PathFilter(f)})
	}
	return rules
}

// defaultIgnoreRules reject code that's almost never interesting to a user:
// dependencies, the standard library, generated code, evaluated snippets, and
// the tracer itself.
var defaultIgnoreRules = func() []rule {
	rules := []rule{
		{name: "module cache", filter: PathFilter("/pkg/mod/")},
		{name: "vendor", filter: PathFilter("/vendor/")},
		{name: "generated", filter: func(ev *RawEvent) bool {
			return ev.Code.Filename == "<autogenerated>" || strings.HasSuffix(ev.Code.Filename, ".pb.go")
		}},
		{name: "evaluated", filter: func(ev *RawEvent) bool {
			switch ev.Code.Filename {
			case "<string>", "<stdin>", "":
				return true
			default:
				return false
			}
		}},
	}

	if goroot := runtime.GOROOT(); goroot != "" {
		rules = append(rules, rule{name: "goroot", filter: PathFilter(filepath.Join(goroot, "src") + "/")})
	}

	if dir := ownSourceDir(); dir != "" {
		self := PathFilter(dir + "/")
		rules = append(rules, rule{name: "tracer", filter: func(ev *RawEvent) bool {
			return self(ev) && !strings.HasSuffix(ev.Code.Filename, "_test.go")
		}})
	}

	return rules
}()

func ownSourceDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	return filepath.ToSlash(filepath.Dir(file))
}

// safeMatch evaluates a filter, treating a panic as a non-match.
func safeMatch(f Filter, ev *RawEvent) (match bool, panicked any) {
	defer func() {
		if x := recover(); x != nil {
			match, panicked = false, x
		}
	}()
	return f(ev), nil
}
