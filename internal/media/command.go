// Package media wraps the external media processors (ffmpeg, ffprobe,
// bufferer): building invocations, running them with captured diagnostics,
// and probing stream properties.
package media

import "strings"

// Command is one external-processor invocation. Name is a short label used
// in logs and sidecar files; Program and Args form the actual argv.
type Command struct {
	Name    string
	Program string
	Args    []string
}

func (c Command) String() string {
	return c.Program + " " + strings.Join(c.Args, " ")
}
