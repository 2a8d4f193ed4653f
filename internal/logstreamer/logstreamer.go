// Copyright (c) 2013 Kevin van Zonneveld <kevin@vanzonneveld.net>. All rights reserved.
// Source: https://github.com/kvz/logstreamer
// SPDX-License-Identifier: MIT

// Package logstreamer turns raw output chunks from local or remote
// commands into line-buffered, prefixed log output. Callers wanting the
// buffered output of a whole command wrap a Logstreamer around their
// writer and read the record back at the end.
package logstreamer

import (
	"bytes"
	"io"
	"log"
	"strings"

	"github.com/fatih/color"
)

// Logstreamer is an io.Writer that splits its input into lines and hands
// each complete line to the underlying logger with a prefix attached.
type Logstreamer struct {
	Logger *log.Logger
	buf    *bytes.Buffer
	// If prefix == stdout, colors green
	// If prefix == stderr, colors red
	// Else, prefix is taken as-is, and prepended to anything
	// you throw at Write()
	prefix string
	// if true, saves output in memory
	record  bool
	persist strings.Builder
}

// NewLogstreamer builds a streamer writing to logger with the given prefix.
// When record is set every byte is also retained for FlushRecord.
func NewLogstreamer(logger *log.Logger, prefix string, record bool) *Logstreamer {
	return &Logstreamer{
		Logger: logger,
		buf:    bytes.NewBuffer([]byte("")),
		prefix: prefix,
		record: record,
	}
}

func (l *Logstreamer) Write(p []byte) (n int, err error) {
	if n, err = l.buf.Write(p); err != nil {
		return
	}

	err = l.OutputLines()
	return
}

// Close flushes any trailing partial line and resets the buffer.
func (l *Logstreamer) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	l.buf = bytes.NewBuffer([]byte(""))
	return nil
}

// Flush writes out whatever is buffered, complete line or not.
func (l *Logstreamer) Flush() error {
	p := make([]byte, l.buf.Len())
	if _, err := l.buf.Read(p); err != nil {
		return err
	}

	l.out(string(p))
	return nil
}

// OutputLines writes out every complete line in the buffer, putting any
// trailing partial line back for the next Write, Close or Flush.
func (l *Logstreamer) OutputLines() error {
	for {
		line, err := l.buf.ReadString('\n')

		if len(line) > 0 {
			if strings.HasSuffix(line, "\n") {
				l.out(line)
			} else {
				// Not a complete line yet; Close() or Flush() will
				// emit it if the stream ends without a newline.
				if _, err := l.buf.WriteString(line); err != nil {
					return err
				}
			}
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// FlushRecord returns everything recorded so far and resets the record.
func (l *Logstreamer) FlushRecord() string {
	buffer := l.persist.String()
	l.persist.Reset()
	return buffer
}

func (l *Logstreamer) out(str string) {
	if len(str) < 1 {
		return
	}

	if l.record {
		l.persist.WriteString(str)
	}

	switch l.prefix {
	case "stdout":
		str = color.GreenString(l.prefix) + " " + str
	case "stderr":
		str = color.RedString(l.prefix) + " " + str
	default:
		str = l.prefix + str
	}

	l.Logger.Print(str)
}

// PrefixedWriter wraps an io.Writer so it can add a string prefix to
// every message it writes.
type PrefixedWriter struct {
	w      io.Writer
	Prefix string
}

var _ io.Writer = (*PrefixedWriter)(nil)

// NewPrefixedWriter returns an instance of PrefixedWriter
func NewPrefixedWriter(w io.Writer, prefix string) *PrefixedWriter {
	return &PrefixedWriter{
		w:      w,
		Prefix: prefix,
	}
}

func (pw *PrefixedWriter) Write(p []byte) (int, error) {
	str := pw.Prefix + string(p)
	n, err := pw.w.Write([]byte(str))

	if err != nil {
		return n, err
	}

	return len(p), nil
}
