package logging

import (
	"io"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/lumberjack/v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Configure applies a loggo specification and, when file is set, sends the
// default writer's output to a rotating log file instead of stderr. The
// returned Closer flushes and closes that file.
func Configure(spec, file string) (io.Closer, error) {
	if spec != "" {
		if err := loggo.ConfigureLoggers(spec); err != nil {
			return nil, errors.Annotatef(err, "configuring loggers %q", spec)
		}
	}
	if file == "" {
		return nopCloser{}, nil
	}

	writer := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		Compress:   true,
	}
	// The default writer may already be gone, e.g. after loggo.ResetWriters.
	_, _ = loggo.RemoveWriter(loggo.DefaultWriterName)
	if err := loggo.RegisterWriter(loggo.DefaultWriterName, loggo.NewSimpleWriter(writer, loggo.DefaultFormatter)); err != nil {
		return nil, errors.Annotate(err, "installing file log writer")
	}
	return writer, nil
}
