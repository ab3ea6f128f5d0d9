package obs

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// Fields carries the structured key/values attached to a log line.
type Fields = logrus.Fields

// Setup configures the shared logger. format is one of "text", "json" or "auto";
// auto picks text for terminals and json for everything else.
func Setup(out io.Writer, level logrus.Level, format string) error {
	base.SetOutput(out)
	base.SetLevel(level)
	switch strings.ToLower(format) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	case "", "auto":
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			base.SetFormatter(&logrus.JSONFormatter{})
		}
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

// LevelFromVerbosity maps -v/-q counts onto a level, Info being the baseline.
// The second return is false when logging should be silenced entirely.
func LevelFromVerbosity(verbose, quiet int) (logrus.Level, bool) {
	lvl := int(logrus.InfoLevel) + verbose - quiet
	if lvl < int(logrus.ErrorLevel) {
		return logrus.PanicLevel, false
	}
	if lvl > int(logrus.TraceLevel) {
		lvl = int(logrus.TraceLevel)
	}
	return logrus.Level(lvl), true
}

// Silence discards all output.
func Silence() { base.SetOutput(io.Discard) }

func logWith(level logrus.Level, msg string, f Fields) {
	if !base.IsLevelEnabled(level) {
		return
	}
	base.WithFields(f).Log(level, msg)
}

func Trace(msg string, f Fields) { logWith(logrus.TraceLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(logrus.DebugLevel, msg, f) }
func Info(msg string, f Fields)  { logWith(logrus.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(logrus.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(logrus.ErrorLevel, msg, f) }
