package susanoo

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// newLogger builds the session logger. Every line carries the shard so logs
// from multi-shard processes stay attributable.
func newLogger(out io.Writer, shard *ShardInfo, level zerolog.Level) zerolog.Logger {
	if out == nil {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp().Str("component", "gateway")
	if shard != nil {
		ctx = ctx.Str("shard", shard.String())
	}

	return ctx.Logger()
}
