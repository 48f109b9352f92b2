// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger()
	base.Store(&l)
}

// Init 初始化全局 logger。pretty 为 true 时输出彩色控制台格式（本地开发用）。
func Init(serviceName, level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	}
	l := zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
	base.Store(&l)
}

// SetOutput 替换输出，测试里用来捕获日志。
func SetOutput(w io.Writer) {
	l := base.Load().Output(w)
	base.Store(&l)
}

// Ctx 返回带有 trace_id / span_id 的 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := base.Load()
	if ctx == nil {
		return l
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	withTrace := l.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &withTrace
}
