package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

// ConsoleHandler is a human-oriented slog handler for local development:
// one coloured header line per record, then one indented key=value line
// per attribute.
//
//	[12:04:05.120] INFO: settlement recorded
//	  user_id=cq3…
//	  post_id=cq4…
type ConsoleHandler struct {
	logger    *log.Logger
	level     slog.Leveler
	attrs     []slog.Attr
	openGroup string
	lock      *sync.Mutex
}

func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &ConsoleHandler{
		level:  level,
		logger: log.New(out, "", 0),
		lock:   &sync.Mutex{},
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch {
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	h.logger.Println(r.Time.Format("[15:04:05.000]"), level, color.CyanString(r.Message))

	for _, a := range h.attrs {
		h.printAttr("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.printAttr(h.openGroup, a)
		return true
	})
	return nil
}

func (h *ConsoleHandler) printAttr(prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.printAttr(prefix+a.Key+".", ga)
		}
		return
	}
	h.logger.Printf("  %s=%s", color.YellowString(prefix+a.Key), color.WhiteString(fmt.Sprint(a.Value.Any())))
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// attrs added before a group keep their own prefix
	prefixed := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	prefixed = append(prefixed, h.attrs...)
	for _, a := range attrs {
		if h.openGroup != "" {
			a.Key = h.openGroup + a.Key
		}
		prefixed = append(prefixed, a)
	}
	return &ConsoleHandler{
		attrs:     prefixed,
		logger:    h.logger,
		level:     h.level,
		lock:      h.lock,
		openGroup: h.openGroup,
	}
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ConsoleHandler{
		attrs:     h.attrs,
		logger:    h.logger,
		level:     h.level,
		lock:      h.lock,
		openGroup: h.openGroup + name + ".",
	}
}
