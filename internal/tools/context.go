package tools

import "context"

// Origin identifies the Telegram chat and forum thread a tool call came from.
type Origin struct {
	ChatID   int64
	ThreadID int
}

type originKey struct{}

func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

func OriginFrom(ctx context.Context) (Origin, bool) {
	o, ok := ctx.Value(originKey{}).(Origin)
	return o, ok
}
