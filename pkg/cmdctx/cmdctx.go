// Package cmdctx gives running commands access to their scheduling state.
//
// The engine stores an Info in the context passed to Command.Run, together
// with a zerolog logger carrying the command's fields:
//
//	func (c *RefreshAnime) Run(ctx context.Context, q core.Queuer) error {
//	    zerolog.Ctx(ctx).Info().Int("attempt", cmdctx.Attempt(ctx)).Msg("refreshing")
//	    return q.Add(ctx, &DownloadImage{...}, cmdctx.Batch(ctx))
//	}
package cmdctx

import "context"

type infoKey struct{}

// Info describes the run a command body belongs to.
type Info struct {
	CommandID string
	Type      string
	Batch     string

	// Attempt is 1 for the first run and grows with every retry.
	Attempt int

	EngineID string
}

// With returns a copy of ctx carrying info.
func With(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// FromContext returns the Info of the running command, if any.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}

// CommandID returns the running command's identity, or "" outside a command.
func CommandID(ctx context.Context) string {
	info, _ := FromContext(ctx)
	return info.CommandID
}

// Batch returns the batch the running command was queued under.
func Batch(ctx context.Context) string {
	info, _ := FromContext(ctx)
	return info.Batch
}

// Attempt returns the 1-based attempt number, or 0 outside a command.
func Attempt(ctx context.Context) int {
	info, _ := FromContext(ctx)
	return info.Attempt
}
