package bus

import "context"

// LifecycleTypes are the broadcast event types that describe a work stream's
// progress from claim to terminal state.
var LifecycleTypes = []string{
	TypeClaim,
	TypeRelease,
	TypeStarted,
	TypeCompleted,
	TypeFailed,
	TypeStatus,
}

// MirrorBroadcasts subscribes to the broadcast topic for each given type and
// forwards every delivered event to fn until the context is cancelled. It
// keeps the router's broadcast side consumed so events reach a durable sink
// instead of aging out of the backlog.
func MirrorBroadcasts(ctx context.Context, r *Router, types []string, fn func(Event)) {
	for _, msgType := range types {
		sub := r.Subscribe(BroadcastTopic(msgType))
		go func(sub Subscription) {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					fn(evt)
				}
			}
		}(sub)
	}
}
