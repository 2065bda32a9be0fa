// Package task hosts long-running goroutines: a supervised group with
// graceful shutdown, and bounded mailboxes for passing work to a single owner.
//
//	g := task.NewGroup(ctx)
//	inbox := task.NewMailbox[command](64)
//	g.Spawn("owner", func(ctx context.Context) error {
//	    for {
//	        select {
//	        case cmd := <-inbox.Receive():
//	            cmd.apply()
//	        case <-ctx.Done():
//	            return nil
//	        }
//	    }
//	})
//	defer g.Shutdown()
//
// A task returning a non-nil error other than context cancellation cancels
// the whole group.
package task
