package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/roach88/txmon/internal/ipc"
	"github.com/roach88/txmon/internal/message"
	"github.com/roach88/txmon/internal/state"
)

// ErrManagerUnreachable is returned when no manager listens on the socket.
var ErrManagerUnreachable = errors.New("transaction manager not reachable")

// AdminClient talks to a running manager over its own reply socket.
type AdminClient struct {
	transport ipc.Transport
	manager   ipc.Address
	self      ipc.Process
}

// NewAdminClient creates a client replying on transport.
func NewAdminClient(transport ipc.Transport, manager ipc.Address) *AdminClient {
	return &AdminClient{
		transport: transport,
		manager:   manager,
		self:      ipc.Process{PID: os.Getpid(), Address: transport.Address()},
	}
}

// dial binds a reply socket next to the manager's.
func (o *RootOptions) dial() (*AdminClient, error) {
	ep, err := ipc.ListenUnix(filepath.Join(o.SocketDir, "admin-"+xid.New().String()+".sock"))
	if err != nil {
		return nil, err
	}
	return NewAdminClient(ep, ipc.Address(o.managerAddress())), nil
}

// Close releases the reply socket.
func (a *AdminClient) Close() error {
	return a.transport.Close()
}

// call sends m and returns the first reply of type T.
func call[T message.Message](ctx context.Context, a *AdminClient, m message.Message) (T, error) {
	var zero T
	err := ipc.SendBlocking(ctx, a.transport, a.manager, message.MustEncode(m))
	if errors.Is(err, ipc.ErrUnreachable) {
		return zero, fmt.Errorf("%w at %s", ErrManagerUnreachable, a.manager)
	}
	if err != nil {
		return zero, fmt.Errorf("send %s: %w", m.Kind(), err)
	}
	for {
		payload, err := a.transport.Receive(ctx)
		if err != nil {
			return zero, fmt.Errorf("wait for reply to %s: %w", m.Kind(), err)
		}
		reply, err := message.Decode(payload)
		if err != nil {
			return zero, fmt.Errorf("decode reply: %w", err)
		}
		if r, ok := reply.(T); ok {
			return r, nil
		}
	}
}

// State fetches the manager's snapshot.
func (a *AdminClient) State(ctx context.Context) (state.Snapshot, error) {
	r, err := call[*message.StateReply](ctx, a, &message.StateRequest{Process: a.self})
	if err != nil {
		return state.Snapshot{}, err
	}
	return r.Snapshot, nil
}

// Scale sets the size of a proxy group.
func (a *AdminClient) Scale(ctx context.Context, name string, instances int) (*message.ScaleReply, error) {
	return call[*message.ScaleReply](ctx, a, &message.ScaleRequest{Process: a.self, Name: name, Instances: instances})
}

// Shutdown asks the manager to stop and waits until it has.
func (a *AdminClient) Shutdown(ctx context.Context) error {
	_, err := call[*message.Shutdown](ctx, a, &message.Shutdown{Process: a.self})
	return err
}

// withClient runs fn with a connected client under the admin timeout.
func withClient(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *AdminClient) error) error {
	client, err := opts.dial()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to bind reply socket", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	err = fn(ctx, client)
	switch {
	case errors.Is(err, ErrManagerUnreachable):
		return WrapExitError(ExitCommandError, "is the manager running?", err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapExitError(ExitCommandError, fmt.Sprintf("no answer within %s", opts.Timeout), err)
	}
	return err
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show transactions and proxy pools of a running manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *AdminClient) error {
				snap, err := c.State(ctx)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(snap, func(w io.Writer) {
					RenderSnapshot(w, snap, time.Now())
				})
			})
		},
	}
}

// RenderSnapshot writes a snapshot as text tables.
func RenderSnapshot(w io.Writer, snap state.Snapshot, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "RESOURCE\tNAME\tKEY\tINSTANCES\tINVOKED\tAVG\tMAX")
	for _, p := range snap.Proxies {
		states := make([]string, 0, len(p.Instances))
		for _, inst := range p.Instances {
			states = append(states, inst.State)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d %s\t%s\t%s\t%s\n",
			p.ID, p.Name, p.Key,
			len(p.Instances), p.Concurrency, strings.Join(states, ","),
			humanize.Comma(int64(p.Invoked)),
			time.Duration(p.AvgMicros)*time.Microsecond,
			time.Duration(p.MaxMicros)*time.Microsecond,
		)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "XID\tOWNER\tROLE\tPHASE\tOUTCOME\tSTARTED\tBRANCHES")
	for _, tx := range snap.Transactions {
		branches := make([]string, 0, len(tx.Branches))
		for _, b := range tx.Branches {
			branches = append(branches, strconv.Itoa(b.Resource)+":"+b.Stage)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			tx.XID, tx.Owner, tx.Role, tx.Phase, tx.Outcome,
			humanize.RelTime(time.UnixMicro(tx.Started), now, "ago", "from now"),
			strings.Join(branches, " "),
		)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%s transactions, %s queued replies, %s queued requests\n",
		humanize.Comma(int64(len(snap.Transactions)+snap.Omitted)),
		humanize.Comma(int64(snap.Pending.Replies)),
		humanize.Comma(int64(snap.Pending.Requests)),
	)
	if snap.Omitted > 0 {
		fmt.Fprintf(w, "%s transactions not shown\n", humanize.Comma(int64(snap.Omitted)))
	}
}

// NewScaleCommand creates the scale command.
func NewScaleCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scale <resource> <instances>",
		Short: "Resize a resource proxy pool",
		Long: `Resize a resource proxy pool of a running manager.

Surplus instances still starting are killed; instances serving a request
finish it before they exit.

Example:
  txmon scale ora 4
  txmon scale ora 0`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("instances must be a non-negative integer, got %q", args[1]))
			}
			return withClient(cmd, rootOpts, func(ctx context.Context, c *AdminClient) error {
				reply, err := c.Scale(ctx, args[0], n)
				if err != nil {
					return err
				}
				out := rootOpts.formatter(cmd)
				if reply.Error != "" {
					_ = out.Error("E_REFUSED", reply.Error, nil)
					return NewExitError(ExitFailure, reply.Error)
				}
				return out.Success(reply, func(w io.Writer) {
					fmt.Fprintf(w, "%s scaled to %d instances\n", reply.Name, reply.Instances)
				})
			})
		},
	}
}

// NewShutdownCommand creates the shutdown command.
func NewShutdownCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop a running manager once in-flight work is done",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, rootOpts, func(ctx context.Context, c *AdminClient) error {
				if err := c.Shutdown(ctx); err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(map[string]string{"state": "stopped"}, func(w io.Writer) {
					fmt.Fprintln(w, "Transaction manager stopped.")
				})
			})
		},
	}
}
