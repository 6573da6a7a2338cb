// astrotask is the command line client of astrotaskd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/astrotask/focusing"
	"github.com/nasa-jpl/astrotask/task"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "dev"

// serverURL is the daemon every command talks to
var serverURL = "http://localhost:8000"

func init() {
	if s := os.Getenv("ASTROTASK_SERVER"); s != "" {
		serverURL = s
	}
}

func client() *Client {
	return NewClient(serverURL)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "astrotask",
		Short:         "submit and manage tasks of an astrotaskd queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&serverURL, "server", "s", serverURL, "address of astrotaskd, also $ASTROTASK_SERVER")
	root.AddCommand(
		newSubmitCommand(),
		newListCommand(),
		newShowCommand(),
		newCancelCommand(),
		newRemoveCommand(),
		newWaitCommand(),
		newImageCommand(),
		newQueueCommand(),
		newFocusCommand(),
		newVersionCommand(),
	)
	return root
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad task id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCommand() *cobra.Command {
	var (
		p    task.Parameters
		file string
		kind string
		roi  []int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit a task and print its id",
		Long: `submit builds the task from its flags, or reads it as JSON from --file
("-" for stdin).  Temperature is in Kelvin, exposure time in seconds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				var r io.Reader = cmd.InOrStdin()
				if file != "-" {
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
					r = f
				}
				p = task.Parameters{}
				if err := json.NewDecoder(r).Decode(&p); err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
			} else {
				p.Kind = task.Kind(strings.ToLower(kind))
				if len(roi) != 0 {
					if len(roi) != 4 {
						return errors.New("--roi takes x,y,w,h")
					}
					p.Exposure.Frame = task.Rect{X: roi[0], Y: roi[1], W: roi[2], H: roi[3]}
				}
			}
			id, err := client().Submit(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "read the task as JSON from this file")
	f.StringVarP(&kind, "kind", "k", string(task.KindExposure), "exposure, sleep or focus")
	f.StringVar(&p.Instrument, "instrument", "", "instrument the task belongs to")
	f.StringVar(&p.Camera, "camera", "", "camera name")
	f.IntVar(&p.Ccd, "ccd", 0, "detector index within the camera")
	f.StringVar(&p.Cooler, "cooler", "", "cooler name")
	f.Float64Var(&p.Temperature, "temperature", 0, "detector temperature setpoint, K")
	f.StringVar(&p.FilterWheel, "filterwheel", "", "filter wheel name")
	f.StringVar(&p.Filter, "filter", "", "filter to select")
	f.StringVar(&p.Mount, "mount", "", "mount name")
	f.StringVar(&p.Focuser, "focuser", "", "focuser name")
	f.Float64VarP(&p.Exposure.Time, "time", "t", 0, "exposure time, s")
	f.Float64Var(&p.Exposure.Gain, "gain", 0, "detector gain")
	f.IntVar(&p.Exposure.Binning.H, "binh", 1, "horizontal binning")
	f.IntVar(&p.Exposure.Binning.V, "binv", 1, "vertical binning")
	f.BoolVar(&p.Exposure.Shutter, "shutter", true, "open the shutter, false for darks")
	f.StringVar(&p.Exposure.Purpose, "purpose", "", "light, dark, flat, bias...")
	f.IntSliceVar(&roi, "roi", nil, "subframe x,y,w,h")
	f.Float64Var(&p.Focus.Min, "focus-min", 0, "lowest focuser position of a focus scan")
	f.Float64Var(&p.Focus.Max, "focus-max", 0, "highest focuser position of a focus scan")
	f.IntVar(&p.Focus.Steps, "focus-steps", 0, "number of positions of a focus scan")
	f.StringVar(&p.Project, "project", "", "project the image belongs to")
	f.StringVar(&p.Repository, "repository", "", "subfolder of the image root")
	return cmd
}

func newListCommand() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			es, err := client().List(cmd.Context(), state)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTATE\tLAST CHANGE\tCAUSE\tFILE")
			for _, e := range es {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Params.Kind, e.State,
					e.LastChange.Local().Format(time.DateTime), e.Cause, e.Filename)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only tasks in this state")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "print a task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := client().Entry(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "cancel an executing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e, err := client().Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", e.ID, e.State)
			return nil
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "remove tasks that are not executing",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			for _, a := range args {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				if err := c.Remove(cmd.Context(), id); err != nil {
					return fmt.Errorf("%d: %w", id, err)
				}
			}
			return nil
		},
	}
}

// pollInterval is the pause between waits on a task that is still pending.
var pollInterval = 500 * time.Millisecond

// waitTerminal waits until the task reaches a terminal state.  status is
// called with every intermediate state.
func waitTerminal(ctx context.Context, c *Client, id int64, status func(task.State)) (task.Entry, error) {
	for {
		e, err := c.Wait(ctx, id, 10*time.Second)
		var se *StatusError
		switch {
		case errors.As(err, &se) && se.Code == http.StatusRequestTimeout:
			// still executing
		case err != nil:
			return e, err
		case e.State.Terminal():
			return e, nil
		default:
			status(e.State)
			select {
			case <-ctx.Done():
				return e, ctx.Err()
			case <-time.After(pollInterval):
			}
		}
		if err := ctx.Err(); err != nil {
			return e, err
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func newSpinner(w io.Writer, id int64) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            fmt.Sprintf(" task %d", id),
		SuffixAutoColon:   true,
		Message:           "waiting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
		Writer:            w,
	})
}

func newWaitCommand() *cobra.Command {
	var (
		timeout time.Duration
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "wait for a task to finish and print its final state",
		Long: `wait returns once the task is complete, failed or cancelled.  It exits
non-zero unless the task completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			status := func(task.State) {}
			var spin *yacspin.Spinner
			if !quiet && isTerminal(cmd.ErrOrStderr()) {
				spin, err = newSpinner(cmd.ErrOrStderr(), id)
				if err == nil && spin.Start() == nil {
					status = func(s task.State) { spin.Message(s.String()) }
				} else {
					spin = nil
				}
			}

			e, err := waitTerminal(ctx, client(), id, status)
			if spin != nil {
				if err == nil && e.State == task.Complete {
					spin.StopMessage(e.State.String())
					spin.Stop()
				} else {
					spin.StopFailMessage("failed")
					spin.StopFail()
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s\n", e.ID, e.State, e.Filename)
			if e.State != task.Complete {
				return fmt.Errorf("task %d %s: %s", e.ID, e.State, e.Cause)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long, 0 waits forever")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress spinner")
	return cmd
}

func newImageCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "image <id>",
		Short: "download the FITS image of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("task%d.fits", id)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := client().Image(cmd.Context(), id, f); err != nil {
				f.Close()
				os.Remove(out)
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "file to write, default task<id>.fits")
	return cmd
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "inspect and control the queue",
	}
	ops := []struct{ use, short string }{
		{"state", "print the queue state"},
		{"start", "launch pending tasks"},
		{"stop", "launch nothing more, running tasks continue"},
		{"cancel", "cancel every executing task"},
	}
	for _, op := range ops {
		op := op
		cmd.AddCommand(&cobra.Command{
			Use:   op.use,
			Short: op.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := client().Queue(cmd.Context(), op.use)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			},
		})
	}
	return cmd
}

// parseItems reads position:value pairs.
func parseItems(args []string) ([]focusing.FocusItem, error) {
	items := make([]focusing.FocusItem, 0, len(args))
	for _, a := range args {
		pos, val, ok := strings.Cut(a, ":")
		if !ok {
			return nil, fmt.Errorf("%q is not position:value", a)
		}
		p, err := strconv.ParseFloat(pos, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", a, err)
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", a, err)
		}
		items = append(items, focusing.FocusItem{Position: p, Value: v})
	}
	return items, nil
}

func newFocusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "focus",
		Short: "focus utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "solve <position:value>...",
		Short: "find the best focus position of a scan of image quality values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseItems(args)
			if err != nil {
				return err
			}
			f, err := client().Solve(cmd.Context(), items)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(f, 'f', -1, 64))
			return nil
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "astrotask version %v\n", Version)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
