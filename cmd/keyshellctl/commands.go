package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"keyshell/internal/ipc"
)

// app runs one command against a connected daemon.
type app struct {
	out    io.Writer
	json   bool
	color  bool
	client *ipc.IPCClient

	// stop ends watch. Nil means SIGINT/SIGTERM.
	stop <-chan struct{}
}

func (a *app) connect(socket string) error {
	cfg := ipc.DefaultClientConfig(socket)
	cfg.ClientVersion = Version
	a.client = ipc.NewClient(cfg)
	return a.client.Connect()
}

func (a *app) close() {
	if a.client != nil {
		_ = a.client.Close()
	}
}

func (a *app) run(cmd string, args []string) error {
	switch cmd {
	case "status":
		return a.cmdStatus()
	case "ping":
		return a.cmdPing()
	case "drivers":
		return a.cmdDrivers()
	case "detach":
		if len(args) != 1 {
			return fmt.Errorf("usage: keyshellctl detach <name>")
		}
		return a.cmdDetach(args[0])
	case "suspend":
		return a.cmdSuspend(true)
	case "resume":
		return a.cmdSuspend(false)
	case "inject":
		if len(args) == 0 {
			return fmt.Errorf("usage: keyshellctl inject <KEY[:state]>...")
		}
		return a.cmdInject(args)
	case "contexts":
		return a.cmdContexts()
	case "switch":
		if len(args) != 1 {
			return fmt.Errorf("usage: keyshellctl switch <name>")
		}
		return a.cmdSwitch(args[0])
	case "faults":
		limit := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid limit %q", args[0])
			}
			limit = n
		}
		return a.cmdFaults(limit)
	case "watch":
		return a.cmdWatch()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (a *app) cmdStatus() error {
	status, err := a.client.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if a.json {
		return a.printJSON(status)
	}

	a.printSection("DAEMON STATUS")
	a.printField("Version", a.paint(colorCyan, status.Version))
	a.printField("Uptime", status.Uptime.Round(time.Second).String())
	a.printField("Started", status.StartedAt.Format(time.RFC3339))

	switch {
	case !status.Listening:
		a.printField("Input", a.paint(colorBold+colorRed, "STOPPED"))
	case status.Suspended:
		a.printField("Input", a.paint(colorBold+colorYellow, "SUSPENDED"))
	default:
		a.printField("Input", a.paint(colorBold+colorGreen, "LISTENING"))
	}
	ctx := status.Context
	if ctx == "" {
		ctx = "(none)"
	}
	a.printField("Context", ctx)
	a.printField("Drivers", strconv.Itoa(status.Drivers))
	a.printField("Queued", strconv.Itoa(status.QueueLen))

	if len(status.Metrics) > 0 {
		a.printSection("METRICS")
		names := make([]string, 0, len(status.Metrics))
		for name := range status.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a.printField(name, fmt.Sprint(status.Metrics[name]))
		}
	}
	fmt.Fprintln(a.out)
	return nil
}

func (a *app) cmdPing() error {
	start := time.Now()
	if err := a.client.Ping(); err != nil {
		return err
	}
	if a.json {
		return a.printJSON(map[string]any{"ok": true, "version": a.client.ServerVersion()})
	}
	fmt.Fprintf(a.out, "pong from keyshell %s in %s\n", a.client.ServerVersion(), time.Since(start).Round(time.Microsecond))
	return nil
}

func (a *app) cmdDrivers() error {
	list, err := a.client.ListDrivers()
	if err != nil {
		return fmt.Errorf("list drivers: %w", err)
	}
	if a.json {
		return a.printJSON(list)
	}
	if len(list.Drivers) == 0 {
		fmt.Fprintln(a.out, "No drivers attached.")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tINITIAL\tKEYS")
	for _, d := range list.Drivers {
		ks := make([]string, len(d.AvailableKeys))
		for i, k := range d.AvailableKeys {
			ks[i] = string(k)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", d.Name, d.Kind, d.Initial, summarize(ks, 4))
	}
	return tw.Flush()
}

func (a *app) cmdDetach(name string) error {
	if err := a.client.DetachDriver(name); err != nil {
		return fmt.Errorf("detach %s: %w", name, err)
	}
	return a.printOK("Detached " + name)
}

func (a *app) cmdSuspend(suspend bool) error {
	if suspend {
		if err := a.client.Suspend(); err != nil {
			return err
		}
		return a.printOK("Input suspended")
	}
	if err := a.client.Resume(); err != nil {
		return err
	}
	return a.printOK("Input resumed")
}

func (a *app) cmdInject(events []string) error {
	for _, ev := range events {
		if err := a.client.Inject(ev); err != nil {
			return fmt.Errorf("inject %s: %w", ev, err)
		}
	}
	return a.printOK(fmt.Sprintf("Injected %d event(s)", len(events)))
}

func (a *app) cmdContexts() error {
	list, err := a.client.ListContexts()
	if err != nil {
		return fmt.Errorf("list contexts: %w", err)
	}
	if a.json {
		return a.printJSON(list)
	}
	for _, name := range list.Contexts {
		if name == list.Current {
			fmt.Fprintf(a.out, "* %s\n", a.paint(colorBold+colorGreen, name))
			continue
		}
		fmt.Fprintf(a.out, "  %s\n", name)
	}
	return nil
}

func (a *app) cmdSwitch(name string) error {
	if err := a.client.SwitchContext(name); err != nil {
		return fmt.Errorf("switch to %s: %w", name, err)
	}
	return a.printOK("Switched to " + name)
}

func (a *app) cmdFaults(limit int) error {
	faults, err := a.client.RecentFaults(limit)
	if err != nil {
		return fmt.Errorf("recent faults: %w", err)
	}
	if a.json {
		return a.printJSON(faults)
	}
	if len(faults) == 0 {
		fmt.Fprintln(a.out, "No faults recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKEY\tSTATE\tTIER\tCONTEXT\tERROR")
	for _, f := range faults {
		msg := f.Error
		if f.Panic {
			msg = "panic: " + msg
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.Time.Local().Format("2006-01-02 15:04:05"), f.Key, f.State, f.Tier, f.Context, msg)
	}
	return tw.Flush()
}

func (a *app) cmdWatch() error {
	if err := a.client.Subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	stop := a.stop
	if stop == nil {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		done := make(chan struct{})
		go func() {
			<-sigChan
			close(done)
		}()
		stop = done
	}

	check := time.NewTicker(time.Second)
	defer check.Stop()

	for {
		select {
		case ev := <-a.client.Events():
			a.printEvent(ev)
			if ev.Type == ipc.EventDaemonShutdown {
				return nil
			}
		case <-check.C:
			if !a.client.IsConnected() {
				return ipc.ErrConnectionLost
			}
		case <-stop:
			return a.client.Unsubscribe()
		}
	}
}

func (a *app) printEvent(ev *ipc.Event) {
	if a.json {
		_ = json.NewEncoder(a.out).Encode(ev)
		return
	}
	data := string(ev.Data)
	if data == "null" {
		data = ""
	}
	fmt.Fprintf(a.out, "%s %s %s\n",
		a.paint(colorDim, ev.Timestamp.Local().Format("15:04:05.000")),
		a.paint(colorCyan, ev.Type.String()),
		data)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printOK(msg string) error {
	if a.json {
		return a.printJSON(map[string]any{"ok": true})
	}
	fmt.Fprintf(a.out, "%s %s\n", a.paint(colorGreen, "ok"), msg)
	return nil
}

func (a *app) printSection(title string) {
	fmt.Fprintf(a.out, "\n%s\n", a.paint(colorBold, title))
}

func (a *app) printField(name, value string) {
	fmt.Fprintf(a.out, "  %s %s\n", a.paint(colorDim, fmt.Sprintf("%-14s", name)), value)
}

func (a *app) printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", a.paint(colorBold+colorRed, "error:"), fmt.Sprintf(format, args...))
}

func (a *app) paint(color, s string) string {
	if !a.color {
		return s
	}
	return color + s + colorReset
}

// summarize joins up to n items and counts the rest.
func summarize(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ",")
	}
	return fmt.Sprintf("%s,... (+%d)", strings.Join(items[:n], ","), len(items)-n)
}
