// Package interactive provides the interactive command loop for
// roborock-shell.
package interactive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/roborock-community/roborock-go/pkg/device"
	"github.com/roborock-community/roborock-go/pkg/discovery"
	"github.com/roborock-community/roborock-go/pkg/model"
	"github.com/roborock-community/roborock-go/pkg/protocol"
)

// Config configures the shell.
type Config struct {
	// Timeout bounds each device request issued by a command.
	// Default: 10 seconds.
	Timeout time.Duration
}

// Shell runs the interactive command loop against one account.
type Shell struct {
	manager *device.Manager
	config  Config
	rl      *readline.Instance

	ctx context.Context

	// Selected device and its event watcher.
	current     *device.Client
	watchCancel context.CancelFunc
}

// New creates a shell over a started device manager.
func New(manager *device.Manager, cfg Config) (*Shell, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "roborock> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("create readline: %w", err)
	}

	return &Shell{
		manager: manager,
		config:  cfg,
		rl:      rl,
	}, nil
}

// Run starts the interactive command loop. It returns when the user
// exits or ctx ends.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()
	defer s.stopWatch()
	s.ctx = ctx

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "devices", "ls":
			s.cmdDevices()

		case "use", "u":
			s.cmdUse(args)

		case "status", "st":
			s.cmdStatus()

		case "summary":
			s.cmdSummary()

		case "net":
			s.cmdNet()

		case "fan":
			s.cmdFan(args)

		case "start":
			s.cmdControl("start")

		case "stop":
			s.cmdControl("stop")

		case "pause":
			s.cmdControl("pause")

		case "dock", "home":
			s.cmdControl("dock")

		case "find":
			s.cmdFind()

		case "ping":
			s.cmdPing()

		case "local":
			s.cmdLocal()

		case "send":
			s.cmdSend(args)

		case "discover":
			s.cmdDiscover(args)

		case "mdns":
			s.cmdMDNS(args)

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
Roborock Shell Commands:
  Account:
    devices            - List account devices
    use <duid|name>    - Select a device (connects on first use)

  Device:
    status             - Show device status
    summary            - Show clean history summary
    net                - Show device network info
    start|stop|pause   - Control the current clean
    dock               - Send the device back to its dock
    fan <level>        - Set fan power (quiet, balanced, turbo, max, off, or 101-105)
    find               - Make the device announce its location
    ping               - Check reachability
    local              - Show which link requests travel over
    send <method> [params] - Send a raw method (params as JSON)

  Discovery:
    discover [seconds] - Listen for device announcements (default 15s)
    mdns [seconds]     - Browse mDNS for vacuums (default 15s)

  General:
    help               - Show this help
    quit               - Exit

Device pushes (state changes, map updates) print as they arrive for
the selected device.`)
}

// opCtx derives the per-request context for one command.
func (s *Shell) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.config.Timeout)
}

// requireDevice returns the selected device, or nil after telling the
// user to pick one.
func (s *Shell) requireDevice() *device.Client {
	if s.current == nil {
		fmt.Fprintln(s.rl.Stdout(), "No device selected (list with 'devices', then 'use <duid>')")
		return nil
	}
	return s.current
}

// findDevice resolves a duid or name, exact match first, then partial
// duid match.
func (s *Shell) findDevice(query string) (model.DeviceInfo, bool) {
	devices := s.manager.Devices()
	for _, d := range devices {
		if d.DUID == query || strings.EqualFold(d.Name, query) {
			return d, true
		}
	}
	for _, d := range devices {
		if strings.Contains(d.DUID, query) {
			return d, true
		}
	}
	return model.DeviceInfo{}, false
}

// cmdDevices lists the account devices.
func (s *Shell) cmdDevices() {
	devices := s.manager.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No devices configured")
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "\nDevices (%d):\n", len(devices))
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	for _, d := range devices {
		marker := "  "
		if s.current != nil && s.current.DUID() == d.DUID {
			marker = "* "
		}
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(s.rl.Stdout(), "%s%-24s %-20s pv %s\n", marker, d.DUID, name, d.PV)
	}
	fmt.Fprintln(s.rl.Stdout())
}

// cmdUse selects a device, connecting it on first use, and starts
// printing its pushes.
func (s *Shell) cmdUse(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: use <duid|name>")
		return
	}

	info, ok := s.findDevice(args[0])
	if !ok {
		fmt.Fprintf(s.rl.Stdout(), "Device not found: %s\n", args[0])
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	client, err := s.manager.GetDevice(ctx, info.DUID)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Connect failed: %v\n", err)
		return
	}

	s.stopWatch()
	watchCtx, watchCancel := context.WithCancel(context.Background())
	s.watchCancel = watchCancel
	go s.watch(watchCtx, client)

	s.current = client
	prompt := info.Name
	if prompt == "" {
		prompt = shortDUID(info.DUID)
	}
	s.rl.SetPrompt(prompt + "> ")

	fmt.Fprintf(s.rl.Stdout(), "Using %s (%s, pv %s)\n", info.Name, info.DUID, info.PV)
}

// cmdStatus shows the device status.
func (s *Shell) cmdStatus() {
	c := s.requireDevice()
	if c == nil {
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	st, err := c.GetStatus(ctx)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintln(s.rl.Stdout(), "\nDevice Status")
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(s.rl.Stdout(), "  State:      %s (%d)\n", model.StateName(st.State), st.State)
	fmt.Fprintf(s.rl.Stdout(), "  Battery:    %d%%\n", st.Battery)
	fmt.Fprintf(s.rl.Stdout(), "  Fan power:  %s\n", fanName(st.FanPower))
	fmt.Fprintf(s.rl.Stdout(), "  Clean:      %s, %.1f m²\n",
		(time.Duration(st.CleanTime) * time.Second).String(), float64(st.CleanArea)/1e6)
	if st.ErrorCode != 0 {
		fmt.Fprintf(s.rl.Stdout(), "  Error:      code %d\n", st.ErrorCode)
	}
	fmt.Fprintf(s.rl.Stdout(), "  DND:        %v\n", st.DNDEnabled != 0)
	fmt.Fprintf(s.rl.Stdout(), "  Map:        %v\n", st.MapPresent != 0)
	fmt.Fprintf(s.rl.Stdout(), "  Link:       %s\n", s.linkName())
	fmt.Fprintln(s.rl.Stdout())
}

// cmdSummary shows the clean history summary.
func (s *Shell) cmdSummary() {
	c := s.requireDevice()
	if c == nil {
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	sum, err := c.GetCleanSummary(ctx)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintln(s.rl.Stdout(), "\nClean Summary")
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(s.rl.Stdout(), "  Total time: %s\n", (time.Duration(sum.CleanTime) * time.Second).String())
	fmt.Fprintf(s.rl.Stdout(), "  Total area: %.1f m²\n", float64(sum.CleanArea)/1e6)
	fmt.Fprintf(s.rl.Stdout(), "  Runs:       %d\n", sum.CleanCount)
	if len(sum.Records) > 0 {
		fmt.Fprintln(s.rl.Stdout(), "  Recent runs:")
		shown := len(sum.Records)
		if shown > 5 {
			shown = 5
		}
		for _, start := range sum.Records[:shown] {
			fmt.Fprintf(s.rl.Stdout(), "    %s\n", time.Unix(start, 0).Format("2006-01-02 15:04"))
		}
	}
	fmt.Fprintln(s.rl.Stdout())
}

// cmdNet shows the device network info.
func (s *Shell) cmdNet() {
	c := s.requireDevice()
	if c == nil {
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	ni, err := c.GetNetworkInfo(ctx)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintln(s.rl.Stdout(), "\nNetwork Info")
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(s.rl.Stdout(), "  IP:    %s\n", ni.IP)
	fmt.Fprintf(s.rl.Stdout(), "  SSID:  %s\n", ni.SSID)
	fmt.Fprintf(s.rl.Stdout(), "  MAC:   %s\n", ni.MAC)
	fmt.Fprintf(s.rl.Stdout(), "  BSSID: %s\n", ni.BSSID)
	fmt.Fprintf(s.rl.Stdout(), "  RSSI:  %d dBm\n", ni.RSSI)
	fmt.Fprintln(s.rl.Stdout())
}

// cmdFan sets the fan power.
func (s *Shell) cmdFan(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: fan <quiet|balanced|turbo|max|off|101-105>")
		return
	}
	c := s.requireDevice()
	if c == nil {
		return
	}

	speed, err := parseFanLevel(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid fan level: %v\n", err)
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := c.SetFanSpeed(ctx, speed); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Fan power set to %s\n", fanName(speed))
}

// cmdControl runs one of the cleaning control operations.
func (s *Shell) cmdControl(action string) {
	c := s.requireDevice()
	if c == nil {
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	var err error
	switch action {
	case "start":
		err = c.AppStart(ctx)
	case "stop":
		err = c.AppStop(ctx)
	case "pause":
		err = c.AppPause(ctx)
	case "dock":
		err = c.AppCharge(ctx)
	}
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "OK")
}

// cmdFind makes the device announce its location.
func (s *Shell) cmdFind() {
	c := s.requireDevice()
	if c == nil {
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	if _, err := c.Send(ctx, "find_me", nil); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "OK")
}

// cmdPing checks reachability and reports the link and latency.
func (s *Shell) cmdPing() {
	c := s.requireDevice()
	if c == nil {
		return
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	started := time.Now()
	if err := c.Ping(ctx); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Ping failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Pong in %s via %s\n", time.Since(started).Round(time.Millisecond), s.linkName())
}

// cmdLocal reports which link the device's requests travel over.
func (s *Shell) cmdLocal() {
	c := s.requireDevice()
	if c == nil {
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Requests travel over %s\n", s.linkName())
}

// cmdSend sends a raw method, with optional JSON params.
func (s *Shell) cmdSend(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: send <method> [json-params]")
		fmt.Fprintln(s.rl.Stdout(), "  Example: send get_room_mapping")
		fmt.Fprintln(s.rl.Stdout(), "  Example: send set_custom_mode [104]")
		return
	}
	c := s.requireDevice()
	if c == nil {
		return
	}

	method := args[0]
	var params any
	if len(args) > 1 {
		raw := strings.Join(args[1:], " ")
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Invalid params (must be JSON): %v\n", err)
			return
		}
	}

	ctx, cancel := s.opCtx()
	defer cancel()
	result, err := c.Send(ctx, method, params)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "%s\n", result)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "%s\n", pretty.String())
}

// cmdDiscover listens for device announcements on the LAN.
func (s *Shell) cmdDiscover(args []string) {
	seconds := 15
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintln(s.rl.Stdout(), "Usage: discover [seconds]")
			return
		}
		seconds = n
	}

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(seconds)*time.Second)
	defer cancel()

	listener := discovery.NewBroadcastListener(discovery.BroadcastListenerConfig{})
	devices, err := listener.Listen(ctx)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "Listening for announcements (%ds)...\n", seconds)
	count := 0
	for dev := range devices {
		count++
		name := ""
		if info, ok := s.findDevice(dev.DUID); ok {
			name = " (" + info.Name + ")"
		}
		fmt.Fprintf(s.rl.Stdout(), "  %s at %s%s\n", dev.DUID, dev.IP, name)
	}
	fmt.Fprintf(s.rl.Stdout(), "%d device(s) heard\n", count)
}

// cmdMDNS browses mDNS for advertised vacuums.
func (s *Shell) cmdMDNS(args []string) {
	seconds := 15
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintln(s.rl.Stdout(), "Usage: mdns [seconds]")
			return
		}
		seconds = n
	}

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(seconds)*time.Second)
	defer cancel()

	browser := discovery.NewBrowser(discovery.BrowserConfig{})
	services, err := browser.Browse(ctx)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "Browsing %s (%ds)...\n", discovery.ServiceType, seconds)
	count := 0
	for svc := range services {
		count++
		fmt.Fprintf(s.rl.Stdout(), "  %s (%s) at %s:%d\n",
			svc.Model, svc.Instance, strings.Join(svc.Addresses, ", "), svc.Port)
	}
	fmt.Fprintf(s.rl.Stdout(), "%d service(s) found\n", count)
}

// watch prints device pushes until ctx ends.
func (s *Shell) watch(ctx context.Context, client *device.Client) {
	for ev := range client.Events(ctx) {
		s.printEvent(ev)
	}
}

func (s *Shell) stopWatch() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
}

// printEvent displays one device push without disturbing the prompt.
func (s *Shell) printEvent(ev device.Event) {
	ts := ev.ReceivedAt.Format("15:04:05")

	if ev.Message.Protocol == protocol.MapResponse {
		fmt.Fprintf(s.rl.Stdout(), "\n[%s] %s: map update (%d bytes via %s)\n",
			ts, ev.DUID, len(ev.Message.Payload), ev.Channel)
		s.rl.Refresh()
		return
	}

	payload, err := ev.Payload()
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "\n[%s] %s: %s frame (%d bytes via %s)\n",
			ts, ev.DUID, ev.Message.Protocol, len(ev.Message.Payload), ev.Channel)
		s.rl.Refresh()
		return
	}
	for key, value := range payload.DPS {
		fmt.Fprintf(s.rl.Stdout(), "\n[%s] %s: dps %s = %s\n", ts, ev.DUID, key, value)
	}
	s.rl.Refresh()
}

func (s *Shell) linkName() string {
	if s.current != nil && s.current.IsLocal() {
		return "local tcp"
	}
	return "cloud mqtt"
}

// fanName returns the preset name for a fan power code.
func fanName(speed int) string {
	switch speed {
	case model.FanPowerQuiet:
		return "quiet"
	case model.FanPowerBalanced:
		return "balanced"
	case model.FanPowerTurbo:
		return "turbo"
	case model.FanPowerMax:
		return "max"
	case model.FanPowerOff:
		return "off"
	default:
		return strconv.Itoa(speed)
	}
}

// parseFanLevel accepts a preset name or a numeric level.
func parseFanLevel(arg string) (int, error) {
	switch strings.ToLower(arg) {
	case "quiet":
		return model.FanPowerQuiet, nil
	case "balanced":
		return model.FanPowerBalanced, nil
	case "turbo":
		return model.FanPowerTurbo, nil
	case "max":
		return model.FanPowerMax, nil
	case "off":
		return model.FanPowerOff, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%q is neither a preset nor a number", arg)
	}
	return n, nil
}

func shortDUID(duid string) string {
	if len(duid) > 8 {
		return duid[:8]
	}
	return duid
}
