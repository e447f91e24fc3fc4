package smartcard

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/metrics"
	"github.com/cuemby/securityd/pkg/registry"
	"github.com/cuemby/securityd/pkg/timer"
)

// ServiceLevel controls when the monitor launches the helper daemon
// (spec §4.7).
type ServiceLevel string

const (
	ForcedOff      ServiceLevel = "forced_off"
	ForcedOn       ServiceLevel = "forced_on"
	ExternalDaemon ServiceLevel = "external_daemon"
	Conservative   ServiceLevel = "conservative"
	Aggressive     ServiceLevel = "aggressive"
)

// ChildState is the helper daemon's supervised lifecycle state (spec
// §4.7 child-process lifecycle table).
type ChildState int

const (
	NotRunning ChildState = iota
	Starting
	Alive
	Terminating
	Dead
)

func (s ChildState) String() string {
	switch s {
	case NotRunning:
		return "not-running"
	case Starting:
		return "starting"
	case Alive:
		return "alive"
	case Terminating:
		return "terminating"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// DeviceSupport is the outcome of the device-attach heuristic (spec
// §4.7 device-attach heuristic).
type DeviceSupport int

const (
	Impossible DeviceSupport = iota
	Possible
	Definite
)

// USB interface/device class constants the heuristic matches against,
// named for the USB classes original_source/src/pcscmonitor.cpp
// checks (kUSBChipSmartCardInterfaceClass, kUSBVendorSpecificClass).
const (
	CCIDInterfaceClass  = 0x0b
	VendorSpecificClass = 0xff
)

// ClassifyDevice implements the attach heuristic: CCID interface is a
// definite match, vendor-specific interface or device class is a
// possible match, anything else is impossible (spec §4.7).
func ClassifyDevice(interfaceClass, deviceClass *int) DeviceSupport {
	if interfaceClass != nil {
		switch *interfaceClass {
		case CCIDInterfaceClass:
			return Definite
		case VendorSpecificClass:
			return Possible
		default:
			return Impossible
		}
	}
	if deviceClass != nil && *deviceClass == VendorSpecificClass {
		return Possible
	}
	return Impossible
}

// ReaderState is one reader's observed status for a single poll
// cycle, supplied by an external PCSC collaborator (out of scope for
// this spec; see spec §6's scoping of the helper daemon as an
// external process rather than an in-process library).
type ReaderState struct {
	Name        string
	Present     bool
	TokenSerial string
	Changed     bool
}

const idleShutdown = 120 * time.Second

// Config configures the helper-daemon supervisor.
type Config struct {
	ServiceLevel ServiceLevel
	// ExecPath defaults to /usr/sbin/pcscd, overridable by $PCSCDAEMON
	// (spec §6).
	ExecPath string
	// WorkingDir defaults to /var/run/pcscd (spec §6).
	WorkingDir string
	// DebugLogPath, if set, captures the helper's stdout (spec §6:
	// "Stdout is redirected to /tmp/pcsc.debuglog in debug builds").
	DebugLogPath string
}

func (c Config) execPath() string {
	if env := os.Getenv("PCSCDAEMON"); env != "" {
		return env
	}
	if c.ExecPath != "" {
		return c.ExecPath
	}
	return "/usr/sbin/pcscd"
}

func (c Config) workingDir() string {
	if c.WorkingDir != "" {
		return c.WorkingDir
	}
	return "/var/run/pcscd"
}

// SmartcardMonitor is the daemon's single smartcard supervisor: a
// notification listener, device-attach receiver, power-event
// listener, and child-process supervisor for pcscd rolled into one
// struct (spec §4.7 and §9's multiple-inheritance redesign note).
type SmartcardMonitor struct {
	cfg   Config
	reg   *registry.Registry
	wheel *timer.Wheel

	mu        sync.Mutex
	state     ChildState
	cmd       *exec.Cmd
	readers   map[string]*Reader
	sleeping  bool
	idleTimer timer.Handle
	hasTimer  bool
}

// New creates a monitor in the not-running state. Callers should call
// InitialSetup once the server loop has started (spec §4.7: "do all
// the smartcard-related work once the event loop has started").
func New(cfg Config, reg *registry.Registry, wheel *timer.Wheel) *SmartcardMonitor {
	return &SmartcardMonitor{
		cfg:     cfg,
		reg:     reg,
		wheel:   wheel,
		readers: make(map[string]*Reader),
	}
}

// InitialSetup performs the service-level-dependent startup action
// (spec §4.7 table row "not-running -> launch requested").
func (m *SmartcardMonitor) InitialSetup() error {
	switch m.cfg.ServiceLevel {
	case ForcedOff:
		log.WithComponent("smartcard").Info().Msg("smartcard operation is forced off")
		return nil
	case ForcedOn:
		return m.Launch()
	case ExternalDaemon:
		log.WithComponent("smartcard").Info().Msg("using external pcscd; no launch operations")
		return nil
	default:
		log.WithComponent("smartcard").Info().Str("level", string(m.cfg.ServiceLevel)).Msg("automatic pcsc management enabled")
		return nil
	}
}

// State reports the current child-process state.
func (m *SmartcardMonitor) State() ChildState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReaderCount reports the number of currently tracked readers.
func (m *SmartcardMonitor) ReaderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readers)
}

// Launch starts the helper daemon if it is not already running (spec
// §4.7 table: "not-running -> launch requested -> forking -> alive").
func (m *SmartcardMonitor) Launch() error {
	m.mu.Lock()
	if m.state == Starting || m.state == Alive {
		m.mu.Unlock()
		return nil
	}
	m.state = Starting
	m.mu.Unlock()

	workDir := m.cfg.workingDir()
	if err := os.Rename(workDir, workDir+fmt.Sprintf(".bak-%d", time.Now().UnixNano())); err != nil && !os.IsNotExist(err) {
		log.WithComponent("smartcard").Warn().Err(err).Msg("failed to relocate pcscd working directory")
	}
	if err := os.MkdirAll(workDir, 0700); err != nil {
		m.setState(Dead)
		return errs.New(errs.Transient, "failed to recreate pcscd working directory: %v", err)
	}

	cmd := exec.Command(m.cfg.execPath(), "-f")
	cmd.Dir = workDir
	if m.cfg.DebugLogPath != "" {
		f, err := os.OpenFile(m.cfg.DebugLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}

	if err := cmd.Start(); err != nil {
		m.setState(Dead)
		return errs.New(errs.Transient, "failed to launch pcscd: %v", err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.state = Alive
	m.mu.Unlock()
	metrics.HelperLaunchesTotal.Inc()

	// Arm the idle timer immediately: if pcscd doesn't report a reader
	// soon, it gets killed the same way an already-idle daemon would.
	m.scheduleTimer(true)

	go m.waitForExit(cmd)
	return nil
}

func (m *SmartcardMonitor) setState(s ChildState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *SmartcardMonitor) waitForExit(cmd *exec.Cmd) {
	err := cmd.Wait()
	if err != nil {
		log.WithComponent("smartcard").Warn().Err(err).Msg("pcscd exited")
	}
	m.dying()
}

// dying handles an unexpected (or idle-kill-induced) exit: readers
// and their tokens are cleared, since they can no longer be trusted
// (spec §4.7 table: "alive -> dies unexpectedly -> dead"). Per
// spec.md §9's open-question decision, this does not auto-relaunch.
func (m *SmartcardMonitor) dying() {
	m.mu.Lock()
	unexpected := m.state != Terminating
	m.state = Dead
	m.cmd = nil
	m.clearTimerLocked()
	orphaned := make([]*Reader, 0, len(m.readers))
	for _, r := range m.readers {
		orphaned = append(orphaned, r)
	}
	m.readers = make(map[string]*Reader)
	m.mu.Unlock()

	if len(orphaned) > 0 {
		log.WithComponent("smartcard").Warn().Int("count", len(orphaned)).Msg("readers orphaned by pcscd exit")
	}
	if unexpected {
		metrics.HelperCrashesTotal.Inc()
	}
	for _, r := range orphaned {
		r.Kill()
	}
}

// Poll re-enumerates readers from states and diffs against the
// monitor's current set: new readers are wrapped, vanished readers
// are killed and removed, and present readers with Changed set have
// their Token updated (spec §4.7 device-change handling).
func (m *SmartcardMonitor) Poll(states []ReaderState) {
	m.mu.Lock()
	seen := make(map[string]bool, len(states))
	var toUpdate []struct {
		r       *Reader
		present bool
		serial  string
	}
	for _, st := range states {
		seen[st.Name] = true
		r, ok := m.readers[st.Name]
		if !ok {
			r = newReader(m.reg, st.Name)
			m.readers[st.Name] = r
			log.WithComponent("smartcard").Info().Str("reader", st.Name).Msg("reader inserted into system")
		}
		if st.Changed {
			toUpdate = append(toUpdate, struct {
				r       *Reader
				present bool
				serial  string
			}{r, st.Present, st.TokenSerial})
		}
	}
	var vanished []*Reader
	for name, r := range m.readers {
		if !seen[name] {
			vanished = append(vanished, r)
			delete(m.readers, name)
		}
	}
	attached := len(m.readers)
	empty := attached == 0
	sleeping := m.sleeping
	m.mu.Unlock()

	for _, u := range toUpdate {
		u.r.Update(u.present, u.serial)
	}
	for _, r := range vanished {
		log.WithComponent("smartcard").Info().Str("reader", r.Name).Msg("reader removed from system")
		r.Kill()
	}
	metrics.ReadersAttached.Set(float64(attached))

	m.scheduleTimer(empty && !sleeping)
}

// NotifyFromHelper handles a notification event from the helper
// daemon by re-polling readers (spec §4.7 / original's notifyMe).
func (m *SmartcardMonitor) NotifyFromHelper(states []ReaderState) {
	m.Poll(states)
}

// SystemWillSleep sets the sleep marker and clears the idle timer so
// a quiet period during sleep doesn't reap the helper (spec §4.7
// sleep handling).
func (m *SmartcardMonitor) SystemWillSleep() {
	m.mu.Lock()
	m.sleeping = true
	m.clearTimerLocked()
	m.mu.Unlock()
}

// SystemIsWaking clears the sleep marker and re-arms the idle timer
// if no readers are present.
func (m *SmartcardMonitor) SystemIsWaking() {
	m.mu.Lock()
	m.sleeping = false
	empty := len(m.readers) == 0
	m.mu.Unlock()
	m.scheduleTimer(empty)
}

// HandleDeviceAttach applies the device-attach heuristic to a newly
// attached USB device and launches the helper if warranted (spec
// §4.7 device-attach heuristic).
func (m *SmartcardMonitor) HandleDeviceAttach(interfaceClass, deviceClass *int) error {
	if m.cfg.ServiceLevel == ExternalDaemon || m.cfg.ServiceLevel == ForcedOff {
		return nil
	}
	if m.State() == Alive {
		return nil
	}
	switch ClassifyDevice(interfaceClass, deviceClass) {
	case Definite:
		return m.Launch()
	case Possible:
		if m.cfg.ServiceLevel == Aggressive {
			return m.Launch()
		}
	}
	return nil
}

// scheduleTimer arms or clears the idle-kill timer, only while the
// helper is alive (spec §4.7 scheduleTimer).
func (m *SmartcardMonitor) scheduleTimer(enable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Alive {
		return
	}
	if enable {
		m.clearTimerLocked()
		m.idleTimer = m.wheel.After(idleShutdown, m.onIdleTimeout)
		m.hasTimer = true
	} else {
		m.clearTimerLocked()
	}
}

func (m *SmartcardMonitor) clearTimerLocked() {
	if m.hasTimer {
		m.wheel.ClearTimer(m.idleTimer)
		m.hasTimer = false
	}
}

// onIdleTimeout fires on the timer wheel's dispatcher goroutine after
// idleShutdown with no devices present; it sends the helper a
// terminate signal (spec §4.7 table: "alive -> idle-kill timer fires
// -> terminating").
func (m *SmartcardMonitor) onIdleTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Alive || m.cmd == nil || m.cmd.Process == nil {
		return
	}
	log.WithComponent("smartcard").Info().Msg("killing pcscd: no smartcard devices present")
	m.state = Terminating
	metrics.HelperIdleKillsTotal.Inc()
	_ = m.cmd.Process.Signal(syscall.SIGTERM)
}
