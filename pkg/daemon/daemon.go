// Package daemon wires every collaborator and core-object-graph
// package into the running securityd process: the handle registry,
// the Root session, the keychain common table, the storage and
// cryptographic collaborators, the authority rule table, the timer
// wheel, and the smartcard monitor.
//
// Modeled on warren/pkg/manager/manager.go's Config+New*+field-
// assembly shape: one struct holding every sub-component, built by a
// single constructor that fails fast if any dependency can't be
// established.
package daemon

import (
	"fmt"
	"os"

	"github.com/cuemby/securityd/pkg/authority"
	"github.com/cuemby/securityd/pkg/config"
	"github.com/cuemby/securityd/pkg/cryptocore"
	"github.com/cuemby/securityd/pkg/errs"
	"github.com/cuemby/securityd/pkg/keychain"
	"github.com/cuemby/securityd/pkg/keystore"
	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/process"
	"github.com/cuemby/securityd/pkg/registry"
	"github.com/cuemby/securityd/pkg/session"
	"github.com/cuemby/securityd/pkg/smartcard"
	"github.com/cuemby/securityd/pkg/timer"
)

const rootServicePort = "root"

// Server is the daemon's root object: it owns every collaborator and
// the top of the object graph (the Root session), and is the single
// place that knows how to assemble and tear all of them down.
type Server struct {
	cfg config.Config

	registry  *registry.Registry
	sessions  *session.Table
	commons   *keychain.CommonTable
	store     keystore.Store
	crypto    cryptocore.Engine
	authority authority.Authority
	wheel     *timer.Wheel
	smartcard *smartcard.SmartcardMonitor

	root *session.Session
}

// New assembles a Server from cfg. It creates the data directory,
// opens the storage collaborator, and constructs the Root session,
// but does not start the timer wheel dispatcher or launch the
// smartcard helper — call Start for that.
func New(cfg config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := keystore.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	reg := registry.New()
	wheel := timer.New()
	crypto := cryptocore.NewAESEngine()
	commons := keychain.NewCommonTable(crypto, wheel)
	auth := authority.NewRuleTable()
	sessions := session.NewTable()

	noAgent := func(kind session.AgentKind) (*session.AgentHost, error) {
		return nil, errs.New(errs.Transient, "no agent factory configured for kind %d", kind)
	}

	root := session.NewRoot(reg, auth, noAgent, rootServicePort)
	sessions.Register(root)

	mon := smartcard.New(smartcard.Config{
		ServiceLevel: cfg.Smartcard.ServiceLevel,
		ExecPath:     cfg.Smartcard.ExecPath,
		WorkingDir:   cfg.Smartcard.WorkingDir,
		DebugLogPath: cfg.Smartcard.DebugLogPath,
	}, reg, wheel)

	s := &Server{
		cfg:       cfg,
		registry:  reg,
		sessions:  sessions,
		commons:   commons,
		store:     store,
		crypto:    crypto,
		authority: auth,
		wheel:     wheel,
		smartcard: mon,
		root:      root,
	}
	return s, nil
}

// Start performs the actions spec §4.7 reserves for "once the event
// loop has started": the smartcard monitor's service-level-dependent
// initial setup.
func (s *Server) Start() error {
	log.WithComponent("daemon").Info().Msg("starting securityd")
	return s.smartcard.InitialSetup()
}

// Shutdown tears the daemon down: kills the Root session (which
// invalidates its shared credentials and kills the tokens it issued;
// processes and keychain databases are not killed by it), stops the
// timer wheel, and closes the storage collaborator.
func (s *Server) Shutdown() error {
	log.WithComponent("daemon").Info().Msg("shutting down securityd")
	s.root.Kill()
	s.wheel.Stop()
	return s.store.Close()
}

// Registry returns the process-wide handle registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Sessions returns the session table.
func (s *Server) Sessions() *session.Table { return s.sessions }

// RootSession returns the singleton Root session.
func (s *Server) RootSession() *session.Session { return s.root }

// Commons returns the keychain common table.
func (s *Server) Commons() *keychain.CommonTable { return s.commons }

// Store returns the storage collaborator.
func (s *Server) Store() keystore.Store { return s.store }

// Crypto returns the cryptographic collaborator.
func (s *Server) Crypto() cryptocore.Engine { return s.crypto }

// Timer returns the timer wheel.
func (s *Server) Timer() *timer.Wheel { return s.wheel }

// Smartcard returns the smartcard monitor.
func (s *Server) Smartcard() *smartcard.SmartcardMonitor { return s.smartcard }

// NewDynamicSession creates and registers a new Dynamic session on
// behalf of originatorTask, on a freshly allocated service port.
func (s *Server) NewDynamicSession(bootstrapID string, servicePort string, originatorTask uint64) *session.DynamicSession {
	noAgent := func(kind session.AgentKind) (*session.AgentHost, error) {
		return nil, errs.New(errs.Transient, "no agent factory configured for kind %d", kind)
	}
	ds := session.NewDynamic(s.registry, s.authority, noAgent, bootstrapID, servicePort, originatorTask)
	s.sessions.Register(ds.Session)
	return ds
}

// NewProcess constructs and registers a Process bound to the session
// on servicePort.
func (s *Server) NewProcess(signer process.Signer, newTemp func(*process.Process) (process.LocalStore, error), servicePort string, taskHandle uint64, pid int, uid, gid uint32, info process.SetupInfo) (*process.Process, error) {
	return process.New(s.registry, s.sessions, signer, newTemp, servicePort, taskHandle, pid, uid, gid, info)
}

// Ready reports whether the daemon is prepared to serve requests, and
// a breakdown of the checks behind that verdict (modeled on
// warren/pkg/api/health.go's /ready handler).
func (s *Server) Ready() (bool, map[string]string) {
	checks := make(map[string]string)
	ready := true

	if s.root == nil || s.root.IsDead() {
		checks["root_session"] = "not available"
		ready = false
	} else {
		checks["root_session"] = "ok"
	}

	if _, err := s.store.ListBlobs(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	checks["smartcard_helper"] = s.smartcard.State().String()

	return ready, checks
}
