package decoder

import (
	"context"
	"log"
	"time"
)

// fallbackHealthCheckInterval is the health check cadence used when a
// process-exit event isn't the trigger for a restart.
const fallbackHealthCheckInterval = 60 * time.Second

// ParentLive reports whether the owning pipeline (sdr/session/vfo) this
// decoder belongs to is still alive; the supervisor only restarts a
// crashed decoder while this returns true.
type ParentLive func() bool

// supervisedProc is the subset of *Process the Supervisor depends on,
// narrowed to an interface so tests can supervise a fake process instead of
// spawning a real OS process.
type supervisedProc interface {
	Wait() error
	Stop()
	Running() bool
}

// Launcher starts a fresh supervised process for the decoder.
type Launcher func(ctx context.Context) (supervisedProc, error)

// NewProcessLauncher builds a Launcher that spawns a real decoder Process
// for (cfg, sp) and hands each freshly started process to onStart, so the
// caller can attach its sample feed and frame pump to every (re)start.
func NewProcessLauncher(cfg Config, sp Spec, logger *log.Logger, onStart func(ctx context.Context, p *Process)) Launcher {
	return func(ctx context.Context) (supervisedProc, error) {
		p, err := Start(ctx, cfg, sp, logger)
		if err != nil {
			return nil, err
		}
		if onStart != nil {
			onStart(ctx, p)
		}
		return p, nil
	}
}

// Supervisor restarts a decoder process on crash, as long as its parent
// pipeline is still live. Restart is primarily event-driven (a process exit
// is observed directly) with a periodic fallback recheck in case an exit
// event is somehow missed.
type Supervisor struct {
	log     *log.Logger
	launch  Launcher
	isLive  ParentLive
	onEvent func(name string, detail string) // e.g. "decoder-stopped"

	proc supervisedProc
}

// NewSupervisor creates a Supervisor. onEvent may be nil.
func NewSupervisor(launch Launcher, isLive ParentLive, onEvent func(name, detail string), logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	if onEvent == nil {
		onEvent = func(string, string) {}
	}
	return &Supervisor{log: logger, launch: launch, isLive: isLive, onEvent: onEvent}
}

// Run launches the decoder and supervises it until ctx is cancelled,
// restarting on crash (event-driven, via Process.Wait returning) and
// periodically rechecking health as a fallback.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(fallbackHealthCheckInterval)
	defer ticker.Stop()

	if err := s.start(ctx); err != nil {
		s.log.Printf("decoder supervisor: initial start failed: %v", err)
		return
	}

	exited := make(chan error, 1)
	go func() { exited <- s.proc.Wait() }()

	for {
		select {
		case <-ctx.Done():
			if s.proc != nil {
				s.proc.Stop()
			}
			return

		case err := <-exited:
			s.onEvent("decoder-stopped", exitReason(err))
			if !s.isLive() {
				return
			}
			if restartErr := s.restart(ctx); restartErr != nil {
				s.log.Printf("decoder supervisor: restart failed: %v", restartErr)
				return
			}
			exited = make(chan error, 1)
			go func() { exited <- s.proc.Wait() }()

		case <-ticker.C:
			if !s.isLive() {
				if s.proc != nil {
					s.proc.Stop()
				}
				return
			}
			if s.proc != nil && !s.proc.Running() {
				// Fallback path: event-driven restart above should have
				// already caught this, but a missed/raced exit event is
				// caught here within one tick.
				if restartErr := s.restart(ctx); restartErr != nil {
					s.log.Printf("decoder supervisor: fallback restart failed: %v", restartErr)
					return
				}
				exited = make(chan error, 1)
				go func() { exited <- s.proc.Wait() }()
			}
		}
	}
}

func (s *Supervisor) start(ctx context.Context) error {
	p, err := s.launch(ctx)
	if err != nil {
		return err
	}
	s.proc = p
	return nil
}

func (s *Supervisor) restart(ctx context.Context) error {
	return s.start(ctx)
}

func exitReason(err error) string {
	if err == nil {
		return "exited"
	}
	return err.Error()
}
