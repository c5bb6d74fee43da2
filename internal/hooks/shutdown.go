package hooks

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/inercia/fullmetal/internal/config"
	"github.com/inercia/fullmetal/internal/logging"
)

// ShutdownFunc performs cleanup during shutdown. It receives the reason.
type ShutdownFunc func(reason string)

// ShutdownManager runs the CLI's cleanup exactly once, whether shutdown comes
// from a signal, a session termination or the user quitting.
//
// It is safe for concurrent use.
type ShutdownManager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	exitCode int
	cleanups []ShutdownFunc
	exitHook config.Hook
	stopSig  func()
}

// NewShutdownManager returns a manager. Signals are not handled until Start.
func NewShutdownManager() *ShutdownManager {
	return &ShutdownManager{done: make(chan struct{})}
}

// SetExitHook sets the command run after the cleanups.
func (sm *ShutdownManager) SetExitHook(hook config.Hook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.exitHook = hook
}

// AddCleanup adds fn to the cleanups, which run in insertion order.
func (sm *ShutdownManager) AddCleanup(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cleanups = append(sm.cleanups, fn)
}

// Start shuts down on SIGINT or SIGTERM with exit code 130 or 143.
func (sm *ShutdownManager) Start() {
	logger := logging.Shutdown()
	logger.Debug("Shutdown manager started, listening for signals")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})

	sm.mu.Lock()
	sm.stopSig = sync.OnceFunc(func() {
		signal.Stop(sigChan)
		close(stop)
	})
	sm.mu.Unlock()

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Signal received, initiating shutdown", "signal", sig.String())
			code := 130
			if sig == syscall.SIGTERM {
				code = 143
			}
			sm.ShutdownWithCode("signal:"+sig.String(), code)
		case <-stop:
		}
	}()
}

// Shutdown runs the shutdown sequence with exit code 0. Only the first call
// does anything; every call blocks until cleanup is complete.
func (sm *ShutdownManager) Shutdown(reason string) {
	sm.ShutdownWithCode(reason, 0)
}

// ShutdownWithCode is Shutdown with an explicit process exit code.
func (sm *ShutdownManager) ShutdownWithCode(reason string, code int) {
	sm.once.Do(func() {
		sm.doShutdown(reason, code)
	})
	<-sm.done
}

func (sm *ShutdownManager) doShutdown(reason string, code int) {
	logger := logging.Shutdown()
	logger.Info("Starting shutdown sequence", "reason", reason, "exit_code", code)

	sm.mu.Lock()
	sm.reason = reason
	sm.exitCode = code
	cleanups := make([]ShutdownFunc, len(sm.cleanups))
	copy(cleanups, sm.cleanups)
	exitHook := sm.exitHook
	stopSig := sm.stopSig
	sm.mu.Unlock()

	if stopSig != nil {
		stopSig()
	}

	for i, fn := range cleanups {
		logger.Debug("Running cleanup function", "index", i, "total", len(cleanups))
		fn(reason)
	}

	if exitHook.Command != "" {
		Run(exitHook, "exit", map[string]string{
			"FULLMETAL_EXIT_REASON": reason,
		})
	}

	logger.Info("Shutdown sequence complete", "reason", reason)
	close(sm.done)
}

// Done is closed when shutdown is complete.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Reason returns the shutdown reason, or "" before shutdown.
func (sm *ShutdownManager) Reason() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reason
}

// ExitCode returns the exit code requested by the first shutdown.
func (sm *ShutdownManager) ExitCode() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.exitCode
}
