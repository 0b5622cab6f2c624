// Package ownership implements the single-owner handoff protocol: only
// one relay process may bind the HTTP listener at a time, and a newly
// started process evicts a stale one rather than refusing to start next
// to it.
package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second
	yieldGrace     = 3 * time.Second
)

// OwnerInfo is the JSON content written into the lock file by whichever
// process currently holds it.
type OwnerInfo struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"startedAt"`
}

// Config configures a Manager.
type Config struct {
	LockPath string
	Addr     string // this process's own loopback admin address
	Token    string
	Logger   zerolog.Logger
}

// Manager owns the lifecycle of the relay's single-instance lock file
// and the yield handoff protocol between an outgoing and incoming
// owner.
type Manager struct {
	lockPath string
	addr     string
	token    string
	http     *resty.Client
	log      zerolog.Logger

	lock *flock.Flock
}

// New constructs a Manager. It does not touch the filesystem until
// Acquire is called.
func New(cfg Config) *Manager {
	client := resty.New().
		SetTimeout(2 * time.Second).
		SetRetryCount(0)
	return &Manager{
		lockPath: cfg.LockPath,
		addr:     cfg.Addr,
		token:    cfg.Token,
		http:     client,
		log:      cfg.Logger,
	}
}

// Acquire blocks until this process holds the lock, evicting a prior
// owner via POST /internal/yield and, if that does not land within the
// grace window, SIGTERM as a fallback. It returns once the
// lock is held and this process's OwnerInfo has been written.
func (m *Manager) Acquire(ctx context.Context) error {
	lock := flock.New(m.lockPath)
	backoff := initialBackoff

	var (
		requestedYield bool
		signaledTerm   bool
		yieldDeadline  time.Time
		owner          OwnerInfo
	)

	for {
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if locked {
			m.lock = lock
			return m.writeOwnerInfo()
		}

		if o, err := m.readOwnerInfo(); err == nil {
			owner = o
		}

		if !requestedYield {
			m.requestYield(owner)
			requestedYield = true
			yieldDeadline = time.Now().Add(yieldGrace)
		} else if !signaledTerm && time.Now().After(yieldDeadline) {
			m.log.Warn().Int("pid", owner.PID).Msg("prior owner did not yield in time, sending SIGTERM")
			if owner.PID > 0 {
				if err := sendTerminate(owner.PID); err != nil {
					m.log.Warn().Err(err).Int("pid", owner.PID).Msg("failed to signal prior owner")
				}
			}
			signaledTerm = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Release drops the lock this process holds, if any.
func (m *Manager) Release() error {
	if m.lock == nil {
		return nil
	}
	return m.lock.Unlock()
}

func (m *Manager) writeOwnerInfo() error {
	info := OwnerInfo{PID: os.Getpid(), Addr: m.addr, StartedAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(m.lockPath, data, 0o644)
}

func (m *Manager) readOwnerInfo() (OwnerInfo, error) {
	data, err := os.ReadFile(m.lockPath)
	if err != nil {
		return OwnerInfo{}, err
	}
	var info OwnerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return OwnerInfo{}, err
	}
	return info, nil
}

func (m *Manager) requestYield(owner OwnerInfo) {
	if owner.Addr == "" {
		return
	}
	url := strings.TrimRight(owner.Addr, "/") + "/internal/yield"
	resp, err := m.http.R().
		SetHeader("Authorization", "Bearer "+m.token).
		Post(url)
	if err != nil {
		m.log.Info().Err(err).Str("addr", owner.Addr).Msg("yield request failed, prior owner may already be gone")
		return
	}
	m.log.Info().Int("status", resp.StatusCode()).Int("pid", owner.PID).Msg("sent yield request to prior owner")
}

// TriggerYield runs drain to completion and then exits the process;
// this package is the only one permitted to call os.Exit. The relay
// server's /internal/yield handler calls this after authenticating the
// request and responding to the caller.
func (m *Manager) TriggerYield(ctx context.Context, drain func(context.Context)) {
	go func() {
		m.log.Info().Msg("yielding ownership, draining connections")
		if drain != nil {
			drain(ctx)
		}
		_ = m.Release()
		os.Exit(0)
	}()
}
