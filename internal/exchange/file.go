package exchange

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/signalsfoundry/sagin-testbed/internal/logging"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
)

// DefaultPollInterval is the file transport polling quantum.
const DefaultPollInterval = 10 * time.Millisecond

// FileTransport exchanges payloads through a shared directory:
// state_%06d.json is written into tmp/ and renamed into place, and the
// agent answers with action_%06d.json.
type FileTransport struct {
	dir  string
	poll time.Duration
	log  logging.Logger
}

// FileOption configures a FileTransport.
type FileOption func(*FileTransport)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) FileOption {
	return func(f *FileTransport) {
		if d > 0 {
			f.poll = d
		}
	}
}

// WithFileLogger sets the transport logger.
func WithFileLogger(log logging.Logger) FileOption {
	return func(f *FileTransport) {
		if log != nil {
			f.log = log
		}
	}
}

// NewFileTransport prepares dir and dir/tmp.
func NewFileTransport(dir string, opts ...FileOption) (*FileTransport, error) {
	if dir == "" {
		return nil, errors.New("file transport: empty bridge directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("file transport: create %s: %w", dir, err)
	}
	f := &FileTransport{dir: dir, poll: DefaultPollInterval, log: logging.Noop()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Dir returns the bridge directory.
func (f *FileTransport) Dir() string { return f.dir }

// StatePath returns the published state file for tick.
func (f *FileTransport) StatePath(tick int64) string {
	return filepath.Join(f.dir, fmt.Sprintf("state_%06d.json", tick))
}

// ActionPath returns the decision file the agent writes for tick.
func (f *FileTransport) ActionPath(tick int64) string {
	return filepath.Join(f.dir, fmt.Sprintf("action_%06d.json", tick))
}

func (f *FileTransport) tmpPath(tick int64) string {
	return filepath.Join(f.dir, "tmp", fmt.Sprintf("state_%06d.json.tmp", tick))
}

// Publish writes the state to a temporary file, syncs it and renames it
// over the final name, so readers see the old file or the complete new one.
func (f *FileTransport) Publish(ctx context.Context, state *protocol.State) error {
	data, err := protocol.EncodeState(state)
	if err != nil {
		return err
	}
	tmp := f.tmpPath(state.Tick)
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, f.StatePath(state.Tick)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	f.log.Debug(ctx, "state published", logging.Int64("tick", state.Tick), logging.String("path", f.StatePath(state.Tick)))
	return nil
}

func writeSynced(path string, data []byte) error {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// AwaitDecision polls for action_%06d.json until timeout. A missing file
// means the agent is not ready. Invalid JSON is re-read on the next poll
// since the agent may still be writing it; at the deadline it counts as
// malformed. A payload tagged for another tick is ignored.
func (f *FileTransport) AwaitDecision(ctx context.Context, tick int64, timeout time.Duration) (protocol.Decision, error) {
	path := f.ActionPath(tick)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	var lastErr error
	for {
		d, err := f.tryRead(path, tick)
		switch {
		case err == nil:
			return d, nil
		case errors.Is(err, protocol.ErrMalformedDecision):
			return protocol.Decision{}, err
		default:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return protocol.Decision{}, ctx.Err()
		case <-deadline.C:
			if errors.Is(lastErr, protocol.ErrIncompleteDecision) || errors.Is(lastErr, protocol.ErrTickMismatch) {
				return protocol.Decision{}, lastErr
			}
			return protocol.Decision{}, fmt.Errorf("%w: tick %d after %s", ErrNoDecision, tick, timeout)
		case <-ticker.C:
		}
	}
}

func (f *FileTransport) tryRead(path string, tick int64) (protocol.Decision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return protocol.Decision{}, ErrNoDecision
		}
		return protocol.Decision{}, fmt.Errorf("read %s: %w", path, err)
	}
	d, err := protocol.DecodeDecision(data)
	if err != nil {
		return protocol.Decision{}, err
	}
	if err := d.CheckTick(tick); err != nil {
		return protocol.Decision{}, err
	}
	return d, nil
}
