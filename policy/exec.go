package policy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"
)

const (
	defaultCallTimeout = 500 * time.Millisecond

	actionAccept       = "accept"
	actionReject       = "reject"
	actionShadowReject = "shadowReject"
)

var (
	ErrPluginClosed = errors.New("policy: the plugin is not running")
)

// pluginRequest is the line written to the plugin for each event,
// following the strfry write-policy convention.
type pluginRequest struct {
	Type       string       `json:"type"`
	Event      *nostr.Event `json:"event"`
	ReceivedAt int64        `json:"receivedAt"`
	SourceType string       `json:"sourceType"`
	SourceInfo string       `json:"sourceInfo"`
}

// pluginResponse is the verdict line the plugin writes back.
type pluginResponse struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Msg    string `json:"msg"`
}

// Plugin evaluates events by piping them to a long-running subprocess
// speaking the strfry write-policy protocol: one JSON request per line on
// stdin, one JSON verdict per line on stdout. Calls are serialized since
// the protocol answers in order.
type Plugin struct {
	cmd     *exec.Cmd
	stdin   *json.Encoder
	replies chan pluginResponse
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// PluginOption configures a [Plugin].
type PluginOption func(*Plugin)

// WithCallTimeout bounds how long a single evaluation may take.
func WithCallTimeout(d time.Duration) PluginOption {
	return func(p *Plugin) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPlugin starts the plugin subprocess. An error here means the
// environment cannot run it; callers should fall back to [AllowAll]
// instead of failing startup.
func NewPlugin(command string, args []string, opts ...PluginOption) (*Plugin, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start plugin %q: %w", command, err)
	}

	plugin := &Plugin{
		cmd:     cmd,
		stdin:   json.NewEncoder(stdin),
		replies: make(chan pluginResponse),
		timeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(plugin)
	}

	go plugin.readReplies(stdout)
	return plugin, nil
}

func (p *Plugin) readReplies(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		var reply pluginResponse
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			continue
		}
		p.replies <- reply
	}
	close(p.replies)
}

// Call implements [Policy]. The event is written to the plugin and the
// next verdict line is awaited, bounded by the call timeout.
func (p *Plugin) Call(ctx context.Context, event *nostr.Event) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, "", ErrPluginClosed
	}

	request := pluginRequest{
		Type:       "new",
		Event:      event,
		ReceivedAt: time.Now().Unix(),
		SourceType: "Import",
	}

	if err := p.stdin.Encode(request); err != nil {
		return false, "", fmt.Errorf("failed to write to the plugin: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return false, "", fmt.Errorf("plugin verdict for %s: %w", event.ID, ctx.Err())

		case reply, ok := <-p.replies:
			if !ok {
				return false, "", ErrPluginClosed
			}

			// skip stale verdicts of timed-out earlier calls
			if reply.ID != event.ID {
				continue
			}

			switch reply.Action {
			case actionAccept:
				return true, "", nil
			case actionReject, actionShadowReject:
				return false, reply.Msg, nil
			default:
				return false, "", fmt.Errorf("unknown plugin action %q", reply.Action)
			}
		}
	}
}

// Close stops the plugin subprocess.
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	return p.cmd.Wait()
}
